package notification

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher persists notifications on a fixed pool of workers. Create never
// blocks: when the buffer is full the notification is dropped and logged.
type Dispatcher struct {
	size   int
	jobs   chan Notification
	repo   Repository
	logger zerolog.Logger

	// drainTimeout bounds the writes still buffered at shutdown.
	drainTimeout time.Duration
	stopped      atomic.Bool
}

func NewDispatcher(repo Repository, workers, buffer int, logger zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Dispatcher{
		size:         workers,
		jobs:         make(chan Notification, buffer),
		repo:         repo,
		logger:       logger.With().Str("component", "notification_dispatcher").Logger(),
		drainTimeout: 5 * time.Second,
	}
}

// Create enqueues n for persistence. After Run has returned nothing is
// accepted any more.
func (d *Dispatcher) Create(_ context.Context, n Notification) {
	if d.stopped.Load() {
		d.logger.Warn().
			Str("user_id", n.UserID).
			Str("type", string(n.Type)).
			Msg("dispatcher stopped, dropping notification")
		return
	}
	select {
	case d.jobs <- n:
	default:
		d.logger.Warn().
			Str("user_id", n.UserID).
			Str("type", string(n.Type)).
			Msg("notification buffer full, dropping notification")
	}
}

// Run starts the workers and blocks until ctx is cancelled and the buffered
// notifications have been written. Cancel ctx only after the producers (the
// HTTP server) have stopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	d.stopped.Store(true)
	// catch anything enqueued while the workers were draining
	d.drain(-1)
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	d.logger.Debug().Int("worker", id).Msg("worker started")
	for {
		select {
		case n := <-d.jobs:
			d.persist(ctx, n)
		case <-ctx.Done():
			d.drain(id)
			return
		}
	}
}

func (d *Dispatcher) drain(id int) {
	ctx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()
	for {
		select {
		case n := <-d.jobs:
			d.persist(ctx, n)
		default:
			d.logger.Debug().Int("worker", id).Msg("worker stopped")
			return
		}
	}
}

func (d *Dispatcher) persist(ctx context.Context, n Notification) {
	if n.Priority == "" {
		n.Priority = "medium"
	}
	if err := d.repo.Create(ctx, &n); err != nil {
		d.logger.Warn().Err(err).
			Str("user_id", n.UserID).
			Str("type", string(n.Type)).
			Msg("failed to store notification")
	}
}

// Pending returns the number of buffered notifications.
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}
