package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carequeue/carequeue/internal/domain/room"
	"github.com/carequeue/carequeue/internal/platform/db"
	"github.com/carequeue/carequeue/internal/platform/db/dbtest"
)

var pg dbtest.Server

func TestMain(m *testing.M) {
	code := m.Run()
	pg.Close()
	os.Exit(code)
}

// pgPartition gives each test its own hospital so tests share one database.
func pgPartition() Partition {
	return Partition{Hospital: "Hospital " + uuid.NewString()[:8], Specialty: cardiology}
}

func newPGService(pool *pgxpool.Pool) *Service {
	return NewService(NewRepoPG(pool), Config{Logger: zerolog.Nop()})
}

func pgJoin(t *testing.T, svc *Service, p Partition) *Entry {
	t.Helper()
	id := "patient-" + uuid.NewString()
	e, err := svc.Join(context.Background(), JoinRequest{
		PatientID:    id,
		PatientName:  id[:16],
		HospitalName: p.Hospital,
		Specialty:    p.Specialty,
	})
	require.NoError(t, err)
	return e
}

func positions(t *testing.T, repo Repository, p Partition) map[uuid.UUID]int {
	t.Helper()
	active, err := repo.ListActive(context.Background(), p.Hospital, p.Specialty)
	require.NoError(t, err)
	out := make(map[uuid.UUID]int, len(active))
	for _, e := range active {
		out[e.ID] = e.Position
	}
	return out
}

func TestRepoPG_ActiveEntryIsUnique(t *testing.T) {
	pool := pg.Pool(t)
	repo := NewRepoPG(pool)
	ctx := context.Background()
	p := pgPartition()
	now := time.Now().UTC()

	first := &Entry{PatientID: "patient-" + uuid.NewString(), HospitalName: p.Hospital, Specialty: p.Specialty,
		QueueNumber: "C-001", Position: 1, Status: StatusWaiting, Priority: PriorityMedium, JoinedAt: now}
	require.NoError(t, repo.Create(ctx, first))

	again := *first
	again.ID = uuid.Nil
	again.Position = 2
	require.ErrorIs(t, repo.Create(ctx, &again), ErrActiveEntryExists)

	// once served, the patient may queue again
	_, err := repo.Transition(ctx, first.ID, ActionCall, now)
	require.NoError(t, err)
	_, err = repo.Transition(ctx, first.ID, ActionComplete, now)
	require.NoError(t, err)
	again.ID = uuid.Nil
	require.NoError(t, repo.Create(ctx, &again))
}

func TestRepoPG_TransitionIsConditional(t *testing.T) {
	pool := pg.Pool(t)
	repo := NewRepoPG(pool)
	svc := newPGService(pool)
	ctx := context.Background()
	p := pgPartition()
	e := pgJoin(t, svc, p)

	_, err := repo.Transition(ctx, e.ID, ActionComplete, time.Now())
	require.ErrorIs(t, err, ErrStatusConflict, "waiting entries cannot be completed")

	called, err := repo.Transition(ctx, e.ID, ActionCall, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusCalled, called.Status)
	assert.NotNil(t, called.CalledAt)
	assert.Equal(t, e.Version+1, called.Version)

	_, err = repo.Transition(ctx, e.ID, ActionCall, time.Now())
	require.ErrorIs(t, err, ErrStatusConflict)

	_, err = repo.GetByID(ctx, uuid.New())
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestRepoPG_CloseGapMovesOnlyLaterActive(t *testing.T) {
	pool := pg.Pool(t)
	repo := NewRepoPG(pool)
	svc := newPGService(pool)
	ctx := context.Background()
	p := pgPartition()
	a, b, c := pgJoin(t, svc, p), pgJoin(t, svc, p), pgJoin(t, svc, p)

	_, err := repo.Transition(ctx, b.ID, ActionCancel, time.Now())
	require.NoError(t, err)
	moved, err := repo.CloseGap(ctx, p, b.Position)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got := positions(t, repo, p)
	assert.Equal(t, map[uuid.UUID]int{a.ID: 1, c.ID: 2}, got)
}

func TestRepoPG_ConcurrentJoinsAcrossInstances(t *testing.T) {
	pool := pg.Pool(t)
	// Two services share nothing in-process, like two server instances.
	instances := []*Service{newPGService(pool), newPGService(pool)}
	p := pgPartition()

	const joins = 40
	var wg sync.WaitGroup
	errs := make(chan error, joins)
	for i := 0; i < joins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("patient-%d-%s", i, uuid.NewString()[:8])
			_, err := instances[i%2].Join(context.Background(), JoinRequest{
				PatientID: id, PatientName: id, HospitalName: p.Hospital, Specialty: p.Specialty,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	active, err := NewRepoPG(pool).ListActive(context.Background(), p.Hospital, p.Specialty)
	require.NoError(t, err)
	require.Len(t, active, joins)
	numbers := make(map[string]bool)
	for i, e := range active {
		assert.Equal(t, i+1, e.Position)
		assert.False(t, numbers[e.QueueNumber], "duplicate queue number %s", e.QueueNumber)
		numbers[e.QueueNumber] = true
	}
}

// holdOpen runs fn inside run's transaction and keeps the transaction open
// until release is closed. It returns once fn has finished.
func holdOpen(run func(ctx context.Context, fn func(ctx context.Context) error) error,
	fn func(ctx context.Context) error) (release chan struct{}, done chan error) {
	ready := make(chan struct{})
	release, done = make(chan struct{}), make(chan error, 1)
	go func() {
		done <- run(context.Background(), func(ctx context.Context) error {
			err := fn(ctx)
			close(ready)
			if err != nil {
				return err
			}
			<-release
			return nil
		})
	}()
	<-ready
	return release, done
}

func callNextAsync(svc *Service, hospital, specialty string) chan *Entry {
	out := make(chan *Entry, 1)
	go func() {
		e, err := svc.CallNext(context.Background(), Actor{UserID: "staff-1", Hospital: hospital}, hospital, specialty)
		if err != nil {
			out <- nil
			return
		}
		out <- e
	}()
	return out
}

func TestRepoPG_CallNextWaitsForOpenLeave(t *testing.T) {
	pool := pg.Pool(t)
	repo := NewRepoPG(pool)

	for _, tc := range []struct {
		name      string
		specialty string
	}{
		{"specialty", cardiology},
		{"hospital wide", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			joiner, caller := newPGService(pool), newPGService(pool)
			p := pgPartition()
			first := pgJoin(t, joiner, p)
			second := pgJoin(t, joiner, p)
			pgJoin(t, joiner, p)

			// The first patient leaves; the transaction stays open.
			release, done := holdOpen(
				func(ctx context.Context, fn func(ctx context.Context) error) error {
					return repo.InPartition(ctx, p, fn)
				},
				func(ctx context.Context) error {
					if _, err := repo.Transition(ctx, first.ID, ActionCancel, time.Now()); err != nil {
						return err
					}
					_, err := repo.CloseGap(ctx, p, first.Position)
					return err
				})

			result := callNextAsync(caller, p.Hospital, tc.specialty)
			select {
			case e := <-result:
				t.Fatalf("call-next finished while the leave was uncommitted: %+v", e)
			case <-time.After(300 * time.Millisecond):
			}

			close(release)
			require.NoError(t, <-done)

			select {
			case e := <-result:
				require.NotNil(t, e, "a patient was still waiting")
				assert.Equal(t, second.ID, e.ID)
				assert.Equal(t, 1, e.Position)
			case <-time.After(5 * time.Second):
				t.Fatal("call-next did not finish after the leave committed")
			}
		})
	}
}

func TestRepoPG_CallNextWaitsForRoomAssignment(t *testing.T) {
	pool := pg.Pool(t)
	repo := NewRepoPG(pool)
	svc := newPGService(pool)
	ctx := context.Background()
	p := pgPartition()
	first := pgJoin(t, svc, p)
	pgJoin(t, svc, p)

	rm := &room.Room{HospitalName: p.Hospital, Name: "Room A", Capacity: 5}
	require.NoError(t, room.NewRepoPG(pool).Create(ctx, rm))

	release, done := holdOpen(
		func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		},
		func(ctx context.Context) error {
			assigned, err := repo.AssignRoom(ctx, []uuid.UUID{first.ID}, p.Hospital, rm.ID)
			if err == nil && len(assigned) != 1 {
				err = fmt.Errorf("assigned %d entries", len(assigned))
			}
			return err
		})

	result := callNextAsync(newPGService(pool), p.Hospital, p.Specialty)
	time.Sleep(200 * time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	select {
	case e := <-result:
		require.NotNil(t, e)
		assert.Equal(t, first.ID, e.ID, "the head of the queue must not be passed over")
		require.NotNil(t, e.AssignedRoom)
		assert.Equal(t, rm.ID, *e.AssignedRoom)
	case <-time.After(5 * time.Second):
		t.Fatal("call-next did not finish")
	}
}

func TestRepoPG_InPartitionSerializesAcrossConnections(t *testing.T) {
	pool := pg.Pool(t)
	repo := NewRepoPG(pool)
	p := pgPartition()

	release, done := holdOpen(
		func(ctx context.Context, fn func(ctx context.Context) error) error {
			return repo.InPartition(ctx, p, fn)
		},
		func(context.Context) error { return nil })

	entered := make(chan struct{})
	go func() {
		_ = repo.InPartition(context.Background(), p, func(context.Context) error {
			close(entered)
			return nil
		})
	}()

	select {
	case <-entered:
		t.Fatal("second holder entered while the partition was locked")
	case <-time.After(200 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("second holder never entered")
	}

	// other partitions are unaffected
	other := Partition{Hospital: p.Hospital, Specialty: "Dermatology"}
	require.NoError(t, repo.InPartition(context.Background(), other, func(context.Context) error { return nil }))
}
