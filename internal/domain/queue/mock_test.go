package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carequeue/carequeue/internal/domain/room"
	"github.com/carequeue/carequeue/internal/platform/notification"
	"github.com/carequeue/carequeue/internal/platform/websocket"
)

// mockRepo is an in-memory Repository. Each call is atomic on its own;
// InPartition adds no locking so tests exercise the engine's own
// serialization.
type mockRepo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
	seq     int
}

func newMockRepo() *mockRepo {
	return &mockRepo{entries: make(map[uuid.UUID]*Entry)}
}

func (m *mockRepo) InPartition(ctx context.Context, _ Partition, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *mockRepo) Create(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.entries {
		if x.PatientID == e.PatientID && x.Status.Active() {
			return ErrActiveEntryExists
		}
	}
	m.seq++
	e.ID = uuid.New()
	e.Version = 1
	// Keep join order stable even when the test clock does not move.
	e.JoinedAt = e.JoinedAt.Add(time.Duration(m.seq) * time.Microsecond)
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *mockRepo) GetActiveByPatient(_ context.Context, patientID string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.PatientID == patientID && e.Status.Active() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) MaxActivePosition(_ context.Context, p Partition) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	highest := 0
	for _, e := range m.entries {
		if e.Partition() == p && e.Status.Active() && e.Position > highest {
			highest = e.Position
		}
	}
	return highest, nil
}

func (m *mockRepo) Transition(_ context.Context, id uuid.UUID, a Action, at time.Time) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || !CanTransition(e.Status, a) {
		return nil, ErrStatusConflict
	}
	to, _ := Target(a)
	e.Status = to
	e.Version++
	t := at
	switch to {
	case StatusCalled:
		e.CalledAt = &t
	case StatusServed:
		e.ServedAt = &t
	}
	cp := *e
	return &cp, nil
}

func (m *mockRepo) sorted(match func(*Entry) bool) []*Entry {
	var out []*Entry
	for _, e := range m.entries {
		if match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Specialty != out[j].Specialty {
			return out[i].Specialty < out[j].Specialty
		}
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func copies(in []*Entry) []*Entry {
	out := make([]*Entry, 0, len(in))
	for _, e := range in {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

func inScope(e *Entry, hospital, specialty string) bool {
	return e.HospitalName == hospital && (specialty == "" || e.Specialty == specialty)
}

func (m *mockRepo) NextWaiting(_ context.Context, hospital, specialty string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	head := m.headWaiting(hospital, specialty)
	if head == nil {
		return nil, nil
	}
	cp := *head
	return &cp, nil
}

func (m *mockRepo) ClaimNextWaiting(_ context.Context, p Partition, at time.Time) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.headWaiting(p.Hospital, p.Specialty)
	if e == nil {
		return nil, nil
	}
	t := at
	e.Status = StatusCalled
	e.CalledAt = &t
	e.Version++
	cp := *e
	return &cp, nil
}

// headWaiting expects m.mu held. Across specialties the lowest position wins,
// then join time.
func (m *mockRepo) headWaiting(hospital, specialty string) *Entry {
	waiting := m.sorted(func(e *Entry) bool {
		return inScope(e, hospital, specialty) && e.Status == StatusWaiting
	})
	if len(waiting) == 0 {
		return nil
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		if waiting[i].Position != waiting[j].Position {
			return waiting[i].Position < waiting[j].Position
		}
		return waiting[i].JoinedAt.Before(waiting[j].JoinedAt)
	})
	return waiting[0]
}

func (m *mockRepo) EarliestCalled(_ context.Context, hospital, specialty string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	called := m.sorted(func(e *Entry) bool {
		return inScope(e, hospital, specialty) && e.Status == StatusCalled
	})
	if len(called) == 0 {
		return nil, nil
	}
	sort.SliceStable(called, func(i, j int) bool {
		return called[i].CalledAt.Before(*called[j].CalledAt)
	})
	cp := *called[0]
	return &cp, nil
}

func (m *mockRepo) CloseGap(_ context.Context, p Partition, after int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Partition() == p && e.Status.Active() && e.Position > after {
			e.Position--
			e.Version++
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) AssignRoom(_ context.Context, ids []uuid.UUID, hospital string, roomID uuid.UUID) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for _, id := range ids {
		e, ok := m.entries[id]
		if !ok || e.HospitalName != hospital || !e.Status.Active() {
			continue
		}
		if e.AssignedRoom != nil && *e.AssignedRoom == roomID {
			continue
		}
		r := roomID
		e.AssignedRoom = &r
		e.Version++
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRepo) ListActive(_ context.Context, hospital, specialty string) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copies(m.sorted(func(e *Entry) bool {
		return inScope(e, hospital, specialty) && e.Status.Active()
	})), nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Entry
	for _, e := range m.entries {
		if e.PatientID == patientID {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].JoinedAt.After(all[j].JoinedAt) })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return copies(all[offset:end]), total, nil
}

func (m *mockRepo) CountWaiting(_ context.Context, p Partition) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Partition() == p && e.Status == StatusWaiting {
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) CountAhead(_ context.Context, p Partition, position int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Partition() == p && e.Status.Active() && e.Position < position {
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) all() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copies(m.sorted(func(*Entry) bool { return true }))
}

// -- collaborators --

type published struct {
	target websocket.Target
	event  websocket.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, t websocket.Target, e websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, published{target: t, event: e})
	return nil
}

func (p *recordingPublisher) ofType(typ websocket.EventType) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.event.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type recordingSink struct {
	mu    sync.Mutex
	items []notification.Notification
}

func (s *recordingSink) Create(_ context.Context, n notification.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
}

func (s *recordingSink) all() []notification.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notification.Notification(nil), s.items...)
}

type panickingSink struct{}

func (panickingSink) Create(context.Context, notification.Notification) { panic("sink down") }

type fakeRooms struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*room.Room
	fail  error
}

func newFakeRooms(rooms ...*room.Room) *fakeRooms {
	f := &fakeRooms{rooms: make(map[uuid.UUID]*room.Room)}
	for _, r := range rooms {
		f.rooms[r.ID] = r
	}
	return f
}

func (f *fakeRooms) Get(_ context.Context, id uuid.UUID) (*room.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[id]
	if !ok {
		return nil, room.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRooms) AddOccupancy(_ context.Context, id uuid.UUID, delta int) (*room.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	r, ok := f.rooms[id]
	if !ok {
		return nil, room.ErrNotFound
	}
	r.CurrentOccupancy = room.Clamp(r.CurrentOccupancy+delta, r.Capacity)
	r.Status, r.Color = room.DeriveStatus(r.CurrentOccupancy, r.Capacity)
	cp := *r
	return &cp, nil
}

type fakePreferences struct {
	mu  sync.Mutex
	set map[string]string
	err error
}

func (f *fakePreferences) SetPreferredHospital(_ context.Context, userID, hospital string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.set == nil {
		f.set = make(map[string]string)
	}
	f.set[userID] = hospital
	return nil
}
