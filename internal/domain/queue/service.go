package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carequeue/carequeue/internal/domain/preference"
	"github.com/carequeue/carequeue/internal/domain/room"
	"github.com/carequeue/carequeue/internal/platform/notification"
	"github.com/carequeue/carequeue/internal/platform/websocket"
	"github.com/carequeue/carequeue/pkg/pagination"
)

// DefaultServiceMinutes is the assumed time spent with each patient.
const DefaultServiceMinutes = 15

// RoomHelper is the part of the room service the engine needs.
type RoomHelper interface {
	Get(ctx context.Context, id uuid.UUID) (*room.Room, error)
	AddOccupancy(ctx context.Context, id uuid.UUID, delta int) (*room.Room, error)
}

// NotificationSink stores notifications without blocking the caller.
type NotificationSink interface {
	Create(ctx context.Context, n notification.Notification)
}

// Config wires the engine's collaborators. Only the repository is required;
// nil collaborators are skipped.
type Config struct {
	ServiceMinutes int
	Rooms          RoomHelper
	Events         websocket.EventPublisher
	Notifications  NotificationSink
	Preferences    preference.Writer
	Templates      *notification.TemplateEngine
	Logger         zerolog.Logger
	Now            func() time.Time
}

// Service is the queue lifecycle engine.
type Service struct {
	repo           Repository
	rooms          RoomHelper
	events         websocket.EventPublisher
	notifications  NotificationSink
	preferences    preference.Writer
	templates      *notification.TemplateEngine
	serviceMinutes int
	locks          *partitionLocks
	logger         zerolog.Logger
	now            func() time.Time
}

func NewService(repo Repository, cfg Config) *Service {
	s := &Service{
		repo:           repo,
		rooms:          cfg.Rooms,
		events:         cfg.Events,
		notifications:  cfg.Notifications,
		preferences:    cfg.Preferences,
		templates:      cfg.Templates,
		serviceMinutes: cfg.ServiceMinutes,
		locks:          newPartitionLocks(),
		logger:         cfg.Logger.With().Str("component", "queue").Logger(),
		now:            cfg.Now,
	}
	if s.serviceMinutes <= 0 {
		s.serviceMinutes = DefaultServiceMinutes
	}
	if s.templates == nil {
		s.templates = notification.NewTemplateEngine()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Actor is the staff member performing an operation. An empty Hospital means
// the actor is not restricted to one hospital.
type Actor struct {
	UserID   string
	Name     string
	Hospital string
}

// hospitalFor returns the hospital the actor operates on: their own, or the
// requested one when unrestricted.
func (a Actor) hospitalFor(requested string) (string, error) {
	if a.Hospital != "" {
		return a.Hospital, nil
	}
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return "", &ValidationError{Field: "hospital_name", Message: "is required"}
	}
	return requested, nil
}

func (a Actor) sees(e *Entry) bool {
	return a.Hospital == "" || a.Hospital == e.HospitalName
}

// -- Patient operations --

// Join puts a patient at the back of a specialty queue.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*Entry, error) {
	priority, err := req.normalize()
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetActiveByPatient(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, s.alreadyInQueue(existing)
	}

	p := Partition{Hospital: req.HospitalName, Specialty: req.Specialty}
	var entry *Entry
	err = s.withPartition(ctx, p, func(ctx context.Context) error {
		highest, err := s.repo.MaxActivePosition(ctx, p)
		if err != nil {
			return err
		}
		position := highest + 1
		e := &Entry{
			PatientID:    req.PatientID,
			PatientName:  req.PatientName,
			HospitalName: p.Hospital,
			Specialty:    p.Specialty,
			QueueNumber:  QueueNumber(p.Specialty, position),
			Position:     position,
			Status:       StatusWaiting,
			Priority:     priority,
			Notes:        req.Notes,
			JoinedAt:     s.now(),
		}
		if err := s.repo.Create(ctx, e); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if errors.Is(err, ErrActiveEntryExists) {
		// Lost a race against a concurrent join by the same patient.
		if existing, gerr := s.repo.GetActiveByPatient(ctx, req.PatientID); gerr == nil && existing != nil {
			return nil, s.alreadyInQueue(existing)
		}
		return nil, fmt.Errorf("join: %w", err)
	}
	if err != nil {
		return nil, err
	}

	s.decorate(entry)
	s.logger.Info().
		Str("entry_id", entry.ID.String()).
		Str("partition", p.String()).
		Int("position", entry.Position).
		Msg("patient joined queue")

	s.publish(ctx, websocket.Hospital(entry.HospitalName), websocket.PatientJoined{
		EntryID:           entry.ID,
		PatientName:       entry.PatientName,
		QueueNumber:       entry.QueueNumber,
		Specialty:         entry.Specialty,
		Position:          entry.Position,
		EstimatedWaitTime: entry.EstimatedWaitTime,
	})
	if s.preferences != nil {
		s.bestEffort("preferences", func() error {
			return s.preferences.SetPreferredHospital(ctx, entry.PatientID, entry.HospitalName)
		})
	}
	return entry, nil
}

func (s *Service) alreadyInQueue(existing *Entry) error {
	s.decorate(existing)
	return &AlreadyInQueueError{Entry: existing}
}

// Status returns the patient's active entry with live queue statistics.
func (s *Service) Status(ctx context.Context, patientID string) (*StatusView, error) {
	e, err := s.activeEntry(ctx, patientID)
	if err != nil {
		return nil, err
	}
	p := e.Partition()
	waiting, err := s.repo.CountWaiting(ctx, p)
	if err != nil {
		return nil, err
	}
	ahead, err := s.repo.CountAhead(ctx, p, e.Position)
	if err != nil {
		return nil, err
	}

	e.EstimatedWaitTime = ahead * s.serviceMinutes
	return &StatusView{
		Entry: e,
		Stats: Stats{
			TotalWaiting:      waiting,
			AheadCount:        ahead,
			EstimatedWaitTime: ahead * s.serviceMinutes,
		},
	}, nil
}

// Leave cancels the patient's active entry and moves everyone behind it up.
func (s *Service) Leave(ctx context.Context, patientID string) (*Entry, error) {
	e, err := s.activeEntry(ctx, patientID)
	if err != nil {
		return nil, err
	}
	updated, err := s.depart(ctx, e, ActionCancel)
	if errors.Is(err, ErrStatusConflict) {
		return nil, &NotInQueueError{PatientID: patientID}
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("entry_id", updated.ID.String()).Msg("patient left queue")
	return updated, nil
}

// History lists every entry the patient ever held, newest first.
func (s *Service) History(ctx context.Context, patientID string, p pagination.Params) ([]*Entry, int, error) {
	items, total, err := s.repo.ListByPatient(ctx, patientID, p.Limit, p.Offset)
	if err != nil {
		return nil, 0, err
	}
	for _, e := range items {
		s.decorate(e)
	}
	return items, total, nil
}

// VisibleQueue lists the active entries of the hospital the patient is queued
// at, without other patients' identities.
func (s *Service) VisibleQueue(ctx context.Context, patientID, specialty string) ([]PublicEntry, error) {
	mine, err := s.activeEntry(ctx, patientID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListActive(ctx, mine.HospitalName, strings.TrimSpace(specialty))
	if err != nil {
		return nil, err
	}
	out := make([]PublicEntry, 0, len(entries))
	for _, e := range entries {
		s.decorate(e)
		out = append(out, PublicEntry{
			QueueNumber:       e.QueueNumber,
			Specialty:         e.Specialty,
			Position:          e.Position,
			Status:            e.Status,
			EstimatedWaitTime: e.EstimatedWaitTime,
			Mine:              e.ID == mine.ID,
		})
	}
	return out, nil
}

// -- Staff operations --

// HospitalQueue lists active entries at a hospital ordered by specialty and
// position.
func (s *Service) HospitalQueue(ctx context.Context, actor Actor, hospital, specialty string) ([]*Entry, error) {
	hospital, err := actor.hospitalFor(hospital)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListActive(ctx, hospital, strings.TrimSpace(specialty))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		s.decorate(e)
	}
	return entries, nil
}

// CallNext calls the waiting entry with the lowest position. Priority does not
// affect the order.
func (s *Service) CallNext(ctx context.Context, actor Actor, hospital, specialty string) (*Entry, error) {
	hospital, err := actor.hospitalFor(hospital)
	if err != nil {
		return nil, err
	}
	specialty = strings.TrimSpace(specialty)

	// A hospital-wide call first picks the partition whose head is next, then
	// claims inside that partition. The head may leave in between, so retry.
	for attempt := 0; attempt < 3; attempt++ {
		p := Partition{Hospital: hospital, Specialty: specialty}
		if specialty == "" {
			head, err := s.repo.NextWaiting(ctx, hospital, "")
			if err != nil {
				return nil, err
			}
			if head == nil {
				break
			}
			p = head.Partition()
		}

		var e *Entry
		err := s.withPartition(ctx, p, func(ctx context.Context) error {
			claimed, err := s.repo.ClaimNextWaiting(ctx, p, s.now())
			e = claimed
			return err
		})
		if err != nil {
			return nil, err
		}
		if e != nil {
			s.afterCall(ctx, e, actor)
			return e, nil
		}
		if specialty != "" {
			break
		}
	}
	return nil, &NoPatientWaitingError{Hospital: hospital, Specialty: specialty}
}

// CallSpecific calls one waiting entry chosen by staff.
func (s *Service) CallSpecific(ctx context.Context, actor Actor, id uuid.UUID) (*Entry, error) {
	e, err := s.scopedEntry(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(e.Status, ActionCall) {
		return nil, &InvalidStateError{Action: ActionCall, Current: e.Status}
	}
	var updated *Entry
	err = s.withPartition(ctx, e.Partition(), func(ctx context.Context) error {
		called, err := s.repo.Transition(ctx, id, ActionCall, s.now())
		updated = called
		return err
	})
	if err != nil {
		return nil, s.explain(ctx, id, ActionCall, err)
	}
	s.afterCall(ctx, updated, actor)
	return updated, nil
}

// CompleteRequest selects the entry to complete. Without an ID the longest
// called entry at Hospital (and Specialty, if set) is completed.
type CompleteRequest struct {
	ID        *uuid.UUID
	Hospital  string
	Specialty string
}

// Complete marks a called entry served and closes its position gap.
func (s *Service) Complete(ctx context.Context, actor Actor, req CompleteRequest) (*Entry, error) {
	var e *Entry
	if req.ID != nil {
		found, err := s.scopedEntry(ctx, actor, *req.ID)
		if err != nil {
			return nil, err
		}
		e = found
	} else {
		hospital, err := actor.hospitalFor(req.Hospital)
		if err != nil {
			return nil, err
		}
		found, err := s.repo.EarliestCalled(ctx, hospital, strings.TrimSpace(req.Specialty))
		if err != nil {
			return nil, err
		}
		if found == nil {
			return nil, &NotFoundError{Resource: "called queue entry"}
		}
		e = found
	}

	if !CanTransition(e.Status, ActionComplete) {
		return nil, &InvalidStateError{Action: ActionComplete, Current: e.Status}
	}
	updated, err := s.depart(ctx, e, ActionComplete)
	if err != nil {
		return nil, s.explain(ctx, e.ID, ActionComplete, err)
	}
	s.logger.Info().
		Str("entry_id", updated.ID.String()).
		Str("staff_id", actor.UserID).
		Msg("patient served")
	return updated, nil
}

// MarkNoShow moves each active entry among ids to no_show and returns how many
// changed. Unknown, foreign or inactive entries are skipped.
func (s *Service) MarkNoShow(ctx context.Context, actor Actor, ids []uuid.UUID) (int, error) {
	ids, err := uniqueIDs(ids)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		e, err := s.repo.GetByID(ctx, id)
		if errors.Is(err, ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}
		if !actor.sees(e) || !CanTransition(e.Status, ActionNoShow) {
			continue
		}
		if _, err := s.depart(ctx, e, ActionNoShow); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				continue
			}
			return count, err
		}
		count++
	}
	s.logger.Info().Int("count", count).Str("staff_id", actor.UserID).Msg("marked no-show")
	return count, nil
}

// AssignRoom sends active entries to a waiting room and raises its occupancy.
func (s *Service) AssignRoom(ctx context.Context, actor Actor, ids []uuid.UUID, roomID uuid.UUID) (*AssignResult, error) {
	ids, err := uniqueIDs(ids)
	if err != nil {
		return nil, err
	}
	if s.rooms == nil {
		return nil, errors.New("room helper not configured")
	}

	rm, err := s.rooms.Get(ctx, roomID)
	if errors.Is(err, room.ErrNotFound) {
		return nil, &NotFoundError{Resource: "room", ID: roomID.String()}
	}
	if err != nil {
		return nil, err
	}
	if actor.Hospital != "" && actor.Hospital != rm.HospitalName {
		return nil, &NotFoundError{Resource: "room", ID: roomID.String()}
	}

	entries, err := s.repo.AssignRoom(ctx, ids, rm.HospitalName, rm.ID)
	if err != nil {
		return nil, err
	}
	result := &AssignResult{
		ModifiedCount: len(entries),
		RoomName:      rm.Name,
		NewOccupancy:  rm.CurrentOccupancy,
	}
	if len(entries) == 0 {
		return result, nil
	}

	if updated, err := s.rooms.AddOccupancy(ctx, rm.ID, len(entries)); err != nil {
		s.logger.Warn().Err(err).Str("collaborator", "rooms").Str("room_id", rm.ID.String()).
			Msg("occupancy update failed")
	} else {
		rm = updated
		result.NewOccupancy = rm.CurrentOccupancy
	}

	assigned := make([]websocket.AssignedPatient, 0, len(entries))
	for _, e := range entries {
		assigned = append(assigned, websocket.AssignedPatient{
			EntryID:     e.ID,
			PatientName: e.PatientName,
			QueueNumber: e.QueueNumber,
		})
		s.notify(ctx, e.PatientID, notification.TemplateRoomAssigned, map[string]string{
			"room_name":    rm.Name,
			"queue_number": e.QueueNumber,
		}, PriorityMedium, "queue_entry:"+e.ID.String())
	}

	roomKey := rm.ID.String()
	assignedEvt := websocket.PatientsAssigned{
		RoomID:   rm.ID,
		RoomName: rm.Name,
		Count:    len(entries),
		Patients: assigned,
	}
	occupancyEvt := websocket.OccupancyUpdated{
		RoomID:           rm.ID,
		RoomName:         rm.Name,
		CurrentOccupancy: rm.CurrentOccupancy,
		Capacity:         rm.Capacity,
		Status:           rm.Status,
		Color:            rm.Color,
	}
	s.publish(ctx, websocket.Hospital(rm.HospitalName), assignedEvt)
	s.publish(ctx, websocket.Room(roomKey), assignedEvt)
	s.publish(ctx, websocket.Hospital(rm.HospitalName), occupancyEvt)
	s.publish(ctx, websocket.Room(roomKey), occupancyEvt)

	return result, nil
}

// NotifySelected sends a staff message to each patient and returns how many
// were notified. Actors restricted to a hospital only reach patients queued
// there.
func (s *Service) NotifySelected(ctx context.Context, actor Actor, patientIDs []string, message, priority string) (int, error) {
	message, err := validMessage(message)
	if err != nil {
		return 0, err
	}
	pr, err := ParsePriority(priority)
	if err != nil {
		return 0, err
	}
	if len(patientIDs) == 0 {
		return 0, &ValidationError{Field: "patient_ids", Message: "must not be empty"}
	}
	if len(patientIDs) > maxBatchSize {
		return 0, &ValidationError{Field: "patient_ids", Message: fmt.Sprintf("must hold at most %d ids", maxBatchSize)}
	}

	from := actor.Hospital
	if from == "" {
		from = "hospital staff"
	}

	seen := make(map[string]struct{}, len(patientIDs))
	count := 0
	for _, pid := range patientIDs {
		pid = strings.TrimSpace(pid)
		if pid == "" {
			continue
		}
		if _, dup := seen[pid]; dup {
			continue
		}
		seen[pid] = struct{}{}

		if actor.Hospital != "" {
			e, err := s.repo.GetActiveByPatient(ctx, pid)
			if err != nil {
				return count, err
			}
			if e == nil || e.HospitalName != actor.Hospital {
				continue
			}
		}
		s.notify(ctx, pid, notification.TemplateStaffMessage, map[string]string{
			"hospital": from,
			"message":  message,
		}, pr, "")
		count++
	}
	return count, nil
}

// Announce broadcasts a message to everyone connected at a hospital.
func (s *Service) Announce(ctx context.Context, actor Actor, hospital, message, priority string) error {
	hospital, err := actor.hospitalFor(hospital)
	if err != nil {
		return err
	}
	message, err = validMessage(message)
	if err != nil {
		return err
	}
	pr, err := ParsePriority(priority)
	if err != nil {
		return err
	}
	s.publish(ctx, websocket.Hospital(hospital), websocket.Announcement{
		HospitalName: hospital,
		Message:      message,
		Priority:     string(pr),
		From:         actor.Name,
	})
	return nil
}

// -- internals --

// withPartition serializes fn against every other writer of p, in this process
// and in the store.
func (s *Service) withPartition(ctx context.Context, p Partition, fn func(ctx context.Context) error) error {
	unlock := s.locks.lock(p.String())
	defer unlock()
	return s.repo.InPartition(ctx, p, fn)
}

// depart applies a leaving transition and moves later entries up one place.
func (s *Service) depart(ctx context.Context, e *Entry, a Action) (*Entry, error) {
	var out *Entry
	err := s.withPartition(ctx, e.Partition(), func(ctx context.Context) error {
		updated, err := s.repo.Transition(ctx, e.ID, a, s.now())
		if err != nil {
			return err
		}
		if departs(a) {
			if _, err := s.repo.CloseGap(ctx, updated.Partition(), updated.Position); err != nil {
				return err
			}
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.decorate(out)
	return out, nil
}

// explain turns a failed conditional transition into the error the caller
// should see.
func (s *Service) explain(ctx context.Context, id uuid.UUID, a Action, err error) error {
	if errors.Is(err, ErrEntryNotFound) {
		return &NotFoundError{Resource: "queue entry", ID: id.String()}
	}
	if !errors.Is(err, ErrStatusConflict) {
		return err
	}
	cur, gerr := s.repo.GetByID(ctx, id)
	if errors.Is(gerr, ErrEntryNotFound) {
		return &NotFoundError{Resource: "queue entry", ID: id.String()}
	}
	if gerr != nil {
		return gerr
	}
	return &InvalidStateError{Action: a, Current: cur.Status}
}

func (s *Service) activeEntry(ctx context.Context, patientID string) (*Entry, error) {
	e, err := s.repo.GetActiveByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &NotInQueueError{PatientID: patientID}
	}
	s.decorate(e)
	return e, nil
}

// scopedEntry loads an entry the actor may act on. Entries at other hospitals
// look absent.
func (s *Service) scopedEntry(ctx context.Context, actor Actor, id uuid.UUID) (*Entry, error) {
	e, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrEntryNotFound) || (err == nil && !actor.sees(e)) {
		return nil, &NotFoundError{Resource: "queue entry", ID: id.String()}
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// decorate fills the derived estimated wait.
func (s *Service) decorate(e *Entry) {
	if e.Status.Active() && e.Position > 0 {
		e.EstimatedWaitTime = (e.Position - 1) * s.serviceMinutes
		return
	}
	e.EstimatedWaitTime = 0
}

func (s *Service) afterCall(ctx context.Context, e *Entry, actor Actor) {
	s.decorate(e)
	s.logger.Info().
		Str("entry_id", e.ID.String()).
		Str("queue_number", e.QueueNumber).
		Str("staff_id", actor.UserID).
		Msg("patient called")

	s.publish(ctx, websocket.Hospital(e.HospitalName), websocket.PatientCalled{
		EntryID:     e.ID,
		PatientName: e.PatientName,
		QueueNumber: e.QueueNumber,
		Specialty:   e.Specialty,
		CalledBy:    actor.Name,
	})
	s.notify(ctx, e.PatientID, notification.TemplateQueueCalled, map[string]string{
		"patient_name": e.PatientName,
		"queue_number": e.QueueNumber,
		"specialty":    e.Specialty,
		"hospital":     e.HospitalName,
	}, PriorityHigh, "queue_entry:"+e.ID.String())
}

// publish sends a realtime event. Failures are logged and dropped.
func (s *Service) publish(ctx context.Context, target websocket.Target, p websocket.Payload) {
	if s.events == nil {
		return
	}
	ev, err := websocket.NewEvent(p, s.now())
	if err != nil {
		s.logger.Warn().Err(err).Str("collaborator", "events").Msg("build event failed")
		return
	}
	if err := s.events.Publish(ctx, target, ev); err != nil {
		s.logger.Warn().Err(err).
			Str("collaborator", "events").
			Str("scope", string(target.Scope)).
			Str("key", target.Key).
			Str("type", string(ev.Type)).
			Msg("realtime publish failed")
	}
}

// notify renders a template, pushes it to the user's live connections and
// queues it for durable storage.
func (s *Service) notify(ctx context.Context, userID, templateID string, data map[string]string, pr Priority, related string) {
	n, err := s.templates.Render(templateID, userID, data)
	if err != nil {
		s.logger.Warn().Err(err).Str("collaborator", "templates").Msg("render notification failed")
		return
	}
	n.Priority = string(pr)
	n.RelatedEntity = related

	s.publish(ctx, websocket.User(userID), websocket.Notification{
		Title:         n.Title,
		Message:       n.Message,
		Type:          string(n.Type),
		Priority:      n.Priority,
		RelatedEntity: related,
	})
	if s.notifications != nil {
		s.bestEffort("notifications", func() error {
			s.notifications.Create(ctx, n)
			return nil
		})
	}
}

// bestEffort runs a side effect whose failure, or panic, must not affect the
// operation that triggered it.
func (s *Service) bestEffort(collaborator string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn().Interface("panic", r).Str("collaborator", collaborator).Msg("side effect panicked")
		}
	}()
	if err := fn(); err != nil {
		s.logger.Warn().Err(err).Str("collaborator", collaborator).Msg("side effect failed")
	}
}

func validMessage(message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", &ValidationError{Field: "message", Message: "is required"}
	}
	if len([]rune(message)) > maxMessageLen {
		return "", &ValidationError{Field: "message", Message: fmt.Sprintf("must be at most %d characters", maxMessageLen)}
	}
	return message, nil
}

func uniqueIDs(ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, &ValidationError{Field: "ids", Message: "must not be empty"}
	}
	if len(ids) > maxBatchSize {
		return nil, &ValidationError{Field: "ids", Message: fmt.Sprintf("must hold at most %d ids", maxBatchSize)}
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, &ValidationError{Field: "ids", Message: "must not be empty"}
	}
	return out, nil
}
