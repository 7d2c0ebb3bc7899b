package queue

import (
	"fmt"
)

// Kinded is implemented by every error the queue engine returns on purpose.
// Kind is a stable machine-readable code.
type Kinded interface {
	error
	Kind() string
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s %s", e.Field, e.Message) }
func (e *ValidationError) Kind() string  { return "validation_error" }

// AlreadyInQueueError carries the patient's existing active entry.
type AlreadyInQueueError struct {
	Entry *Entry
}

func (e *AlreadyInQueueError) Error() string {
	return fmt.Sprintf("patient already in queue %s with ticket %s", e.Entry.Partition(), e.Entry.QueueNumber)
}
func (e *AlreadyInQueueError) Kind() string { return "already_in_queue" }

type NotInQueueError struct {
	PatientID string
}

func (e *NotInQueueError) Error() string { return "patient is not in any queue" }
func (e *NotInQueueError) Kind() string  { return "not_in_queue" }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}
func (e *NotFoundError) Kind() string { return "not_found" }

// InvalidStateError reports an action attempted against an entry in the wrong
// status.
type InvalidStateError struct {
	Action  Action
	Current Status
}

func (e *InvalidStateError) Error() string {
	if e.Action == ActionComplete && e.Current == StatusWaiting {
		return "entry is waiting: it must be called first"
	}
	return fmt.Sprintf("cannot %s an entry with status %s", e.Action, e.Current)
}
func (e *InvalidStateError) Kind() string { return "invalid_state" }

type NoPatientWaitingError struct {
	Hospital  string
	Specialty string
}

func (e *NoPatientWaitingError) Error() string {
	if e.Specialty != "" {
		return fmt.Sprintf("no patient waiting for %s at %s", e.Specialty, e.Hospital)
	}
	return fmt.Sprintf("no patient waiting at %s", e.Hospital)
}
func (e *NoPatientWaitingError) Kind() string { return "no_patient_waiting" }
