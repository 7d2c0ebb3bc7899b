// Package queue implements the hospital queue lifecycle: joining a specialty
// queue, position assignment and compaction, staff call/complete/no-show, room
// assignment and the realtime events each step emits.
package queue

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusCalled    Status = "called"
	StatusServed    Status = "served"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

// Active reports whether the status holds a position in its partition.
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusCalled
}

// Priority is stored and displayed but does not affect call order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority validates p, defaulting the empty string to medium.
func ParsePriority(p string) (Priority, error) {
	switch Priority(p) {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return Priority(p), nil
	}
	return "", &ValidationError{Field: "priority", Message: fmt.Sprintf("must be one of low, medium, high, urgent; got %q", p)}
}

// Entry is one patient's participation in a specialty queue.
type Entry struct {
	ID                uuid.UUID  `json:"id"`
	PatientID         string     `json:"patient_id"`
	PatientName       string     `json:"patient_name"`
	HospitalName      string     `json:"hospital_name"`
	Specialty         string     `json:"specialty"`
	QueueNumber       string     `json:"queue_number"`
	Position          int        `json:"position"`
	Status            Status     `json:"status"`
	EstimatedWaitTime int        `json:"estimated_wait_time"`
	Priority          Priority   `json:"priority"`
	AssignedRoom      *uuid.UUID `json:"assigned_room,omitempty"`
	JoinedAt          time.Time  `json:"joined_at"`
	CalledAt          *time.Time `json:"called_at,omitempty"`
	ServedAt          *time.Time `json:"served_at,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	Version           int        `json:"version"`
}

// Partition identifies one specialty queue at one hospital. Positions are
// scoped to a partition.
type Partition struct {
	Hospital  string
	Specialty string
}

func (p Partition) String() string {
	return p.Hospital + "/" + p.Specialty
}

func (e *Entry) Partition() Partition {
	return Partition{Hospital: e.HospitalName, Specialty: e.Specialty}
}

// QueueNumber formats the ticket handed out at join time, e.g. "C-007".
func QueueNumber(specialty string, position int) string {
	r, _ := utf8.DecodeRuneInString(strings.TrimSpace(specialty))
	if r == utf8.RuneError {
		r = 'Q'
	}
	return fmt.Sprintf("%c-%03d", unicode.ToUpper(r), position)
}

// Stats is the live view of a patient's place in line.
type Stats struct {
	TotalWaiting      int `json:"total_waiting"`
	AheadCount        int `json:"ahead_count"`
	EstimatedWaitTime int `json:"estimated_wait_time"`
}

type StatusView struct {
	Entry *Entry `json:"entry"`
	Stats Stats  `json:"queue_stats"`
}

// PublicEntry is what a patient may see about other patients in the queue they
// joined.
type PublicEntry struct {
	QueueNumber       string `json:"queue_number"`
	Specialty         string `json:"specialty"`
	Position          int    `json:"position"`
	Status            Status `json:"status"`
	EstimatedWaitTime int    `json:"estimated_wait_time"`
	Mine              bool   `json:"mine"`
}

type AssignResult struct {
	ModifiedCount int    `json:"modified_count"`
	RoomName      string `json:"room_name"`
	NewOccupancy  int    `json:"new_occupancy"`
}

const (
	maxNotesLen   = 500
	maxNameLen    = 120
	maxMessageLen = 1000
	maxBatchSize  = 100
)

// JoinRequest carries the inputs of Join.
type JoinRequest struct {
	PatientID    string
	PatientName  string
	HospitalName string
	Specialty    string
	Notes        string
	Priority     string
}

func (r *JoinRequest) normalize() (Priority, error) {
	r.HospitalName = strings.TrimSpace(r.HospitalName)
	r.Specialty = strings.TrimSpace(r.Specialty)
	r.Notes = strings.TrimSpace(r.Notes)

	if r.PatientID == "" {
		return "", &ValidationError{Field: "patient_id", Message: "is required"}
	}
	if r.HospitalName == "" {
		return "", &ValidationError{Field: "hospital_name", Message: "is required"}
	}
	if utf8.RuneCountInString(r.HospitalName) > maxNameLen {
		return "", &ValidationError{Field: "hospital_name", Message: "is too long"}
	}
	if r.Specialty == "" {
		return "", &ValidationError{Field: "specialty", Message: "is required"}
	}
	if utf8.RuneCountInString(r.Specialty) > maxNameLen {
		return "", &ValidationError{Field: "specialty", Message: "is too long"}
	}
	if utf8.RuneCountInString(r.Notes) > maxNotesLen {
		return "", &ValidationError{Field: "notes", Message: fmt.Sprintf("must be at most %d characters", maxNotesLen)}
	}
	return ParsePriority(r.Priority)
}
