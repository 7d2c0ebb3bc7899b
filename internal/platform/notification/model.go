// Package notification stores durable per-user notifications. Writes from the
// queue engine go through an asynchronous Dispatcher so a slow or failing store
// never blocks a queue operation.
package notification

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies a notification for client rendering.
type Type string

const (
	TypeQueueCalled  Type = "queue_called"
	TypeRoomAssigned Type = "room_assigned"
	TypeStaffMessage Type = "staff_message"
)

// Notification is one stored message addressed to a user.
type Notification struct {
	ID            uuid.UUID  `json:"id"`
	UserID        string     `json:"user_id"`
	Title         string     `json:"title"`
	Message       string     `json:"message"`
	Type          Type       `json:"type"`
	Priority      string     `json:"priority"`
	RelatedEntity string     `json:"related_entity,omitempty"`
	Read          bool       `json:"read"`
	CreatedAt     time.Time  `json:"created_at"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
}
