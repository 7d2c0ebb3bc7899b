package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel is the logical stream a frame belongs to on the client side.
type Channel string

const (
	ChannelQueueUpdate       Channel = "queue-update"
	ChannelWaitingRoomUpdate Channel = "waiting-room-update"
	ChannelAnnouncement      Channel = "announcement"
	ChannelNotification      Channel = "notification"
)

// EventType names the payload carried in a frame.
type EventType string

const (
	EventPatientJoined    EventType = "patient_joined"
	EventPatientCalled    EventType = "patient_called"
	EventOccupancyUpdated EventType = "occupancy_updated"
	EventPatientsAssigned EventType = "patients_assigned"
	EventAnnouncement     EventType = "announcement"
	EventNotification     EventType = "notification"
)

// Payload is implemented by every event body the hub can carry. The set is
// closed: only types in this package implement it.
type Payload interface {
	eventType() EventType
	channel() Channel
}

// PatientJoined is broadcast to the hospital group when a patient joins a queue.
type PatientJoined struct {
	EntryID           uuid.UUID `json:"entry_id"`
	PatientName       string    `json:"patient_name"`
	QueueNumber       string    `json:"queue_number"`
	Specialty         string    `json:"specialty"`
	Position          int       `json:"position"`
	EstimatedWaitTime int       `json:"estimated_wait_time"`
}

// PatientCalled is broadcast to the hospital group when staff call an entry.
type PatientCalled struct {
	EntryID     uuid.UUID `json:"entry_id"`
	PatientName string    `json:"patient_name"`
	QueueNumber string    `json:"queue_number"`
	Specialty   string    `json:"specialty"`
	CalledBy    string    `json:"called_by,omitempty"`
}

type OccupancyUpdated struct {
	RoomID           uuid.UUID `json:"room_id"`
	RoomName         string    `json:"room_name"`
	CurrentOccupancy int       `json:"current_occupancy"`
	Capacity         int       `json:"capacity"`
	Status           string    `json:"status"`
	Color            string    `json:"color"`
}

// AssignedPatient is one row of a PatientsAssigned payload.
type AssignedPatient struct {
	EntryID     uuid.UUID `json:"entry_id"`
	PatientName string    `json:"patient_name"`
	QueueNumber string    `json:"queue_number"`
}

type PatientsAssigned struct {
	RoomID   uuid.UUID         `json:"room_id"`
	RoomName string            `json:"room_name"`
	Count    int               `json:"count"`
	Patients []AssignedPatient `json:"patients"`
}

type Announcement struct {
	HospitalName string `json:"hospital_name"`
	Message      string `json:"message"`
	Priority     string `json:"priority"`
	From         string `json:"from,omitempty"`
}

// Notification is a direct message to one user.
type Notification struct {
	Title         string `json:"title"`
	Message       string `json:"message"`
	Type          string `json:"type"`
	Priority      string `json:"priority"`
	RelatedEntity string `json:"related_entity,omitempty"`
}

func (PatientJoined) eventType() EventType    { return EventPatientJoined }
func (PatientJoined) channel() Channel        { return ChannelQueueUpdate }
func (PatientCalled) eventType() EventType    { return EventPatientCalled }
func (PatientCalled) channel() Channel        { return ChannelQueueUpdate }
func (OccupancyUpdated) eventType() EventType { return EventOccupancyUpdated }
func (OccupancyUpdated) channel() Channel     { return ChannelWaitingRoomUpdate }
func (PatientsAssigned) eventType() EventType { return EventPatientsAssigned }
func (PatientsAssigned) channel() Channel     { return ChannelWaitingRoomUpdate }
func (Announcement) eventType() EventType     { return EventAnnouncement }
func (Announcement) channel() Channel         { return ChannelAnnouncement }
func (Notification) eventType() EventType     { return EventNotification }
func (Notification) channel() Channel         { return ChannelNotification }

// Event is the wire frame written to clients.
type Event struct {
	Channel   Channel         `json:"channel"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent wraps p in a frame stamped with now.
func NewEvent(p Payload, now time.Time) (Event, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", p.eventType(), err)
	}
	return Event{
		Channel:   p.channel(),
		Type:      p.eventType(),
		Timestamp: now.UTC(),
		Data:      data,
	}, nil
}

// DecodePayload returns the typed payload carried by e.
func DecodePayload(e Event) (Payload, error) {
	var p Payload
	switch e.Type {
	case EventPatientJoined:
		p = &PatientJoined{}
	case EventPatientCalled:
		p = &PatientCalled{}
	case EventOccupancyUpdated:
		p = &OccupancyUpdated{}
	case EventPatientsAssigned:
		p = &PatientsAssigned{}
	case EventAnnouncement:
		p = &Announcement{}
	case EventNotification:
		p = &Notification{}
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if err := json.Unmarshal(e.Data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

// Scope selects the audience of a published event.
type Scope string

const (
	ScopeHospital Scope = "hospital"
	ScopeUser     Scope = "user"
	ScopeRoom     Scope = "room"
)

// Target is an audience: every connection in a hospital group, every
// connection of a user, or every connection that joined a room.
type Target struct {
	Scope Scope  `json:"scope"`
	Key   string `json:"key"`
}

func Hospital(name string) Target { return Target{Scope: ScopeHospital, Key: name} }
func User(id string) Target       { return Target{Scope: ScopeUser, Key: id} }
func Room(id string) Target       { return Target{Scope: ScopeRoom, Key: id} }

// Envelope is what travels on the cross-instance bus.
type Envelope struct {
	Origin string `json:"origin"`
	Target Target `json:"target"`
	Event  Event  `json:"event"`
}

// ClientMessage represents an inbound message from a websocket client.
type ClientMessage struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}
