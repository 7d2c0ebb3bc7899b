// Package websocket fans queue lifecycle events out to connected clients.
// Connections are grouped by user, by hospital and by ad hoc room; delivery is
// best-effort with no replay for clients that are offline or too slow.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/carequeue/carequeue/internal/platform/auth"
)

// EventPublisher delivers an event to an audience. The hub implements it for
// the local process and RedisBus implements it across instances.
type EventPublisher interface {
	Publish(ctx context.Context, target Target, event Event) error
}

// Client represents a single websocket connection.
type Client struct {
	ID       string
	Identity auth.Identity
	Send     chan []byte
	conn     Conn
	// rooms is guarded by the hub mutex.
	rooms map[string]struct{}
}

// NewClient builds a client for id with a send buffer of size buf.
func NewClient(clientID string, id auth.Identity, conn Conn, buf int) *Client {
	return &Client{
		ID:       clientID,
		Identity: id,
		Send:     make(chan []byte, buf),
		conn:     conn,
		rooms:    make(map[string]struct{}),
	}
}

type group map[string]map[*Client]struct{}

func (g group) add(key string, c *Client) {
	if g[key] == nil {
		g[key] = make(map[*Client]struct{})
	}
	g[key][c] = struct{}{}
}

func (g group) remove(key string, c *Client) {
	if members, ok := g[key]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(g, key)
		}
	}
}

// Hub is the connection registry. All operations are safe for concurrent use.
type Hub struct {
	mu        sync.RWMutex
	users     group
	hospitals group
	rooms     group
	all       map[*Client]struct{}
	logger    zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		users:     make(group),
		hospitals: make(group),
		rooms:     make(group),
		all:       make(map[*Client]struct{}),
		logger:    logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Connect registers an authenticated client under its user id and, when the
// identity carries one, its hospital group.
func (h *Hub) Connect(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	h.users.add(client.Identity.UserID, client)
	if client.Identity.HospitalName != "" {
		h.hospitals.add(client.Identity.HospitalName, client)
	}
}

// Disconnect removes the client from every group and closes its Send channel.
// Calling it more than once is a no-op.
func (h *Hub) Disconnect(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	h.users.remove(client.Identity.UserID, client)
	if client.Identity.HospitalName != "" {
		h.hospitals.remove(client.Identity.HospitalName, client)
	}
	for room := range client.rooms {
		h.rooms.remove(room, client)
	}
	client.rooms = nil

	delete(h.all, client)
	close(client.Send)
}

// JoinRoom adds a connected client to a room group.
func (h *Hub) JoinRoom(client *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok || room == "" {
		return false
	}
	h.rooms.add(room, client)
	client.rooms[room] = struct{}{}
	return true
}

func (h *Hub) LeaveRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.rooms == nil {
		return
	}
	h.rooms.remove(room, client)
	delete(client.rooms, room)
}

const maxRoomKeyLen = 64

// ProcessMessage handles an inbound ClientMessage. Unknown actions are ignored.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	if len(msg.Room) > maxRoomKeyLen {
		return
	}
	switch msg.Action {
	case "join_room":
		h.JoinRoom(client, msg.Room)
	case "leave_room":
		h.LeaveRoom(client, msg.Room)
	}
}

// BroadcastToHospital delivers event to every connection in the hospital group
// and returns how many clients accepted it.
func (h *Hub) BroadcastToHospital(hospital string, event Event) int {
	return h.deliver(h.hospitals, hospital, event)
}

// SendToUser delivers event to every connection of userID. Offline users are
// silently skipped.
func (h *Hub) SendToUser(userID string, event Event) int {
	return h.deliver(h.users, userID, event)
}

func (h *Hub) BroadcastToRoom(room string, event Event) int {
	return h.deliver(h.rooms, room, event)
}

func (h *Hub) deliver(g group, key string, event Event) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(event.Type)).Msg("failed to marshal event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range g[key] {
		select {
		case client.Send <- data:
			delivered++
		default:
			h.logger.Debug().Str("client_id", client.ID).Msg("send buffer full, dropping event")
		}
	}
	return delivered
}

// Publish implements EventPublisher for the local process.
func (h *Hub) Publish(_ context.Context, target Target, event Event) error {
	switch target.Scope {
	case ScopeHospital:
		h.BroadcastToHospital(target.Key, event)
	case ScopeUser:
		h.SendToUser(target.Key, event)
	case ScopeRoom:
		h.BroadcastToRoom(target.Key, event)
	}
	return nil
}

// Stats is a snapshot of the registry sizes.
type Stats struct {
	Clients   int `json:"clients"`
	Users     int `json:"users"`
	Hospitals int `json:"hospitals"`
	Rooms     int `json:"rooms"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Clients:   len(h.all),
		Users:     len(h.users),
		Hospitals: len(h.hospitals),
		Rooms:     len(h.rooms),
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// HospitalCount returns the number of clients in a hospital group.
func (h *Hub) HospitalCount(hospital string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.hospitals[hospital])
}

func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
