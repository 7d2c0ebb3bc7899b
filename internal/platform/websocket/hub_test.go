package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carequeue/carequeue/internal/platform/auth"
)

func newTestHub() *Hub {
	return NewHub(zerolog.Nop())
}

func newTestClient(id, userID, hospital string) *Client {
	return NewClient(id, auth.Identity{UserID: userID, Role: auth.RoleStaff, HospitalName: hospital}, nil, 16)
}

func mustEvent(t *testing.T, p Payload) Event {
	t.Helper()
	ev, err := NewEvent(p, time.Now())
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return ev
}

func expectFrame(t *testing.T, c *Client, want EventType) Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var received Event
		if err := json.Unmarshal(msg, &received); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		if received.Type != want {
			t.Fatalf("expected event type %s, got %s", want, received.Type)
		}
		return received
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive %s", c.ID, want)
	}
	return Event{}
}

func expectNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Send:
		t.Fatalf("client %s should not have received an event", c.ID)
	default:
	}
}

func TestHub_ConnectRegistersUserAndHospital(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("c-1", "staff-1", "City General")

	hub.Connect(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.HospitalCount("City General") != 1 {
		t.Fatalf("expected 1 client in hospital group, got %d", hub.HospitalCount("City General"))
	}
	stats := hub.Stats()
	if stats.Users != 1 || stats.Hospitals != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestHub_ConnectWithoutHospital(t *testing.T) {
	hub := newTestHub()
	client := NewClient("c-1", auth.Identity{UserID: "patient-1", Role: auth.RolePatient}, nil, 16)

	hub.Connect(client)

	if hub.Stats().Hospitals != 0 {
		t.Fatalf("patient without hospital should not join a hospital group")
	}
}

func TestHub_DisconnectIsIdempotent(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("c-1", "staff-1", "City General")
	hub.Connect(client)
	hub.JoinRoom(client, "room-1")

	hub.Disconnect(client)
	hub.Disconnect(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.HospitalCount("City General") != 0 || hub.RoomCount("room-1") != 0 {
		t.Fatal("expected client removed from all groups")
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}
}

func TestHub_BroadcastToHospital(t *testing.T) {
	hub := newTestHub()
	member := newTestClient("c-1", "staff-1", "City General")
	other := newTestClient("c-2", "staff-2", "Bera Clinic")
	hub.Connect(member)
	hub.Connect(other)

	n := hub.BroadcastToHospital("City General", mustEvent(t, Announcement{HospitalName: "City General", Message: "hello"}))
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	ev := expectFrame(t, member, EventAnnouncement)
	if ev.Channel != ChannelAnnouncement {
		t.Errorf("expected channel %s, got %s", ChannelAnnouncement, ev.Channel)
	}
	expectNoFrame(t, other)
}

func TestHub_SendToUserAllConnections(t *testing.T) {
	hub := newTestHub()
	phone := newTestClient("c-1", "patient-1", "")
	laptop := newTestClient("c-2", "patient-1", "")
	hub.Connect(phone)
	hub.Connect(laptop)

	n := hub.SendToUser("patient-1", mustEvent(t, Notification{Title: "Your turn", Message: "go to room 3"}))
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	expectFrame(t, phone, EventNotification)
	expectFrame(t, laptop, EventNotification)
}

func TestHub_SendToOfflineUser(t *testing.T) {
	hub := newTestHub()
	if n := hub.SendToUser("nobody", mustEvent(t, Notification{Title: "x"})); n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}

func TestHub_Rooms(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("c-1", "staff-1", "City General")
	hub.Connect(client)

	hub.ProcessMessage(client, ClientMessage{Action: "join_room", Room: "room-1"})
	if hub.RoomCount("room-1") != 1 {
		t.Fatalf("expected 1 member in room-1, got %d", hub.RoomCount("room-1"))
	}

	hub.BroadcastToRoom("room-1", mustEvent(t, OccupancyUpdated{RoomID: uuid.New(), CurrentOccupancy: 3}))
	expectFrame(t, client, EventOccupancyUpdated)

	hub.ProcessMessage(client, ClientMessage{Action: "leave_room", Room: "room-1"})
	if hub.RoomCount("room-1") != 0 {
		t.Fatalf("expected empty room-1, got %d", hub.RoomCount("room-1"))
	}
}

func TestHub_JoinRoomRequiresConnectedClient(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("c-1", "staff-1", "City General")
	if hub.JoinRoom(client, "room-1") {
		t.Fatal("unregistered client should not join a room")
	}
}

func TestHub_IgnoresOversizedRoomKey(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("c-1", "staff-1", "City General")
	hub.Connect(client)

	long := make([]byte, maxRoomKeyLen+1)
	for i := range long {
		long[i] = 'a'
	}
	hub.ProcessMessage(client, ClientMessage{Action: "join_room", Room: string(long)})
	if hub.Stats().Rooms != 0 {
		t.Fatal("expected oversized room key to be ignored")
	}
}

func TestHub_SlowClientSkipped(t *testing.T) {
	hub := newTestHub()
	slow := NewClient("slow", auth.Identity{UserID: "u-1", HospitalName: "H"}, nil, 1)
	fast := NewClient("fast", auth.Identity{UserID: "u-2", HospitalName: "H"}, nil, 4)
	hub.Connect(slow)
	hub.Connect(fast)

	ev := mustEvent(t, Announcement{Message: "one"})
	hub.BroadcastToHospital("H", ev)
	n := hub.BroadcastToHospital("H", ev)

	if n != 1 {
		t.Fatalf("expected only the fast client to accept the second event, got %d", n)
	}
}

func TestHub_PublishRoutesByScope(t *testing.T) {
	hub := newTestHub()
	staff := newTestClient("c-1", "staff-1", "City General")
	hub.Connect(staff)
	hub.JoinRoom(staff, "room-9")

	ctx := context.Background()
	ev := mustEvent(t, PatientCalled{QueueNumber: "C-001"})

	_ = hub.Publish(ctx, Hospital("City General"), ev)
	expectFrame(t, staff, EventPatientCalled)
	_ = hub.Publish(ctx, User("staff-1"), ev)
	expectFrame(t, staff, EventPatientCalled)
	_ = hub.Publish(ctx, Room("room-9"), ev)
	expectFrame(t, staff, EventPatientCalled)
	_ = hub.Publish(ctx, Hospital("elsewhere"), ev)
	expectNoFrame(t, staff)
}

func TestHub_ConcurrentConnectDisconnect(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestClient(uuid.NewString(), uuid.NewString(), "City General")
			hub.Connect(c)
			hub.JoinRoom(c, "room-1")
			hub.BroadcastToHospital("City General", Event{Type: EventAnnouncement})
			hub.Disconnect(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if s := hub.Stats(); s.Users != 0 || s.Hospitals != 0 || s.Rooms != 0 {
		t.Fatalf("expected empty registry, got %+v", s)
	}
}
