package queue

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		a    Action
		want bool
	}{
		{StatusWaiting, ActionCall, true},
		{StatusCalled, ActionCall, false},
		{StatusWaiting, ActionComplete, false},
		{StatusCalled, ActionComplete, true},
		{StatusWaiting, ActionCancel, true},
		{StatusCalled, ActionCancel, true},
		{StatusWaiting, ActionNoShow, true},
		{StatusCalled, ActionNoShow, true},
		{StatusServed, ActionCancel, false},
		{StatusCancelled, ActionCall, false},
		{StatusNoShow, ActionComplete, false},
		{StatusWaiting, Action("reopen"), false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.a); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.a, got, tt.want)
		}
	}
}

func TestNoActionReturnsToWaiting(t *testing.T) {
	for a := range transitions {
		if to, _ := Target(a); to == StatusWaiting {
			t.Errorf("action %s leads back to waiting", a)
		}
	}
}

func TestDeparts(t *testing.T) {
	if departs(ActionCall) {
		t.Error("call keeps the entry active")
	}
	for _, a := range []Action{ActionComplete, ActionCancel, ActionNoShow} {
		if !departs(a) {
			t.Errorf("%s should leave the active set", a)
		}
	}
}

func TestQueueNumber(t *testing.T) {
	tests := []struct {
		specialty string
		pos       int
		want      string
	}{
		{"Cardiology", 1, "C-001"},
		{"dermatology", 42, "D-042"},
		{"", 3, "Q-003"},
		{"  ent", 1000, "E-1000"},
	}
	for _, tt := range tests {
		if got := QueueNumber(tt.specialty, tt.pos); got != tt.want {
			t.Errorf("QueueNumber(%q, %d) = %q, want %q", tt.specialty, tt.pos, got, tt.want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	if p, err := ParsePriority(""); err != nil || p != PriorityMedium {
		t.Errorf("empty priority: got %q, %v", p, err)
	}
	if p, err := ParsePriority("urgent"); err != nil || p != PriorityUrgent {
		t.Errorf("urgent: got %q, %v", p, err)
	}
	if _, err := ParsePriority("URGENT"); err == nil {
		t.Error("expected error for unknown priority")
	}
}
