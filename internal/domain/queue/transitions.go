package queue

// Action is a staff or patient operation that changes an entry's status.
type Action string

const (
	ActionCall     Action = "call"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
	ActionNoShow   Action = "mark no-show"
)

type transition struct {
	to   Status
	from []Status
}

// transitions is the whole status machine. No action leads back to waiting and
// served, cancelled and no_show have no outgoing edges.
var transitions = map[Action]transition{
	ActionCall:     {to: StatusCalled, from: []Status{StatusWaiting}},
	ActionComplete: {to: StatusServed, from: []Status{StatusCalled}},
	ActionCancel:   {to: StatusCancelled, from: []Status{StatusWaiting, StatusCalled}},
	ActionNoShow:   {to: StatusNoShow, from: []Status{StatusWaiting, StatusCalled}},
}

// Target returns the status a reaches and the statuses it may start from.
func Target(a Action) (Status, []Status) {
	t := transitions[a]
	return t.to, t.from
}

// CanTransition reports whether a may be applied to an entry in status from.
func CanTransition(from Status, a Action) bool {
	t, ok := transitions[a]
	if !ok {
		return false
	}
	for _, s := range t.from {
		if s == from {
			return true
		}
	}
	return false
}

// departs reports whether a removes the entry from its partition's active set.
func departs(a Action) bool {
	to, _ := Target(a)
	return !to.Active()
}
