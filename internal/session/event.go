package session

// EventType classifies session lifecycle events.
type EventType int

const (
	EventNew      EventType = iota // login
	EventUpdate                    // signal, visibility or idle transition
	EventTerminal                  // logged out or disconnected
	EventRemoved                   // pruned from the store
)

func (t EventType) String() string {
	switch t {
	case EventNew:
		return "new"
	case EventUpdate:
		return "update"
	case EventTerminal:
		return "terminal"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// Event carries a session state snapshot to observers.
type Event struct {
	Type        EventType
	State       *SessionState // snapshot (safe to retain)
	ActiveCount int           // non-terminal sessions at event time
}
