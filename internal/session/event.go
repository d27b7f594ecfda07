package session

// EventType classifies registry writes.
type EventType int

const (
	EventAdded  EventType = iota // session registered
	EventUpdate                  // record rewritten without a status change
	EventStatus                  // status transition
)

// Event carries a session snapshot to observers.
type Event struct {
	Type     EventType
	Session  *Session // snapshot (safe to retain)
	Previous Status   // status before the write; equals Session.Status for EventAdded
}
