package job

// Agent phone-home event types, carried as CloudEvents type attributes.
// Ordering on the wire is not trusted; the state machine guards enforce
// logical ordering.
const (
	EventStarted   = "mimiry.job.started"
	EventHeartbeat = "mimiry.job.heartbeat"
	EventCompleted = "mimiry.job.completed"
	EventFailed    = "mimiry.job.failed"
)

// KnownEvent reports whether the type is part of the agent protocol.
func KnownEvent(eventType string) bool {
	switch eventType {
	case EventStarted, EventHeartbeat, EventCompleted, EventFailed:
		return true
	}
	return false
}
