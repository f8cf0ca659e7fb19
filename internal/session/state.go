package session

import "time"

// State is the lifecycle state of a capture session.
type State string

const (
	StateIdle      State = "idle"
	StateOpening   State = "opening"
	StateCapturing State = "capturing"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
)

// StateEvent is published on every state change. Reason is set on the
// transition into StateStopped when the capture ended abnormally.
type StateEvent struct {
	Session string
	Backend string
	State   State
	Reason  error
	Time    time.Time
}

// ReasonText renders Reason for display and serialization.
func (e StateEvent) ReasonText() string {
	if e.Reason == nil {
		return ""
	}
	return e.Reason.Error()
}
