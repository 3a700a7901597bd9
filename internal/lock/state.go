package lock

import (
	"fmt"
	"time"
)

// State is the client's belief about a configuration's lifecycle phase.
type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateVerifying State = "verifying"
)

// Transient reports whether an operation is in flight for the state.
// Entries in a transient state are owned by the lifecycle controller.
func (s State) Transient() bool {
	switch s {
	case StateStarting, StateStopping, StateVerifying:
		return true
	default:
		return false
	}
}

func (s State) Valid() bool {
	switch s {
	case StateStopped, StateStarting, StateRunning, StateStopping, StateVerifying:
		return true
	default:
		return false
	}
}

func (s State) String() string { return string(s) }

// ParseState converts a persisted state name back into a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown lock state %q", v)
	}
	return s, nil
}

// Entry is a single lock held for a configuration id.
type Entry struct {
	ConfigID   string    `json:"config_id"`
	State      State     `json:"state"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
	Persistent bool      `json:"persistent"`
}

// Well-known reasons recorded on entries.
const (
	ReasonStartRequested     = "start_requested"
	ReasonStartAcknowledged  = "start_acknowledged"
	ReasonStopRequested      = "stop_requested"
	ReasonStopAccepted       = "stop_accepted"
	ReasonStopVerified       = "stop_verified"
	ReasonStopFailed         = "stop_failed"
	ReasonStartFailed        = "start_failed"
	ReasonVerificationFailed = "verification failed"
	ReasonAutoDiscovered     = "auto_discovered"
	ReasonDeleted            = "configuration_deleted"
	ReasonForced             = "force_unlock"
	ReasonRestored           = "restored"
)
