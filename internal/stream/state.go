package stream

import (
	"errors"
	"fmt"
)

// State is the lifecycle of one logical stream connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
	StateClosed
)

var stateNames = [...]string{
	StateDisconnected: "DISCONNECTED",
	StateConnecting:   "CONNECTING",
	StateConnected:    "CONNECTED",
	StateDegraded:     "DEGRADED",
	StateReconnecting: "RECONNECTING",
	StateClosed:       "CLOSED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	// ErrConnectionLost accompanies the DEGRADED transition. It is transient:
	// the manager reconnects on its own.
	ErrConnectionLost = errors.New("stream connection lost")
	// ErrClosed is returned by operations on a stopped manager.
	ErrClosed = errors.New("stream manager closed")
)

// StateChange is delivered to listeners on every transition.
type StateChange struct {
	Stream string
	From   State
	To     State
	Err    error
}

// StateListener observes transitions. It runs on the connection goroutine
// and must return quickly.
type StateListener func(StateChange)
