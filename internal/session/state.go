package session

import "fmt"

// State of the collaboration connection
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is what the UI shows about the connection.
type Status struct {
	State       State
	Attempt     int
	MaxAttempts int
	// Err is the last error; cleared on connect.
	Err error
}

// Message renders the status for display.
func (s Status) Message() string {
	switch s.State {
	case Connecting:
		return "Connecting..."
	case Connected:
		return "Connected"
	case Reconnecting:
		return fmt.Sprintf("Reconnecting (%d/%d)", s.Attempt, s.MaxAttempts)
	case Failed:
		return fmt.Sprintf("Connection lost after %d attempts. Retry to reconnect.", s.MaxAttempts)
	}
	return "Disconnected"
}

// Editable reports whether local edits are accepted.
func (s Status) Editable() bool {
	return s.State == Connected
}
