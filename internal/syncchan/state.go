package syncchan

import "fmt"

type StateKind int

const (
	Disconnected StateKind = iota
	Connecting
	Connected
	Errored
)

func (k StateKind) String() string {
	switch k {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Errored:
		return "error"
	default:
		return "disconnected"
	}
}

// State is the channel's connection state. Message is set for Errored;
// Terminal marks an Errored state after the retry budget was spent.
type State struct {
	Kind     StateKind
	Message  string
	Terminal bool
}

func (s State) String() string {
	if s.Kind != Errored {
		return s.Kind.String()
	}
	if s.Terminal {
		return fmt.Sprintf("error(terminal): %s", s.Message)
	}
	return fmt.Sprintf("error: %s", s.Message)
}
