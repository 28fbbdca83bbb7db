package run

import "fmt"

type Phase int

const (
	Idle Phase = iota
	Starting
	Running
	Paused
	Ending
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Ending:
		return "ending"
	case Completed:
		return "completed"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the manager's lifecycle state. Message explains a Failed state.
type State struct {
	Phase   Phase
	Message string
}

func (s State) String() string {
	if s.Phase == Failed {
		return "error: " + s.Message
	}
	return s.Phase.String()
}

type event int

const (
	evStart event = iota
	evStarted
	evPause
	evResume
	evEnd
	evEnded
	evRecover
	evReset
)

var eventOps = map[event]string{
	evStart:   "start",
	evStarted: "start",
	evPause:   "pause",
	evResume:  "resume",
	evEnd:     "end",
	evEnded:   "end",
	evRecover: "recover",
	evReset:   "reset",
}

// transition returns the state reached by ev from s, or a TransitionError.
// Failure is not an event here: any state may move to Failed via fail.
func transition(s State, ev event) (State, error) {
	reject := func() (State, error) {
		if ev == evStart && s.Phase != Idle {
			return s, ErrSessionAlreadyActive
		}
		if ev == evRecover && s.Phase != Idle {
			return s, ErrSessionAlreadyActive
		}
		return s, &TransitionError{Op: eventOps[ev], From: s.Phase}
	}

	switch ev {
	case evStart:
		if s.Phase == Idle {
			return State{Phase: Starting}, nil
		}
	case evStarted:
		if s.Phase == Starting {
			return State{Phase: Running}, nil
		}
	case evPause:
		if s.Phase == Running {
			return State{Phase: Paused}, nil
		}
	case evResume:
		if s.Phase == Paused {
			return State{Phase: Running}, nil
		}
	case evEnd:
		if s.Phase == Running || s.Phase == Paused {
			return State{Phase: Ending}, nil
		}
	case evEnded:
		if s.Phase == Ending {
			return State{Phase: Completed}, nil
		}
	case evRecover:
		if s.Phase == Idle {
			return State{Phase: Paused}, nil
		}
	case evReset:
		if s.Phase == Completed || s.Phase == Failed || s.Phase == Idle {
			return State{Phase: Idle}, nil
		}
	}
	return reject()
}

func fail(err error) State {
	return State{Phase: Failed, Message: err.Error()}
}
