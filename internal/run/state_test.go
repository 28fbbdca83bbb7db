package run

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from Phase
		ev   event
		want Phase
	}{
		{Idle, evStart, Starting},
		{Starting, evStarted, Running},
		{Running, evPause, Paused},
		{Paused, evResume, Running},
		{Running, evEnd, Ending},
		{Paused, evEnd, Ending},
		{Ending, evEnded, Completed},
		{Idle, evRecover, Paused},
		{Completed, evReset, Idle},
		{Failed, evReset, Idle},
	}

	for _, tt := range tests {
		got, err := transition(State{Phase: tt.from}, tt.ev)
		if err != nil {
			t.Fatalf("%s on %s: unexpected error %v", eventOps[tt.ev], tt.from, err)
		}
		if got.Phase != tt.want {
			t.Fatalf("%s on %s: expected %s, got %s", eventOps[tt.ev], tt.from, tt.want, got.Phase)
		}
	}
}

func TestTransitionRejects(t *testing.T) {
	tests := []struct {
		from Phase
		ev   event
	}{
		{Idle, evPause},
		{Idle, evResume},
		{Idle, evEnd},
		{Paused, evPause},
		{Running, evResume},
		{Completed, evEnd},
		{Failed, evPause},
		{Running, evReset},
		{Starting, evEnd},
	}

	for _, tt := range tests {
		from := State{Phase: tt.from}
		got, err := transition(from, tt.ev)
		if !errors.Is(err, ErrInvalidStateTransition) {
			t.Fatalf("%s on %s: expected invalid transition, got %v", eventOps[tt.ev], tt.from, err)
		}
		var te *TransitionError
		if !errors.As(err, &te) || te.From != tt.from {
			t.Fatalf("expected TransitionError from %s, got %v", tt.from, err)
		}
		if got != from {
			t.Fatalf("state changed on rejected transition: %v", got)
		}
	}
}

func TestStartAndRecoverRequireIdle(t *testing.T) {
	for _, phase := range []Phase{Starting, Running, Paused, Ending, Completed, Failed} {
		if _, err := transition(State{Phase: phase}, evStart); !errors.Is(err, ErrSessionAlreadyActive) {
			t.Fatalf("start from %s: expected ErrSessionAlreadyActive, got %v", phase, err)
		}
		if _, err := transition(State{Phase: phase}, evRecover); !errors.Is(err, ErrSessionAlreadyActive) {
			t.Fatalf("recover from %s: expected ErrSessionAlreadyActive, got %v", phase, err)
		}
	}
}

func TestFailCarriesMessage(t *testing.T) {
	s := fail(errors.New("disk full"))
	if s.Phase != Failed || s.Message != "disk full" {
		t.Fatalf("unexpected failed state %+v", s)
	}
	if s.String() != "error: disk full" {
		t.Fatalf("unexpected string %q", s.String())
	}
}
