package run

import (
	"encoding/json"
	"fmt"
	"time"

	"backend-runsync/internal/location"
)

const (
	MaxDistanceMeters = 500_000.0
	MinAveragePace    = 3.0
	MaxAveragePace    = 30.0
	MaxDuration       = 24 * time.Hour
	MaxSessionIDLen   = 100
)

// Kind tags the run type variant.
type Kind int

const (
	KindSolo Kind = iota
	KindSynchronized
	KindReplay
)

func (k Kind) String() string {
	switch k {
	case KindSynchronized:
		return "synchronized"
	case KindReplay:
		return "replay"
	default:
		return "solo"
	}
}

// Type is a closed sum: Solo, Synchronized(sessionID) or Replay(originalSessionID).
// Build values with Solo, Synchronized and Replay.
type Type struct {
	kind              Kind
	sessionID         string
	originalSessionID string
}

func Solo() Type { return Type{kind: KindSolo} }

func Synchronized(sessionID string) Type {
	return Type{kind: KindSynchronized, sessionID: sessionID}
}

func Replay(originalSessionID string) Type {
	return Type{kind: KindReplay, originalSessionID: originalSessionID}
}

func (t Type) Kind() Kind { return t.kind }

// SyncSessionID is the shared session id of a Synchronized run.
func (t Type) SyncSessionID() (string, bool) {
	return t.sessionID, t.kind == KindSynchronized
}

// OriginalSessionID is the replayed session id of a Replay run.
func (t Type) OriginalSessionID() (string, bool) {
	return t.originalSessionID, t.kind == KindReplay
}

// Validate checks the variant's payload.
func (t Type) Validate() error {
	switch t.kind {
	case KindSolo:
		return nil
	case KindSynchronized:
		return validateSessionRef("session id", t.sessionID)
	case KindReplay:
		return validateSessionRef("original session id", t.originalSessionID)
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidRunType, t.kind)
	}
}

func validateSessionRef(field, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s required", ErrInvalidRunType, field)
	}
	if len(id) > MaxSessionIDLen {
		return fmt.Errorf("%w: %s longer than %d characters", ErrInvalidRunType, field, MaxSessionIDLen)
	}
	return nil
}

type typeJSON struct {
	Kind              string `json:"kind"`
	SessionID         string `json:"session_id,omitempty"`
	OriginalSessionID string `json:"original_session_id,omitempty"`
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(typeJSON{
		Kind:              t.kind.String(),
		SessionID:         t.sessionID,
		OriginalSessionID: t.originalSessionID,
	})
}

func (t *Type) UnmarshalJSON(data []byte) error {
	var raw typeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case "solo", "":
		*t = Solo()
	case "synchronized":
		*t = Synchronized(raw.SessionID)
	case "replay":
		*t = Replay(raw.OriginalSessionID)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRunType, raw.Kind)
	}
	return nil
}

// PaceSample is a pace reading appended to a run.
type PaceSample struct {
	Timestamp    time.Time       `json:"timestamp"`
	Location     location.Sample `json:"location"`
	PaceMinPerKm float64         `json:"pace_min_per_km"`
	HeartRate    *int            `json:"heart_rate,omitempty"`
}

// Session is one run. EndTime is set exactly when the run is completed.
type Session struct {
	ID                  string            `json:"id"`
	OwnerID             string            `json:"owner_id"`
	StartTime           time.Time         `json:"start_time"`
	EndTime             *time.Time        `json:"end_time,omitempty"`
	DistanceMeters      float64           `json:"distance_meters"`
	AveragePaceMinPerKm float64           `json:"average_pace_min_per_km"`
	Route               []location.Sample `json:"route"`
	PaceSamples         []PaceSample      `json:"pace_samples"`
	Type                Type              `json:"type"`
	ParticipantIDs      []string          `json:"participant_ids,omitempty"`
}

func (s Session) Completed() bool {
	return s.EndTime != nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s Session) Clone() Session {
	out := s
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	out.Route = append([]location.Sample(nil), s.Route...)
	out.PaceSamples = append([]PaceSample(nil), s.PaceSamples...)
	out.ParticipantIDs = append([]string(nil), s.ParticipantIDs...)
	return out
}

// Validate checks the session invariants.
func (s Session) Validate() error {
	if s.OwnerID == "" {
		return ErrOwnerRequired
	}
	if err := s.Type.Validate(); err != nil {
		return err
	}
	if s.Type.Kind() == KindSynchronized && len(s.ParticipantIDs) == 0 {
		return ErrSynchronizedMissingParticipants
	}
	if s.DistanceMeters < 0 || s.DistanceMeters > MaxDistanceMeters {
		return fmt.Errorf("%w: %.1f m", ErrDistanceOutOfRange, s.DistanceMeters)
	}
	if s.AveragePaceMinPerKm < 0 ||
		(s.AveragePaceMinPerKm != 0 && (s.AveragePaceMinPerKm < MinAveragePace || s.AveragePaceMinPerKm > MaxAveragePace)) {
		return fmt.Errorf("%w: %.2f min/km", ErrPaceOutOfRange, s.AveragePaceMinPerKm)
	}
	if s.EndTime != nil {
		span := s.EndTime.Sub(s.StartTime)
		if span < 0 || span > MaxDuration {
			return fmt.Errorf("%w: %s", ErrDurationOutOfRange, span)
		}
	}
	return nil
}
