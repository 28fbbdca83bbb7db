package wire

import "time"

// Coordinate is a bare lat/lon pair.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type PeerStatus string

const (
	PeerRunning  PeerStatus = "running"
	PeerPaused   PeerStatus = "paused"
	PeerFinished PeerStatus = "finished"
)

type SessionState string

const (
	SessionWaiting SessionState = "waiting"
	SessionActive  SessionState = "active"
	SessionEnded   SessionState = "ended"
)

type JoinSession struct {
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id"`
	PeerIDs   []string `json:"peer_ids"`
}

type LeaveSession struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type PaceUpdate struct {
	UserID       string     `json:"user_id"`
	SessionID    string     `json:"session_id"`
	PaceMinPerKm float64    `json:"pace_min_per_km"`
	Location     Coordinate `json:"location"`
	Timestamp    time.Time  `json:"timestamp"`
}

type PeerUpdate struct {
	UserID       string     `json:"user_id"`
	SessionID    string     `json:"session_id"`
	PaceMinPerKm float64    `json:"pace_min_per_km"`
	Location     Coordinate `json:"location"`
	Timestamp    time.Time  `json:"timestamp"`
	Status       PeerStatus `json:"status"`
}

// SessionStatus describes a synchronized session's membership.
type SessionStatus struct {
	SessionID      string       `json:"session_id"`
	ParticipantIDs []string     `json:"participant_ids"`
	Status         SessionState `json:"status"`
}
