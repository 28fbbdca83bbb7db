package location

import "time"

// Sample is a single GPS fix.
type Sample struct {
	Latitude            float64   `json:"latitude"`
	Longitude           float64   `json:"longitude"`
	Timestamp           time.Time `json:"timestamp"`
	HorizontalAccuracyM float64   `json:"horizontal_accuracy_m"`
}

// Pace is derived from two consecutive accepted samples.
type Pace struct {
	Timestamp    time.Time     `json:"timestamp"`
	Location     Sample        `json:"location"`
	PaceMinPerKm float64       `json:"pace_min_per_km"`
	DistanceM    float64       `json:"distance_m"`
	Elapsed      time.Duration `json:"elapsed"`
}

// AuthorizationStatus mirrors the platform's location permission state.
type AuthorizationStatus int

const (
	AuthorizationNotDetermined AuthorizationStatus = iota
	AuthorizationDenied
	AuthorizationRestricted
	AuthorizationGranted
)

func (s AuthorizationStatus) String() string {
	switch s {
	case AuthorizationDenied:
		return "denied"
	case AuthorizationRestricted:
		return "restricted"
	case AuthorizationGranted:
		return "granted"
	default:
		return "not_determined"
	}
}

// Revoked reports whether the status forbids further sampling.
func (s AuthorizationStatus) Revoked() bool {
	return s == AuthorizationDenied || s == AuthorizationRestricted
}
