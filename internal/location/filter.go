package location

import (
	"errors"
	"time"

	"backend-runsync/internal/shared/geo"
)

const (
	MaxSampleAge      = 5 * time.Second
	MaxAccuracyMeters = 50.0

	MinPaceMinPerKm = 2.0
	MaxPaceMinPerKm = 20.0

	minPaceInterval = 100 * time.Millisecond
)

var (
	ErrStale      = errors.New("location sample is stale")
	ErrInaccurate = errors.New("location sample accuracy out of range")
)

// Accept applies the acceptance filter to a raw reading arriving at now.
func Accept(s Sample, now time.Time) error {
	if now.Sub(s.Timestamp) > MaxSampleAge {
		return ErrStale
	}
	if s.HorizontalAccuracyM <= 0 || s.HorizontalAccuracyM > MaxAccuracyMeters {
		return ErrInaccurate
	}
	return nil
}

// Distance returns the great-circle distance between two samples in meters.
func Distance(a, b Sample) float64 {
	return geo.HaversineMeters(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// PaceMinPerKm converts a distance covered in elapsed time to minutes per km.
// ok is false when the pace is undefined (elapsed <= 0.1s or no distance).
func PaceMinPerKm(distanceM float64, elapsed time.Duration) (pace float64, ok bool) {
	if elapsed <= minPaceInterval || distanceM <= 0 {
		return 0, false
	}
	return (elapsed.Seconds() / 60) / (distanceM / 1000), true
}

// Realistic reports whether a pace is plausible for a runner. Anything outside
// the bounds is treated as a vehicle or a GPS jump.
func Realistic(pace float64) bool {
	return pace >= MinPaceMinPerKm && pace <= MaxPaceMinPerKm
}

// DerivePace computes the pace between two consecutive accepted samples.
func DerivePace(prev, cur Sample) (Pace, bool) {
	d := Distance(prev, cur)
	dt := cur.Timestamp.Sub(prev.Timestamp)
	pace, ok := PaceMinPerKm(d, dt)
	if !ok || !Realistic(pace) {
		return Pace{}, false
	}
	return Pace{
		Timestamp:    cur.Timestamp,
		Location:     cur,
		PaceMinPerKm: pace,
		DistanceM:    d,
		Elapsed:      dt,
	}, true
}

// RouteDistance sums the pairwise distances of an ordered route.
func RouteDistance(route []Sample) float64 {
	total := 0.0
	for i := 1; i < len(route); i++ {
		total += Distance(route[i-1], route[i])
	}
	return total
}
