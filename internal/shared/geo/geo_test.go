package geo

import "testing"

func TestHaversineKm(t *testing.T) {
	// Jakarta (-6.2, 106.816) to Bandung (-6.9175, 107.6191) ~ 115-120 km
	d := HaversineKm(-6.2, 106.816, -6.9175, 107.6191)
	if d < 100 || d > 140 {
		t.Fatalf("unexpected distance: %v", d)
	}
}

func TestHaversineMetersSamePoint(t *testing.T) {
	if d := HaversineMeters(-6.2, 106.816, -6.2, 106.816); d != 0 {
		t.Fatalf("expected zero distance, got %v", d)
	}
}

func TestHaversineMetersShortSegment(t *testing.T) {
	// 0.001 degrees of latitude is roughly 111 m
	d := HaversineMeters(0, 0, 0.001, 0)
	if d < 110 || d > 112 {
		t.Fatalf("unexpected distance: %v", d)
	}
}
