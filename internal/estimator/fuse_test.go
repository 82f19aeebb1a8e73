package estimator

import (
	"math"
	"testing"
	"time"
)

func TestFuse(t *testing.T) {
	gps := candidate{source: SourceGPS, value: 10, trust: 1, latency: 100 * time.Millisecond}
	baro := candidate{source: SourceBarometer, value: 12, trust: 1, latency: 50 * time.Millisecond}

	if _, _, ok := fuse(nil, 1, false); ok {
		t.Fatalf("empty input fused")
	}
	if v, w, _ := fuse([]candidate{gps}, 1, false); v != 10 || w != SourceGPS {
		t.Fatalf("single: v=%v w=%q", v, w)
	}
	if v, w, _ := fuse([]candidate{gps, baro}, 5, false); v != 11 || w != "blend" {
		t.Fatalf("agree: v=%v w=%q", v, w)
	}
	if v, w, _ := fuse([]candidate{gps, baro}, 1, false); v != 12 || w != SourceBarometer {
		t.Fatalf("disagree: v=%v w=%q", v, w)
	}

	// Equal latency: the more trusted source wins.
	a := candidate{source: "a", value: 0, trust: 0.2, latency: time.Millisecond}
	b := candidate{source: "b", value: 50, trust: 0.9, latency: time.Millisecond}
	if _, w, _ := fuse([]candidate{a, b}, 1, false); w != "b" {
		t.Fatalf("trust tie-break: %q", w)
	}
	// Full tie: first offered.
	b.trust = 0.2
	if _, w, _ := fuse([]candidate{a, b}, 1, false); w != "a" {
		t.Fatalf("order tie-break: %q", w)
	}
}

func TestFuse_CircularAcrossNorth(t *testing.T) {
	c := []candidate{
		{source: SourceGPS, value: 350, trust: 1},
		{source: SourceMagnetometer, value: 10, trust: 1},
	}
	v, w, _ := fuse(c, 30, true)
	if w != "blend" {
		t.Fatalf("winner=%q", w)
	}
	if math.Abs(v) > 1e-9 && math.Abs(v-360) > 1e-9 {
		t.Fatalf("heading=%v want 0", v)
	}
}

func TestFuse_ZeroTrustFallsBackToMean(t *testing.T) {
	c := []candidate{{value: 1}, {value: 3}}
	if v, _, _ := fuse(c, 5, false); v != 2 {
		t.Fatalf("v=%v", v)
	}
}
