package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerEmpty(t *testing.T) {
	tracker := NewLatencyTracker(8)
	if got := tracker.Percentile(95); got != 0 {
		t.Fatalf("expected zero percentile on empty tracker, got %v", got)
	}
	if tracker.Count() != 0 {
		t.Fatalf("expected zero count, got %d", tracker.Count())
	}
}

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(16)
	for i := 1; i <= 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}

	if got := tracker.Percentile(0); got != time.Millisecond {
		t.Fatalf("p0 should be min, got %v", got)
	}
	if got := tracker.Percentile(100); got != 10*time.Millisecond {
		t.Fatalf("p100 should be max, got %v", got)
	}
	if got := tracker.Percentile(50); got < 4*time.Millisecond || got > 7*time.Millisecond {
		t.Fatalf("p50 out of range: %v", got)
	}
}

func TestLatencyTrackerEvictsOldest(t *testing.T) {
	tracker := NewLatencyTracker(4)
	for i := 1; i <= 8; i++ {
		tracker.Observe(time.Duration(i) * time.Second)
	}

	if tracker.Count() != 4 {
		t.Fatalf("expected ring to hold 4 samples, got %d", tracker.Count())
	}
	// only 5s..8s survive
	if got := tracker.Percentile(0); got != 5*time.Second {
		t.Fatalf("oldest samples not evicted, min is %v", got)
	}
}
