package daemon

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupCache_SuppressesWithinCooldown(t *testing.T) {
	cache := NewDedupCache()
	key := DedupKey("message", "Hello")
	now := time.Now()

	if !cache.ShouldEmit(key, 3*time.Second, now) {
		t.Fatal("first ShouldEmit should return true")
	}
	if cache.ShouldEmit(key, 3*time.Second, now.Add(time.Second)) {
		t.Error("second ShouldEmit within cooldown should return false")
	}
	if !cache.ShouldEmit(key, 3*time.Second, now.Add(4*time.Second)) {
		t.Error("ShouldEmit after cooldown should return true again")
	}
}

func TestDedupCache_SuppressedCallDoesNotRefresh(t *testing.T) {
	cache := NewDedupCache()
	key := DedupKey("message", "Hello")
	now := time.Now()

	cache.ShouldEmit(key, 3*time.Second, now)
	// Repeated suppressed calls must not slide the window forward.
	cache.ShouldEmit(key, 3*time.Second, now.Add(2*time.Second))
	if !cache.ShouldEmit(key, 3*time.Second, now.Add(3*time.Second+time.Millisecond)) {
		t.Error("window should be measured from the first emit, not the suppressed call")
	}
}

func TestDedupCache_DistinctKeysIndependent(t *testing.T) {
	cache := NewDedupCache()
	now := time.Now()

	if !cache.ShouldEmit(DedupKey("message", "Hello"), 3*time.Second, now) {
		t.Fatal("first key should emit")
	}
	if !cache.ShouldEmit(DedupKey("question", "Hello"), 5*time.Second, now) {
		t.Error("same text in a different category should emit")
	}
	if !cache.ShouldEmit(DedupKey("message", "Goodbye"), 3*time.Second, now) {
		t.Error("different text should emit")
	}
}

func TestDedupKey_NormalizesWhitespace(t *testing.T) {
	if DedupKey("message", "  Hello   world ") != DedupKey("message", "Hello world") {
		t.Error("whitespace differences should collapse to the same key")
	}
}

func TestDedupCache_SweepBoundsSize(t *testing.T) {
	cache := NewDedupCache()
	now := time.Now()

	for i := 0; i < dedupSweepThreshold+1; i++ {
		cache.ShouldEmit(DedupKey("message", fmt.Sprintf("msg-%d", i)), 3*time.Second, now)
	}
	// All entries are fresh, nothing to sweep yet.
	if got := cache.size(); got != dedupSweepThreshold+1 {
		t.Fatalf("size = %d, want %d", got, dedupSweepThreshold+1)
	}

	// One more insert far in the future sweeps everything older than 2x cooldown.
	cache.ShouldEmit(DedupKey("message", "late"), 3*time.Second, now.Add(time.Minute))
	if got := cache.size(); got != 1 {
		t.Errorf("size after sweep = %d, want 1", got)
	}
}
