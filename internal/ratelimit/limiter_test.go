package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := NewLimiter()

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.5", 3, time.Minute) {
			t.Errorf("attempt %d should be allowed", i+1)
		}
	}
	if l.Allow("10.0.0.5", 3, time.Minute) {
		t.Error("4th attempt should be denied")
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l := NewLimiter()

	for i := 0; i < 2; i++ {
		if !l.Allow("10.0.0.1", 2, time.Minute) {
			t.Errorf("peer 1 attempt %d should be allowed", i+1)
		}
		if !l.Allow("10.0.0.2", 2, time.Minute) {
			t.Errorf("peer 2 attempt %d should be allowed", i+1)
		}
	}

	if l.Allow("10.0.0.1", 2, time.Minute) {
		t.Error("peer 1 should be limited")
	}
	if l.Allow("10.0.0.2", 2, time.Minute) {
		t.Error("peer 2 should be limited")
	}
}

func TestAllowRefillsAfterInterval(t *testing.T) {
	l := NewLimiter()

	for i := 0; i < 2; i++ {
		l.Allow("peer", 2, 50*time.Millisecond)
	}
	if l.Allow("peer", 2, 50*time.Millisecond) {
		t.Error("should be limited before the interval elapses")
	}

	time.Sleep(60 * time.Millisecond)

	if !l.Allow("peer", 2, 50*time.Millisecond) {
		t.Error("should be allowed after refill")
	}
}

func TestReset(t *testing.T) {
	l := NewLimiter()

	for i := 0; i < 3; i++ {
		l.Allow("peer", 3, time.Minute)
	}
	if l.Allow("peer", 3, time.Minute) {
		t.Error("should be limited")
	}

	l.Reset("peer")

	if !l.Allow("peer", 3, time.Minute) {
		t.Error("should be allowed after reset")
	}
}

func TestCleanupExpired(t *testing.T) {
	l := NewLimiter()

	l.Allow("a", 10, time.Minute)
	l.Allow("b", 10, time.Minute)

	l.CleanupExpired(time.Hour)
	l.mu.Lock()
	if len(l.buckets) != 2 {
		t.Errorf("fresh buckets should survive, got %d", len(l.buckets))
	}
	l.mu.Unlock()

	l.CleanupExpired(0)
	l.mu.Lock()
	if len(l.buckets) != 0 {
		t.Errorf("zero-age cleanup should drain the map, got %d", len(l.buckets))
	}
	l.mu.Unlock()
}

func TestConcurrentAccess(t *testing.T) {
	l := NewLimiter()
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				l.Allow("peer", 1000, time.Minute)
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
