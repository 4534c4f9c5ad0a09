package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerClosedAllowsRequests(t *testing.T) {
	b := New(Config{Threshold: 3, Timeout: 5 * time.Second})

	if !b.Allow() {
		t.Fatal("closed breaker should allow requests")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b := New(Config{Threshold: 3, Timeout: 5 * time.Second})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("two failures should not trip threshold 3, got %v", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 consecutive failures, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject requests")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{Threshold: 3, Timeout: 5 * time.Second})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Fatalf("interleaved success must reset the count, got %v", b.State())
	}
}

func TestBreakerTransitionsToHalfOpen(t *testing.T) {
	b := New(Config{Threshold: 1, Timeout: 10 * time.Millisecond})

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	time.Sleep(15 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected probe admission after timeout")
	}
	if b.Allow() {
		t.Fatal("half-open must admit exactly one probe")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b := New(Config{Threshold: 1, Timeout: 10 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected probe admission")
	}
	b.RecordSuccess()

	if b.State() != StateClosed {
		t.Fatalf("expected closed after probe success, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker should allow requests")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := New(Config{Threshold: 1, Timeout: 10 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected probe admission")
	}
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("expected reopened breaker, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("reopened breaker should reject requests")
	}
}

func TestBreakerRetryAfter(t *testing.T) {
	b := New(Config{Threshold: 1, Timeout: time.Minute})

	if b.RetryAfter() != 0 {
		t.Fatal("closed breaker should report zero retry-after")
	}

	b.RecordFailure()
	ra := b.RetryAfter()
	if ra <= 0 || ra > time.Minute {
		t.Fatalf("expected retry-after within (0, 1m], got %v", ra)
	}
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(Config{Threshold: 2, Timeout: time.Second})

	b1 := r.Get("provisioning")
	b2 := r.Get("provisioning")
	if b1 != b2 {
		t.Fatal("registry must return the same breaker per name")
	}

	b1.RecordFailure()
	b1.RecordFailure()
	snap := r.Snapshot()
	if snap["provisioning"] != "open" {
		t.Fatalf("expected open in snapshot, got %q", snap["provisioning"])
	}
}
