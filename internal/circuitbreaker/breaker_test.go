package circuitbreaker

import (
	"testing"
	"time"
)

func TestTripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure("transfer")
		if !b.Allow("transfer") {
			t.Fatalf("circuit tripped after %d failures, threshold is 3", i+1)
		}
	}

	b.RecordFailure("transfer")
	if b.Allow("transfer") {
		t.Error("circuit should be open after 3 failures")
	}
	if b.State("transfer") != StateOpen {
		t.Errorf("state = %v, want open", b.State("transfer"))
	}
}

func TestHalfOpenProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.RecordFailure("escrow")
	if b.Allow("escrow") {
		t.Fatal("circuit should be open")
	}

	time.Sleep(15 * time.Millisecond)

	if !b.Allow("escrow") {
		t.Fatal("expected one probe after openDuration")
	}
	if b.State("escrow") != StateHalfOpen {
		t.Errorf("state = %v, want half_open", b.State("escrow"))
	}
	// Second request during probe is rejected.
	if b.Allow("escrow") {
		t.Error("only one probe should be allowed")
	}

	b.RecordSuccess("escrow")
	if b.State("escrow") != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", b.State("escrow"))
	}
	if !b.Allow("escrow") {
		t.Error("closed circuit should allow requests")
	}
}

func TestFailedProbeReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.RecordFailure("transfer")
	time.Sleep(15 * time.Millisecond)
	if !b.Allow("transfer") {
		t.Fatal("expected probe")
	}
	b.RecordFailure("transfer")

	if b.State("transfer") != StateOpen {
		t.Errorf("state = %v, want open after failed probe", b.State("transfer"))
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(1, time.Minute)
	b.RecordFailure("escrow")

	if b.Allow("escrow") {
		t.Error("escrow circuit should be open")
	}
	if !b.Allow("transfer") {
		t.Error("transfer circuit should be unaffected")
	}
}
