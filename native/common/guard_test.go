package common

import (
	"errors"
	"testing"
)

func TestLatchRejectsNestedEntry(t *testing.T) {
	var latch Latch
	if err := latch.Enter(); err != nil {
		t.Fatalf("first enter: %v", err)
	}
	if err := latch.Enter(); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v", err)
	}
	latch.Exit()
	if err := latch.Enter(); err != nil {
		t.Fatalf("enter after exit: %v", err)
	}
}

func TestReasonRoundTrip(t *testing.T) {
	err := NewProtocolError(ReasonStaleTransfer, "owner changed")
	reason, ok := ReasonOf(err)
	if !ok || reason != ReasonStaleTransfer {
		t.Fatalf("ReasonOf = %v %v", reason, ok)
	}
	if _, ok := ReasonOf(errors.New("plain")); ok {
		t.Fatal("plain errors must not carry a reason")
	}
	if got, ok := ReasonFromCode("STALE_TRANSFER"); !ok || got != ReasonStaleTransfer {
		t.Fatalf("ReasonFromCode = %v %v", got, ok)
	}
	if _, ok := ReasonFromCode("NOT_A_CODE"); ok {
		t.Fatal("unknown codes must not map to a reason")
	}
}
