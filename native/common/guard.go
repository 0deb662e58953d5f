package common

import (
	"errors"
	"sync/atomic"
)

// ErrReentrantCall is returned when a state-mutating module entry point is
// invoked again while an earlier invocation is still executing.
var ErrReentrantCall = errors.New("module: reentrant call")

// Latch is a non-reentrant execution guard shared by module engines. Every
// mutating entry point takes the latch on entry and releases it on exit, so a
// nested call triggered during execution fails instead of observing
// half-applied state.
type Latch struct {
	entered atomic.Bool
}

// Enter acquires the latch, failing if it is already held.
func (l *Latch) Enter() error {
	if !l.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

// Exit releases the latch.
func (l *Latch) Exit() {
	l.entered.Store(false)
}
