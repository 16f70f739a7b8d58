/*
concurrencytracker keeps track of how many requests are active at once. The purpose is simply to
provide the ability to report peak concurrency over a reporting period. Both listeners use one to
report how deeply their per-request go-routines stack up. Typical usage:

	var cct concurrencytracker.Counter

	func serveOne() {
		cct.Add()
		defer cct.Done()
		... do some work
	}

and in some reporting function

	fmt.Println("Peak Concurrency", cct.Peak(true))
*/
package concurrencytracker

import (
	"sync"
)

type Counter struct {
	mu      sync.Mutex
	current int // Count of pending Done() calls
	peak    int // Max 'current' has ever reached
}

// Add increments 'current' and if a new peak has been reached, the peak value is updated. Returns
// true if the peak increased as a result of this call.
func (t *Counter) Add() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current++
	if t.current > t.peak {
		t.peak = t.current
		return true
	}

	return false
}

// Done decrements 'current'. Done() must only be called after an Add() call, otherwise a panic
// ensues.
func (t *Counter) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == 0 {
		panic("concurrencytracker.Done() lacks matching .Add()") // Someone goofed
	}
	t.current--
}

// Peak returns the peak concurrency count and optionally resets the peak value to the current
// concurrency value. Note that the current counter is *not* reset by this call - it only ever
// moves with Add/Done. The reset occurs *after* the return value is captured so the impact of the
// reset is not visible until a subsequent call to Peak().
func (t *Counter) Peak(resetCounters bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	peak := t.peak
	if resetCounters {
		t.peak = t.current
	}

	return peak
}
