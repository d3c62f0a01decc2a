package messaging

import (
	"sync"
	"time"
)

const (
	watchdogThreshold = 5
	watchdogWindow    = 60 * time.Second
)

// Watchdog is a per-session circuit breaker: once a session accumulates
// watchdogThreshold errors inside the rolling window, IsHealthy turns false
// and the router stops attempting that instance until the window drains.
// Independent of the provider-type health score.
type Watchdog struct {
	mu     sync.Mutex
	errors map[string][]time.Time

	now func() time.Time
}

func NewWatchdog() *Watchdog {
	return &Watchdog{
		errors: make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (w *Watchdog) RecordError(session string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.errors[session] = append(w.prune(session), w.now())
}

func (w *Watchdog) IsHealthy(session string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	recent := w.prune(session)
	w.errors[session] = recent
	return len(recent) < watchdogThreshold
}

func (w *Watchdog) Reset(session string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.errors, session)
}

// prune drops entries older than the window. Caller holds the lock.
func (w *Watchdog) prune(session string) []time.Time {
	cutoff := w.now().Add(-watchdogWindow)
	kept := w.errors[session][:0]
	for _, ts := range w.errors[session] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
