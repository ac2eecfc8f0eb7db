// internal/master/inflight.go
package master

import (
	"sync"

	"proxy-dispatcher/internal/metrics"
)

// InFlightTracker counts jobs this process has forwarded to each worker and not yet seen finish.
type InFlightTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewInFlightTracker creates an empty tracker.
func NewInFlightTracker() *InFlightTracker {
	return &InFlightTracker{counts: make(map[string]int)}
}

// Acquire records a job sent to worker and returns the function that releases it.
func (t *InFlightTracker) Acquire(worker string) (release func()) {
	t.mu.Lock()
	t.counts[worker]++
	t.mu.Unlock()
	metrics.WorkerInFlight.WithLabelValues(worker).Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if t.counts[worker] <= 1 {
				delete(t.counts, worker)
			} else {
				t.counts[worker]--
			}
			t.mu.Unlock()
			metrics.WorkerInFlight.WithLabelValues(worker).Dec()
		})
	}
}

// Count returns the number of outstanding jobs for worker.
func (t *InFlightTracker) Count(worker string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[worker]
}
