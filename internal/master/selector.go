// internal/master/selector.go
package master

import (
	"sort"

	"proxy-dispatcher/internal/domain"
)

// Selector picks the least loaded worker from a snapshot.
//
// The ordering key is (cpuCores, memMiB). Workers are visited in ascending name
// order and only a strictly smaller key replaces the current best, so full ties
// resolve to the lexicographically smallest name. With an in-flight tracker the
// dispatcher's own outstanding job count is compared first.
type Selector struct {
	inflight *InFlightTracker
}

// NewSelector creates a selector. A nil tracker gives the pure point-in-time choice.
func NewSelector(inflight *InFlightTracker) *Selector {
	return &Selector{inflight: inflight}
}

// SelectBest returns the name of the best worker in snapshot.
func (s *Selector) SelectBest(snapshot domain.LoadSnapshot) (string, error) {
	if len(snapshot) == 0 {
		return "", domain.ErrNoWorkersAvailable
	}

	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	best := names[0]
	bestKey := s.key(best, snapshot[best])
	for _, name := range names[1:] {
		if k := s.key(name, snapshot[name]); k.less(bestKey) {
			best, bestKey = name, k
		}
	}
	return best, nil
}

type loadKey struct {
	inflight int
	cpu      float64
	mem      float64
}

func (s *Selector) key(name string, sample domain.WorkerLoadSample) loadKey {
	k := loadKey{cpu: sample.CPUCores, mem: sample.MemMiB}
	if s.inflight != nil {
		k.inflight = s.inflight.Count(name)
	}
	return k
}

func (a loadKey) less(b loadKey) bool {
	if a.inflight != b.inflight {
		return a.inflight < b.inflight
	}
	if a.cpu != b.cpu {
		return a.cpu < b.cpu
	}
	return a.mem < b.mem
}
