package master

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"proxy-dispatcher/internal/domain"
)

func sample(cpu, mem float64) domain.WorkerLoadSample {
	return domain.WorkerLoadSample{CPUCores: cpu, MemMiB: mem}
}

func TestSelectBestEmptySnapshot(t *testing.T) {
	_, err := NewSelector(nil).SelectBest(domain.LoadSnapshot{})
	if !errors.Is(err, domain.ErrNoWorkersAvailable) {
		t.Fatalf("expected ErrNoWorkersAvailable, got %v", err)
	}
}

func TestSelectBestLowestCPU(t *testing.T) {
	snap := domain.LoadSnapshot{
		"proxy-worker-a": sample(0.12, 256),
		"proxy-worker-b": sample(0.05, 512),
	}
	got, err := NewSelector(nil).SelectBest(snap)
	if err != nil {
		t.Fatalf("SelectBest: %v", err)
	}
	if got != "proxy-worker-b" {
		t.Fatalf("got %s, want proxy-worker-b", got)
	}
}

func TestSelectBestMemoryBreaksCPUTie(t *testing.T) {
	snap := domain.LoadSnapshot{
		"a": sample(0.1, 600),
		"b": sample(0.1, 300),
	}
	for i := 0; i < 50; i++ {
		got, err := NewSelector(nil).SelectBest(snap)
		if err != nil {
			t.Fatalf("SelectBest: %v", err)
		}
		if got != "b" {
			t.Fatalf("iteration %d: got %s, want b", i, got)
		}
	}
}

func TestSelectBestFullTieIsSmallestName(t *testing.T) {
	snap := domain.LoadSnapshot{
		"proxy-worker-c": sample(0.2, 128),
		"proxy-worker-a": sample(0.2, 128),
		"proxy-worker-b": sample(0.2, 128),
	}
	for i := 0; i < 50; i++ {
		got, _ := NewSelector(nil).SelectBest(snap)
		if got != "proxy-worker-a" {
			t.Fatalf("iteration %d: got %s, want proxy-worker-a", i, got)
		}
	}
}

func TestSelectBestIsMinimal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sel := NewSelector(nil)

	for round := 0; round < 200; round++ {
		snap := domain.LoadSnapshot{}
		n := 1 + rng.Intn(12)
		for i := 0; i < n; i++ {
			// coarse values so ties actually happen
			snap[fmt.Sprintf("proxy-worker-%02d", rng.Intn(20))] = sample(float64(rng.Intn(4))/4, float64(rng.Intn(4)*128))
		}

		got, err := sel.SelectBest(snap)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		best, ok := snap[got]
		if !ok {
			t.Fatalf("round %d: %s not in snapshot", round, got)
		}
		for name, s := range snap {
			if s.CPUCores < best.CPUCores || (s.CPUCores == best.CPUCores && s.MemMiB < best.MemMiB) {
				t.Fatalf("round %d: %s (%v) beats selected %s (%v)", round, name, s, got, best)
			}
		}
	}
}

func TestSelectBestInFlightAware(t *testing.T) {
	tracker := NewInFlightTracker()
	sel := NewSelector(tracker)
	snap := domain.LoadSnapshot{
		"proxy-worker-a": sample(0.05, 256),
		"proxy-worker-b": sample(0.50, 512),
	}

	got, _ := sel.SelectBest(snap)
	if got != "proxy-worker-a" {
		t.Fatalf("got %s, want proxy-worker-a", got)
	}

	release := tracker.Acquire("proxy-worker-a")
	got, _ = sel.SelectBest(snap)
	if got != "proxy-worker-b" {
		t.Fatalf("with a job in flight on a: got %s, want proxy-worker-b", got)
	}

	release()
	got, _ = sel.SelectBest(snap)
	if got != "proxy-worker-a" {
		t.Fatalf("after release: got %s, want proxy-worker-a", got)
	}
}
