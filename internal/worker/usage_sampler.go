// internal/worker/usage_sampler.go
package worker

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"proxy-dispatcher/internal/domain"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessSampler measures the CPU and resident memory of this process and its children,
// reported in the same quantity notation the kubernetes metrics API uses.
type ProcessSampler struct {
	proc *process.Process

	mu       sync.Mutex
	lastCPU  float64
	lastTime time.Time
}

// NewProcessSampler samples the current process tree.
func NewProcessSampler() (*ProcessSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open own process: %w", err)
	}
	s := &ProcessSampler{proc: proc}
	s.lastCPU, _ = s.cpuSeconds(context.Background())
	s.lastTime = time.Now()
	return s, nil
}

// Sample returns CPU as millicores averaged since the previous sample and memory in KiB.
func (s *ProcessSampler) Sample(ctx context.Context) (domain.RawUsage, error) {
	cpuSeconds, err := s.cpuSeconds(ctx)
	if err != nil {
		return domain.RawUsage{}, err
	}
	rss, err := s.rssBytes(ctx)
	if err != nil {
		return domain.RawUsage{}, err
	}

	s.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(s.lastTime).Seconds()
	used := cpuSeconds - s.lastCPU
	s.lastCPU, s.lastTime = cpuSeconds, now
	s.mu.Unlock()

	var millicores float64
	if elapsed > 0 && used > 0 {
		millicores = math.Round(used / elapsed * 1000)
	}
	return domain.RawUsage{
		CPU:    fmt.Sprintf("%dm", int64(millicores)),
		Memory: fmt.Sprintf("%dKi", rss/1024),
	}, nil
}

// cpuSeconds sums user and system time of the process and its live children.
func (s *ProcessSampler) cpuSeconds(ctx context.Context) (float64, error) {
	times, err := s.proc.TimesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read cpu times: %w", err)
	}
	total := times.User + times.System
	children, _ := s.proc.ChildrenWithContext(ctx)
	for _, child := range children {
		if ct, err := child.TimesWithContext(ctx); err == nil {
			total += ct.User + ct.System
		}
	}
	return total, nil
}

func (s *ProcessSampler) rssBytes(ctx context.Context) (uint64, error) {
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read memory info: %w", err)
	}
	total := mem.RSS
	children, _ := s.proc.ChildrenWithContext(ctx)
	for _, child := range children {
		if cm, err := child.MemoryInfoWithContext(ctx); err == nil {
			total += cm.RSS
		}
	}
	return total, nil
}
