package worker

import (
	"context"
	"errors"
	"testing"

	"proxy-dispatcher/internal/domain"
	"proxy-dispatcher/internal/quantity"
)

type fixedSampler struct {
	usage domain.RawUsage
	err   error
}

func (f fixedSampler) Sample(ctx context.Context) (domain.RawUsage, error) {
	return f.usage, f.err
}

type recordingPublisher struct {
	published []domain.RawUsage
	err       error
}

func (p *recordingPublisher) PublishUsage(ctx context.Context, usage domain.RawUsage) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, usage)
	return nil
}

func TestUsageReporterReportOnce(t *testing.T) {
	pub := &recordingPublisher{}
	r, err := NewUsageReporter("@every 5s", fixedSampler{usage: domain.RawUsage{CPU: "5m", Memory: "10Ki"}}, pub, discardLogger())
	if err != nil {
		t.Fatalf("NewUsageReporter: %v", err)
	}
	if err := r.ReportOnce(context.Background()); err != nil {
		t.Fatalf("ReportOnce: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0].CPU != "5m" {
		t.Fatalf("published = %+v", pub.published)
	}
}

func TestUsageReporterErrors(t *testing.T) {
	sampleErr := errors.New("no such process")
	r, _ := NewUsageReporter("@every 5s", fixedSampler{err: sampleErr}, &recordingPublisher{}, discardLogger())
	if err := r.ReportOnce(context.Background()); !errors.Is(err, sampleErr) {
		t.Fatalf("expected sample error, got %v", err)
	}

	publishErr := errors.New("etcdserver: request timed out")
	r, _ = NewUsageReporter("@every 5s", fixedSampler{}, &recordingPublisher{err: publishErr}, discardLogger())
	if err := r.ReportOnce(context.Background()); !errors.Is(err, publishErr) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestUsageReporterRejectsBadSchedule(t *testing.T) {
	if _, err := NewUsageReporter("every now and then", fixedSampler{}, &recordingPublisher{}, discardLogger()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestUsageReporterStartReportsImmediately(t *testing.T) {
	pub := &recordingPublisher{}
	r, err := NewUsageReporter("@every 1h", fixedSampler{usage: domain.RawUsage{CPU: "1m", Memory: "1Ki"}}, pub, discardLogger())
	if err != nil {
		t.Fatalf("NewUsageReporter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Start returned %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected one immediate report, got %d", len(pub.published))
	}
}

func TestProcessSamplerReportsParsableQuantities(t *testing.T) {
	s, err := NewProcessSampler()
	if err != nil {
		t.Fatalf("NewProcessSampler: %v", err)
	}
	usage, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	cores, err := quantity.ParseCPU(usage.CPU)
	if err != nil || cores < 0 {
		t.Fatalf("cpu %q: %v, %v", usage.CPU, cores, err)
	}
	mib, err := quantity.ParseMemory(usage.Memory)
	if err != nil || mib <= 0 {
		t.Fatalf("memory %q: %v, %v", usage.Memory, mib, err)
	}
}
