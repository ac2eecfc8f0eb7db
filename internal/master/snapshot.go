// internal/master/snapshot.go
package master

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"proxy-dispatcher/internal/domain"
	"proxy-dispatcher/internal/metrics"
	"proxy-dispatcher/internal/quantity"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SnapshotSource turns raw provider usage into a LoadSnapshot of matching workers.
type SnapshotSource struct {
	source  domain.MetricsSource
	pattern *regexp.Regexp
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewSnapshotSource creates a snapshot source keeping only instances whose name matches pattern.
func NewSnapshotSource(source domain.MetricsSource, pattern *regexp.Regexp, logger *slog.Logger) *SnapshotSource {
	return &SnapshotSource{
		source:  source,
		pattern: pattern,
		logger:  logger.With("component", "snapshot-source"),
		tracer:  otel.Tracer("proxy-dispatcher-snapshot"),
	}
}

// FetchSnapshot queries the provider and builds a fresh snapshot.
// Records with unparsable quantities are dropped; the call only fails when the provider does.
func (s *SnapshotSource) FetchSnapshot(ctx context.Context) (domain.LoadSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.Fetch")
	defer span.End()

	records, err := s.source.FetchUsage(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch usage")
		return nil, fmt.Errorf("%w: %w", domain.ErrMetricsUnavailable, err)
	}

	snapshot := make(domain.LoadSnapshot, len(records))
	for _, rec := range records {
		if !s.pattern.MatchString(rec.Name) {
			continue
		}
		sample, err := ParseSample(rec)
		if err != nil {
			s.logger.Warn("dropping worker with unparsable usage", "worker", rec.Name, "cpu", rec.CPU, "memory", rec.Memory, "error", err)
			metrics.SnapshotRecordsDropped.Inc()
			continue
		}
		snapshot[rec.Name] = sample
	}

	span.SetAttributes(
		attribute.Int("snapshot.records", len(records)),
		attribute.Int("snapshot.workers", len(snapshot)),
	)
	return snapshot, nil
}

// ParseSample converts one raw usage record into canonical units.
func ParseSample(rec domain.RawUsage) (domain.WorkerLoadSample, error) {
	cpu, err := quantity.ParseCPU(rec.CPU)
	if err != nil {
		return domain.WorkerLoadSample{}, err
	}
	mem, err := quantity.ParseMemory(rec.Memory)
	if err != nil {
		return domain.WorkerLoadSample{}, err
	}
	return domain.WorkerLoadSample{Name: rec.Name, CPUCores: cpu, MemMiB: mem}, nil
}
