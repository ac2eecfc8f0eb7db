// internal/worker/usage_reporter.go
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"proxy-dispatcher/internal/domain"
	"proxy-dispatcher/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// UsageSampler measures the worker's current usage.
type UsageSampler interface {
	Sample(ctx context.Context) (domain.RawUsage, error)
}

// UsagePublisher stores a usage sample where the dispatcher can read it.
type UsagePublisher interface {
	PublishUsage(ctx context.Context, usage domain.RawUsage) error
}

// UsageReporter publishes a usage sample on a cron schedule.
type UsageReporter struct {
	cron      *cron.Cron
	sampler   UsageSampler
	publisher UsagePublisher
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewUsageReporter creates a reporter. schedule accepts standard cron specs and descriptors like "@every 5s".
func NewUsageReporter(schedule string, sampler UsageSampler, publisher UsagePublisher, logger *slog.Logger) (*UsageReporter, error) {
	r := &UsageReporter{
		cron:      cron.New(),
		sampler:   sampler,
		publisher: publisher,
		logger:    logger.With("component", "usage-reporter"),
		tracer:    otel.Tracer("proxy-dispatcher-worker"),
	}
	if _, err := r.cron.AddFunc(schedule, func() { r.ReportOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid usage report schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start reports once, then on schedule until ctx is done.
func (r *UsageReporter) Start(ctx context.Context) error {
	r.logger.Info("usage reporter started")
	r.ReportOnce(ctx)
	r.cron.Start()
	<-ctx.Done()
	r.logger.Info("usage reporter stopping...")
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.logger.Info("usage reporter stopped")
	return ctx.Err()
}

// ReportOnce samples and publishes a single usage report.
func (r *UsageReporter) ReportOnce(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "worker.ReportUsage")
	defer span.End()

	usage, err := r.sampler.Sample(ctx)
	if err != nil {
		r.logger.Error("failed to sample usage", "error", err)
		span.RecordError(err)
		metrics.UsageReportsTotal.WithLabelValues("sample_error").Inc()
		return err
	}
	if err := r.publisher.PublishUsage(ctx, usage); err != nil {
		r.logger.Error("failed to publish usage", "error", err)
		span.RecordError(err)
		metrics.UsageReportsTotal.WithLabelValues("publish_error").Inc()
		return err
	}
	r.logger.Debug("usage published", "cpu", usage.CPU, "memory", usage.Memory)
	metrics.UsageReportsTotal.WithLabelValues("ok").Inc()
	return nil
}
