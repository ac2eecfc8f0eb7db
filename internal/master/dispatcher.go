// internal/master/dispatcher.go
package master

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"proxy-dispatcher/internal/domain"
	"proxy-dispatcher/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher sends each job to the least loaded worker and relays its result.
type Dispatcher struct {
	snapshots *SnapshotSource
	selector  *Selector
	resolver  domain.AddressResolver
	forwarder domain.JobForwarder
	inflight  *InFlightTracker
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewDispatcher creates a dispatcher. The forwarder is owned by the dispatcher
// from here on and is released by Close.
func NewDispatcher(snapshots *SnapshotSource, selector *Selector, resolver domain.AddressResolver, forwarder domain.JobForwarder, inflight *InFlightTracker, logger *slog.Logger) *Dispatcher {
	if inflight == nil {
		inflight = NewInFlightTracker()
	}
	return &Dispatcher{
		snapshots: snapshots,
		selector:  selector,
		resolver:  resolver,
		forwarder: forwarder,
		inflight:  inflight,
		logger:    logger.With("component", "dispatcher"),
		tracer:    otel.Tracer("proxy-dispatcher-dispatcher"),
	}
}

// Dispatch selects a worker, resolves its address and forwards the payload to it.
// A non-zero exit code in the result is a successful dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, payload *domain.JobPayload) (result *domain.JobResult, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Dispatch", trace.WithAttributes(
		attribute.String("job.id", payload.ID),
		attribute.String("job.filename", payload.Filename),
	))
	defer span.End()

	start := time.Now()
	logger := d.logger.With("job_id", payload.ID)
	logger.Debug("job state", "state", domain.JobStateReceived, "filename", payload.Filename)

	defer func() {
		outcome := string(domain.JobStateCompleted)
		if err != nil {
			outcome = string(domain.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			logger.Warn("job state", "state", domain.JobStateFailed, "kind", outcome, "error", err)
		} else {
			span.SetAttributes(attribute.Int("job.exit_code", result.ExitCode))
			logger.Info("job state", "state", domain.JobStateCompleted, "exit_code", result.ExitCode, "duration", time.Since(start))
		}
		metrics.DispatchTotal.WithLabelValues(outcome).Inc()
		metrics.DispatchDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	// 1. Select
	logger.Debug("job state", "state", domain.JobStateSelecting)
	worker, err := d.selectWorker(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("worker.name", worker))
	logger = logger.With("worker", worker)
	metrics.WorkerSelectedTotal.WithLabelValues(worker).Inc()

	release := d.inflight.Acquire(worker)
	defer release()

	// 2. Resolve
	logger.Debug("job state", "state", domain.JobStateResolving)
	endpoint, err := d.resolve(ctx, worker)
	if err != nil {
		return nil, err
	}

	// 3. Forward
	logger.Debug("job state", "state", domain.JobStateForwarding, "endpoint", endpoint.Address())
	return d.forward(ctx, endpoint, payload)
}

func (d *Dispatcher) selectWorker(ctx context.Context) (string, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Select")
	defer span.End()

	snapshot, err := d.snapshots.FetchSnapshot(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch snapshot")
		return "", err
	}
	worker, err := d.selector.SelectBest(snapshot)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no worker selected")
		return "", err
	}
	sample := snapshot[worker]
	span.SetAttributes(
		attribute.Int("snapshot.workers", len(snapshot)),
		attribute.String("worker.name", worker),
		attribute.Float64("worker.cpu_cores", sample.CPUCores),
		attribute.Float64("worker.mem_mib", sample.MemMiB),
	)
	return worker, nil
}

func (d *Dispatcher) resolve(ctx context.Context, worker string) (domain.WorkerEndpoint, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Resolve", trace.WithAttributes(attribute.String("worker.name", worker)))
	defer span.End()

	endpoint, err := d.resolver.Resolve(ctx, worker)
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			err = fmt.Errorf("%w: %s: %w", domain.ErrDirectoryUnavailable, worker, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve worker")
		return domain.WorkerEndpoint{}, err
	}
	span.SetAttributes(attribute.String("worker.endpoint", endpoint.Address()))
	return endpoint, nil
}

func (d *Dispatcher) forward(ctx context.Context, endpoint domain.WorkerEndpoint, payload *domain.JobPayload) (*domain.JobResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Forward", trace.WithAttributes(attribute.String("worker.endpoint", endpoint.Address())))
	defer span.End()

	result, err := d.forwarder.Forward(ctx, endpoint, payload)
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			err = fmt.Errorf("%w: %s: %w", domain.ErrWorkerUnreachable, endpoint.Address(), err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to forward job")
		return nil, err
	}
	return result, nil
}

// Close releases the pooled worker client.
func (d *Dispatcher) Close() error {
	return d.forwarder.Close()
}
