// internal/worker/server.go
package worker

import (
	"context"
	"io"
	"log/slog"

	"proxy-dispatcher/internal/domain"
	"proxy-dispatcher/internal/metrics"
	"proxy-dispatcher/internal/rpc"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server implements rpc.JobRunnerServer: it stages the streamed job file and runs it.
type Server struct {
	executor   domain.TaskExecutor
	stager     *Stager
	workerName string
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewServer creates the worker's job endpoint.
func NewServer(executor domain.TaskExecutor, stager *Stager, workerName string, logger *slog.Logger) *Server {
	return &Server{
		executor:   executor,
		stager:     stager,
		workerName: workerName,
		logger:     logger.With("component", "job-server"),
		tracer:     otel.Tracer("proxy-dispatcher-worker"),
	}
}

// Execute is the RPC called by the dispatcher for every job.
func (s *Server) Execute(stream rpc.ExecuteServerStream) error {
	ctx := stream.Context()
	filename, jobID := rpc.IncomingJob(ctx)
	if jobID == "" {
		jobID = uuid.NewString()
	}

	ctx, span := s.tracer.Start(ctx, "worker.Execute", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.filename", filename),
	))
	defer span.End()

	job, err := s.stager.Create(jobID, filename)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to stage job")
		return status.Errorf(grpccodes.Internal, "failed to stage job: %v", err)
	}
	defer job.Cleanup()

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if _, err := job.Write(chunk); err != nil {
			span.RecordError(err)
			return status.Errorf(grpccodes.Internal, "failed to write job file: %v", err)
		}
	}
	if err := job.Close(); err != nil {
		return status.Errorf(grpccodes.Internal, "failed to write job file: %v", err)
	}

	return stream.SendAndClose(s.run(ctx, jobID, job))
}

// run executes a staged job. Executor failures become a result with exit code -1
// so the dispatcher still receives structured data.
func (s *Server) run(ctx context.Context, jobID string, job *StagedJob) *domain.JobResult {
	span := trace.SpanFromContext(ctx)
	logger := s.logger.With("job_id", jobID, "worker", s.workerName)
	logger.Info("executing job", "path", job.Path)

	result, err := s.executor.Execute(ctx, job.Path, job.Dir)
	if err != nil {
		logger.Error("job execution error", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "job execution error")
		metrics.WorkerJobsTotal.WithLabelValues("error").Inc()
		return &domain.JobResult{ExitCode: -1, Stderr: err.Error()}
	}

	span.SetAttributes(attribute.Int("job.exit_code", result.ExitCode))
	if result.ExitCode == 0 {
		metrics.WorkerJobsTotal.WithLabelValues("success").Inc()
	} else {
		metrics.WorkerJobsTotal.WithLabelValues("nonzero").Inc()
	}
	logger.Info("job finished", "exit_code", result.ExitCode)
	return result
}
