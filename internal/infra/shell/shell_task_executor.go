// internal/infra/shell/shell_task_executor.go
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"proxy-dispatcher/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// shellTaskExecutor implements domain.TaskExecutor by running the job file with an interpreter.
type shellTaskExecutor struct {
	interpreter []string
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewShellTaskExecutor creates an executor running `interpreter... <script>`.
func NewShellTaskExecutor(interpreter []string, logger *slog.Logger) domain.TaskExecutor {
	return &shellTaskExecutor{
		interpreter: interpreter,
		logger:      logger.With("executor_type", "shell"),
		tracer:      otel.Tracer("proxy-dispatcher-shell-executor"),
	}
}

// Execute runs the script inside workDir and captures its exit code and output.
// The run is bounded only by ctx.
func (e *shellTaskExecutor) Execute(ctx context.Context, scriptPath, workDir string) (*domain.JobResult, error) {
	if len(e.interpreter) == 0 {
		return nil, fmt.Errorf("no interpreter configured")
	}

	ctx, span := e.tracer.Start(ctx, "executor.shell.Execute",
		trace.WithAttributes(
			attribute.String("job.script", scriptPath),
			attribute.String("executor.interpreter", e.interpreter[0]),
		))
	defer span.End()

	args := append(append([]string{}, e.interpreter[1:]...), scriptPath)
	cmd := exec.CommandContext(ctx, e.interpreter[0], args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &domain.JobResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		span.SetAttributes(attribute.Int("job.exit_code", result.ExitCode))
	default:
		span.SetStatus(codes.Error, "interpreter failed to run")
		span.RecordError(err)
		return nil, fmt.Errorf("failed to run %s: %w", e.interpreter[0], err)
	}

	e.logger.Debug("script finished", "script", scriptPath, "exit_code", result.ExitCode)
	return result, nil
}
