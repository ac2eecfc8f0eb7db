// internal/domain/job.go
package domain

import (
	"context"
	"io"
)

// JobPayload is the caller's upload. Body is consumed exactly once and never retained
// after the dispatch returns.
type JobPayload struct {
	ID       string
	Filename string
	Body     io.Reader
}

// JobResult is what the worker returned, passed through untouched.
type JobResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// JobState is the per-job dispatch stage.
type JobState string

const (
	JobStateReceived   JobState = "received"
	JobStateSelecting  JobState = "selecting"
	JobStateResolving  JobState = "resolving"
	JobStateForwarding JobState = "forwarding"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// Dispatcher runs one job end to end on the least loaded worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload *JobPayload) (*JobResult, error)
}

// JobForwarder ships a payload to a worker and waits for its result.
type JobForwarder interface {
	Forward(ctx context.Context, endpoint WorkerEndpoint, payload *JobPayload) (*JobResult, error)
	Close() error
}

// TaskExecutor runs a staged job file inside workDir on a worker.
// A non-zero exit status is reported in the result, not as an error.
type TaskExecutor interface {
	Execute(ctx context.Context, scriptPath, workDir string) (*JobResult, error)
}
