// internal/domain/errors.go
package domain

import (
	"context"
	"errors"
)

var (
	// ErrMetricsUnavailable is returned when the metrics provider cannot be queried.
	ErrMetricsUnavailable = errors.New("metrics unavailable")
	// ErrNoWorkersAvailable is returned when no worker survives filtering.
	ErrNoWorkersAvailable = errors.New("no workers available")
	// ErrWorkerUnresolvable is returned when the selected worker vanished before forwarding.
	ErrWorkerUnresolvable = errors.New("worker unresolvable")
	// ErrDirectoryUnavailable is returned when the cluster's worker directory could not
	// answer a lookup, as opposed to answering that the worker is gone.
	ErrDirectoryUnavailable = errors.New("worker directory unavailable")
	// ErrWorkerUnreachable is returned on transport failures while forwarding.
	ErrWorkerUnreachable = errors.New("worker unreachable")
	// ErrWorkerFailed is returned when the worker answered with a protocol error instead of a result.
	ErrWorkerFailed = errors.New("worker failed")
	// ErrPayloadStagingFailed is returned when the payload could not be read or staged locally.
	ErrPayloadStagingFailed = errors.New("payload staging failed")
	// ErrPayloadTooLarge is returned when the upload exceeds the configured limit.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ErrorKind is the caller-visible failure class.
type ErrorKind string

const (
	KindMetricsUnavailable   ErrorKind = "MetricsUnavailable"
	KindNoWorkersAvailable   ErrorKind = "NoWorkersAvailable"
	KindWorkerUnresolvable   ErrorKind = "WorkerUnresolvable"
	KindDirectoryUnavailable ErrorKind = "DirectoryUnavailable"
	KindWorkerUnreachable    ErrorKind = "WorkerUnreachable"
	KindWorkerFailed         ErrorKind = "WorkerFailed"
	KindPayloadStagingFailed ErrorKind = "PayloadStagingFailed"
	KindPayloadTooLarge      ErrorKind = "PayloadTooLarge"
	KindCanceled             ErrorKind = "Canceled"
	KindInternal             ErrorKind = "Internal"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrMetricsUnavailable, KindMetricsUnavailable},
	{ErrNoWorkersAvailable, KindNoWorkersAvailable},
	{ErrWorkerUnresolvable, KindWorkerUnresolvable},
	{ErrDirectoryUnavailable, KindDirectoryUnavailable},
	{ErrWorkerUnreachable, KindWorkerUnreachable},
	{ErrWorkerFailed, KindWorkerFailed},
	{ErrPayloadTooLarge, KindPayloadTooLarge},
	{ErrPayloadStagingFailed, KindPayloadStagingFailed},
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindInternal
}
