// internal/domain/load.go
package domain

import (
	"context"
	"net"
	"strconv"
)

// RawUsage is one instance's usage exactly as the metrics provider reports it.
type RawUsage struct {
	Name   string `json:"name"`
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
}

// WorkerLoadSample is a worker's instantaneous load in canonical units.
type WorkerLoadSample struct {
	Name     string  `json:"name"`
	CPUCores float64 `json:"cpu_cores"`
	MemMiB   float64 `json:"mem_mib"`
}

// LoadSnapshot maps worker name to its load sample. It is rebuilt for every selection.
type LoadSnapshot map[string]WorkerLoadSample

// WorkerEndpoint is the network address of a resolved worker.
type WorkerEndpoint struct {
	Name string
	Host string
	Port int
}

// Address returns host:port, bracketing IPv6 hosts.
func (e WorkerEndpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// MetricsSource lists the current raw usage of every instance the provider knows about.
// Connectivity or decoding failures must be returned as errors, never as an empty list.
type MetricsSource interface {
	FetchUsage(ctx context.Context) ([]RawUsage, error)
}

// AddressResolver translates a worker name into its current endpoint.
// It returns ErrWorkerUnresolvable when the worker no longer exists.
type AddressResolver interface {
	Resolve(ctx context.Context, name string) (WorkerEndpoint, error)
}
