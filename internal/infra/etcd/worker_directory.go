// internal/infra/etcd/worker_directory.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"proxy-dispatcher/internal/domain"
	"proxy-dispatcher/internal/metrics"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// WorkerKeyPrefix holds "host:port" per registered worker name.
	WorkerKeyPrefix = "/dispatcher/workers/"
	// UsageKeyPrefix holds the latest RawUsage JSON per worker name.
	UsageKeyPrefix = "/dispatcher/usage/"
)

// WorkerDirectory reads worker registrations and published usage from etcd.
// It serves as both the metrics source and the address resolver of the etcd backend.
type WorkerDirectory struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer

	mu      sync.RWMutex
	members map[string]string // worker name -> address
}

// NewWorkerDirectory creates a directory. Each etcd read is bounded by timeout.
func NewWorkerDirectory(kv clientv3.KV, watcher clientv3.Watcher, timeout time.Duration, logger *slog.Logger) *WorkerDirectory {
	return &WorkerDirectory{
		kv:      kv,
		watcher: watcher,
		timeout: timeout,
		logger:  logger.With("component", "worker-directory"),
		tracer:  otel.Tracer("proxy-dispatcher-etcd"),
		members: make(map[string]string),
	}
}

// FetchUsage lists the usage every live worker last published.
// Undecodable entries are returned with empty quantities so the snapshot drops them.
func (d *WorkerDirectory) FetchUsage(ctx context.Context) ([]domain.RawUsage, error) {
	ctx, span := d.tracer.Start(ctx, "etcd.FetchUsage")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.kv.Get(ctx, UsageKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list usage")
		return nil, fmt.Errorf("failed to list worker usage: %w", err)
	}

	usage := make([]domain.RawUsage, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), UsageKeyPrefix)
		var rec domain.RawUsage
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			d.logger.Warn("undecodable usage entry", "worker", name, "error", err)
			rec = domain.RawUsage{}
		}
		rec.Name = name
		usage = append(usage, rec)
	}
	span.SetAttributes(attribute.Int("etcd.usage_entries", len(usage)))
	return usage, nil
}

// Resolve reads the registered address of name.
func (d *WorkerDirectory) Resolve(ctx context.Context, name string) (domain.WorkerEndpoint, error) {
	getCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.kv.Get(getCtx, WorkerKeyPrefix+name)
	if err != nil {
		if ctx.Err() != nil {
			return domain.WorkerEndpoint{}, fmt.Errorf("read registration of %s aborted: %w", name, ctx.Err())
		}
		return domain.WorkerEndpoint{}, fmt.Errorf("%w: failed to read registration of %s: %w", domain.ErrDirectoryUnavailable, name, err)
	}
	if len(resp.Kvs) == 0 {
		return domain.WorkerEndpoint{}, fmt.Errorf("%w: %s is not registered", domain.ErrWorkerUnresolvable, name)
	}
	return ParseEndpoint(name, string(resp.Kvs[0].Value))
}

// ParseEndpoint parses a registered "host:port" value.
func ParseEndpoint(name, addr string) (domain.WorkerEndpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return domain.WorkerEndpoint{}, fmt.Errorf("%w: %s registered bad address %q: %w", domain.ErrWorkerUnresolvable, name, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 || host == "" {
		return domain.WorkerEndpoint{}, fmt.Errorf("%w: %s registered bad address %q", domain.ErrWorkerUnresolvable, name, addr)
	}
	return domain.WorkerEndpoint{Name: name, Host: host, Port: port}, nil
}

// WatchMembership logs workers joining and leaving and keeps the registered worker gauge current.
// This is a blocking call and should be run in a goroutine.
func (d *WorkerDirectory) WatchMembership(ctx context.Context) {
	d.logger.Info("starting to watch worker registrations")

	if err := d.loadMembers(ctx); err != nil {
		d.logger.Error("failed to load registered workers", "error", err)
	}

	for watchResp := range d.watcher.Watch(ctx, WorkerKeyPrefix, clientv3.WithPrefix()) {
		if err := watchResp.Err(); err != nil {
			d.logger.Warn("worker watch interrupted", "error", err)
			continue
		}
		d.mu.Lock()
		for _, event := range watchResp.Events {
			name := strings.TrimPrefix(string(event.Kv.Key), WorkerKeyPrefix)
			switch event.Type {
			case clientv3.EventTypePut:
				if _, ok := d.members[name]; !ok {
					d.logger.Info("worker registered", "worker", name, "addr", string(event.Kv.Value))
				}
				d.members[name] = string(event.Kv.Value)
			case clientv3.EventTypeDelete:
				d.logger.Info("worker deregistered", "worker", name, "addr", d.members[name])
				delete(d.members, name)
			}
		}
		metrics.RegisteredWorkers.Set(float64(len(d.members)))
		d.mu.Unlock()
	}
	d.logger.Info("stopped watching worker registrations")
}

func (d *WorkerDirectory) loadMembers(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.kv.Get(ctx, WorkerKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), WorkerKeyPrefix)
		d.logger.Info("found registered worker", "worker", name, "addr", string(kv.Value))
		d.members[name] = string(kv.Value)
	}
	metrics.RegisteredWorkers.Set(float64(len(d.members)))
	return nil
}

// Members returns the names of the workers currently known to be registered, sorted.
func (d *WorkerDirectory) Members() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.members))
	for name := range d.members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
