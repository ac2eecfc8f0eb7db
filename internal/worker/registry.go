// internal/worker/registry.go
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proxy-dispatcher/internal/domain"
	"proxy-dispatcher/internal/infra/etcd"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const maxReregisterInterval = 30 * time.Second

// Registry registers the worker in etcd and publishes its usage under the same lease,
// so both keys disappear together when the worker stops refreshing it.
// If the lease is lost while the worker is still running, the registry grants a
// new one and writes both keys again.
type Registry struct {
	kv     clientv3.KV
	lease  clientv3.Lease
	logger *slog.Logger

	retryInterval time.Duration

	mu        sync.Mutex
	leaseID   clientv3.LeaseID
	name      string
	addr      string
	ttl       int64
	lastUsage string
	stopKeep  context.CancelFunc
}

// NewRegistry creates a worker registry. A *clientv3.Client serves as both kv and lease.
func NewRegistry(kv clientv3.KV, lease clientv3.Lease, logger *slog.Logger) *Registry {
	return &Registry{
		kv:            kv,
		lease:         lease,
		logger:        logger.With("component", "worker-registry"),
		retryInterval: time.Second,
	}
}

// Register announces name at addr with a lease of ttl seconds and keeps the lease alive.
func (r *Registry) Register(ctx context.Context, name, addr string, ttl int64) error {
	keepCtx, stop := context.WithCancel(context.Background())
	leaseID, keepAliveCh, err := r.establish(ctx, keepCtx, name, addr, ttl, "")
	if err != nil {
		stop()
		return err
	}

	r.mu.Lock()
	r.leaseID = leaseID
	r.name = name
	r.addr = addr
	r.ttl = ttl
	r.lastUsage = ""
	r.stopKeep = stop
	r.mu.Unlock()

	go r.maintain(keepCtx, keepAliveCh)

	r.logger.Info("worker registered", "key", etcd.WorkerKeyPrefix+name, "addr", addr, "ttl", ttl)
	return nil
}

// establish grants a lease, writes the registration (and usage, if any) under it
// and starts refreshing it until keepCtx is done.
func (r *Registry) establish(ctx, keepCtx context.Context, name, addr string, ttl int64, usage string) (clientv3.LeaseID, <-chan *clientv3.LeaseKeepAliveResponse, error) {
	leaseResp, err := r.lease.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to grant lease: %w", err)
	}
	if _, err := r.kv.Put(ctx, etcd.WorkerKeyPrefix+name, addr, clientv3.WithLease(leaseResp.ID)); err != nil {
		return 0, nil, fmt.Errorf("failed to put worker registration key: %w", err)
	}
	if usage != "" {
		if _, err := r.kv.Put(ctx, etcd.UsageKeyPrefix+name, usage, clientv3.WithLease(leaseResp.ID)); err != nil {
			return 0, nil, fmt.Errorf("failed to put usage key: %w", err)
		}
	}
	keepAliveCh, err := r.lease.KeepAlive(keepCtx, leaseResp.ID)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to start keep-alive: %w", err)
	}
	return leaseResp.ID, keepAliveCh, nil
}

// maintain drains keep-alive responses and re-registers whenever the channel
// closes before keepCtx is done.
func (r *Registry) maintain(keepCtx context.Context, keepAliveCh <-chan *clientv3.LeaseKeepAliveResponse) {
	for {
		for ka := range keepAliveCh {
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		if keepCtx.Err() != nil {
			return
		}
		r.logger.Warn("keep-alive channel closed, re-registering worker")

		ch, ok := r.reregister(keepCtx)
		if !ok {
			return
		}
		keepAliveCh = ch
	}
}

func (r *Registry) reregister(keepCtx context.Context) (<-chan *clientv3.LeaseKeepAliveResponse, bool) {
	wait := r.retryInterval
	for {
		r.mu.Lock()
		name, addr, ttl, usage := r.name, r.addr, r.ttl, r.lastUsage
		r.mu.Unlock()
		if name == "" {
			return nil, false
		}

		leaseID, ch, err := r.establish(keepCtx, keepCtx, name, addr, ttl, usage)
		if err == nil {
			r.mu.Lock()
			current := r.name == name && keepCtx.Err() == nil
			if current {
				r.leaseID = leaseID
			}
			r.mu.Unlock()
			if !current {
				// Deregistered while the new lease was being set up.
				revokeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				r.lease.Revoke(revokeCtx, leaseID)
				cancel()
				return nil, false
			}
			r.logger.Info("worker re-registered", "key", etcd.WorkerKeyPrefix+name, "lease_id", leaseID)
			return ch, true
		}

		r.logger.Warn("failed to re-register worker, retrying", "error", err, "retry_in", wait)
		select {
		case <-keepCtx.Done():
			return nil, false
		case <-time.After(wait):
		}
		wait = min(wait*2, maxReregisterInterval)
	}
}

// PublishUsage stores usage under the registration lease.
func (r *Registry) PublishUsage(ctx context.Context, usage domain.RawUsage) error {
	r.mu.Lock()
	name := r.name
	r.mu.Unlock()
	if name == "" {
		return fmt.Errorf("worker is not registered")
	}

	usage.Name = name
	value, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("failed to encode usage: %w", err)
	}

	r.mu.Lock()
	r.lastUsage = string(value)
	leaseID := r.leaseID
	r.mu.Unlock()

	if _, err := r.kv.Put(ctx, etcd.UsageKeyPrefix+name, string(value), clientv3.WithLease(leaseID)); err != nil {
		return fmt.Errorf("failed to put usage key: %w", err)
	}
	return nil
}

// Deregister revokes the lease, which deletes the registration and usage keys.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	leaseID, name, stop := r.leaseID, r.name, r.stopKeep
	r.name = ""
	r.mu.Unlock()
	if name == "" {
		return nil
	}

	r.logger.Info("deregistering worker", "worker", name)
	stop()
	if _, err := r.lease.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}
