package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"proxy-dispatcher/internal/domain"
	"proxy-dispatcher/internal/infra/etcd"

	clientv3 "go.etcd.io/etcd/client/v3"
)

type fakeKV struct {
	clientv3.KV
	mu     sync.Mutex
	puts   map[string]string
	counts map[string]int
}

func (f *fakeKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = map[string]string{}
		f.counts = map[string]int{}
	}
	f.puts[key] = val
	f.counts[key]++
	return &clientv3.PutResponse{}, nil
}

func (f *fakeKV) putCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key]
}

// fakeLease hands out lease IDs from 42 upward. Keep-alive channels close when their
// context ends or when the test drops them.
type fakeLease struct {
	clientv3.Lease
	mu            sync.Mutex
	granted       []int64
	revoked       []clientv3.LeaseID
	grantErr      error
	grantFailures int
	keepAlives    []func()
}

func (f *fakeLease) Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grantErr != nil {
		return nil, f.grantErr
	}
	if f.grantFailures > 0 {
		f.grantFailures--
		return nil, errors.New("etcdserver: no leader")
	}
	f.granted = append(f.granted, ttl)
	return &clientv3.LeaseGrantResponse{ID: clientv3.LeaseID(41 + len(f.granted)), TTL: ttl}, nil
}

func (f *fakeLease) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	var once sync.Once
	drop := func() { once.Do(func() { close(ch) }) }
	go func() {
		<-ctx.Done()
		drop()
	}()
	f.mu.Lock()
	f.keepAlives = append(f.keepAlives, drop)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeLease) Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	return &clientv3.LeaseRevokeResponse{}, nil
}

// dropKeepAlive closes the i-th keep-alive channel, as the client does when a lease expires.
func (f *fakeLease) dropKeepAlive(i int) {
	f.mu.Lock()
	drop := f.keepAlives[i]
	f.mu.Unlock()
	drop()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryLifecycle(t *testing.T) {
	kv, lease := &fakeKV{}, &fakeLease{}
	reg := NewRegistry(kv, lease, discardLogger())

	if err := reg.PublishUsage(context.Background(), domain.RawUsage{CPU: "1m", Memory: "1Ki"}); err == nil {
		t.Fatal("publishing before registration should fail")
	}

	if err := reg.Register(context.Background(), "proxy-worker-a", "10.0.0.1:50052", 10); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := kv.puts[etcd.WorkerKeyPrefix+"proxy-worker-a"]; got != "10.0.0.1:50052" {
		t.Fatalf("registration value = %q", got)
	}
	if len(lease.granted) != 1 || lease.granted[0] != 10 {
		t.Fatalf("granted leases = %v", lease.granted)
	}

	if err := reg.PublishUsage(context.Background(), domain.RawUsage{CPU: "250m", Memory: "2048Ki"}); err != nil {
		t.Fatalf("PublishUsage: %v", err)
	}
	var usage domain.RawUsage
	if err := json.Unmarshal([]byte(kv.puts[etcd.UsageKeyPrefix+"proxy-worker-a"]), &usage); err != nil {
		t.Fatalf("usage value: %v", err)
	}
	if usage != (domain.RawUsage{Name: "proxy-worker-a", CPU: "250m", Memory: "2048Ki"}) {
		t.Fatalf("usage = %+v", usage)
	}

	if err := reg.Deregister(context.Background()); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if len(lease.revoked) != 1 || lease.revoked[0] != 42 {
		t.Fatalf("revoked leases = %v", lease.revoked)
	}
	if err := reg.Deregister(context.Background()); err != nil || len(lease.revoked) != 1 {
		t.Fatalf("second Deregister should be a no-op, got %v and %v", err, lease.revoked)
	}
}

func TestRegistryGrantFailure(t *testing.T) {
	reg := NewRegistry(&fakeKV{}, &fakeLease{grantErr: errors.New("etcdserver: no leader")}, discardLogger())
	if err := reg.Register(context.Background(), "proxy-worker-a", "10.0.0.1:50052", 10); err == nil {
		t.Fatal("expected error")
	}
}

func TestRegistryReregistersAfterLeaseLoss(t *testing.T) {
	kv, lease := &fakeKV{}, &fakeLease{}
	reg := NewRegistry(kv, lease, discardLogger())
	reg.retryInterval = time.Millisecond

	if err := reg.Register(context.Background(), "proxy-worker-a", "10.0.0.1:50052", 10); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.PublishUsage(context.Background(), domain.RawUsage{CPU: "250m", Memory: "2048Ki"}); err != nil {
		t.Fatalf("PublishUsage: %v", err)
	}

	// the first attempt after the outage fails, the second succeeds
	lease.mu.Lock()
	lease.grantFailures = 1
	lease.mu.Unlock()
	lease.dropKeepAlive(0)

	deadline := time.Now().Add(5 * time.Second)
	for {
		reg.mu.Lock()
		id := reg.leaseID
		reg.mu.Unlock()
		if id == 43 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker not re-registered, lease is still %d", id)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := kv.putCount(etcd.WorkerKeyPrefix + "proxy-worker-a"); n != 2 {
		t.Fatalf("registration key written %d times, want 2", n)
	}
	if n := kv.putCount(etcd.UsageKeyPrefix + "proxy-worker-a"); n != 2 {
		t.Fatalf("usage key written %d times, want 2", n)
	}

	if err := reg.Deregister(context.Background()); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	lease.mu.Lock()
	defer lease.mu.Unlock()
	if len(lease.revoked) != 1 || lease.revoked[0] != 43 {
		t.Fatalf("revoked leases = %v", lease.revoked)
	}
	if len(lease.keepAlives) != 2 {
		t.Fatalf("keep-alive started %d times, want 2", len(lease.keepAlives))
	}
}

func TestRegistryStopsQuietlyOnDeregister(t *testing.T) {
	kv, lease := &fakeKV{}, &fakeLease{}
	reg := NewRegistry(kv, lease, discardLogger())
	if err := reg.Register(context.Background(), "proxy-worker-a", "10.0.0.1:50052", 10); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Deregister(context.Background()); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	// the keep-alive goroutine sees a cancelled context and must not grant again
	time.Sleep(20 * time.Millisecond)
	lease.mu.Lock()
	defer lease.mu.Unlock()
	if len(lease.granted) != 1 {
		t.Fatalf("granted leases = %v", lease.granted)
	}
}
