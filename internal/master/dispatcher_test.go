package master

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"proxy-dispatcher/internal/domain"
)

type fakeResolver struct {
	hosts map[string]string
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, name string) (domain.WorkerEndpoint, error) {
	if f.err != nil {
		return domain.WorkerEndpoint{}, f.err
	}
	host, ok := f.hosts[name]
	if !ok {
		return domain.WorkerEndpoint{}, domain.ErrWorkerUnresolvable
	}
	return domain.WorkerEndpoint{Name: name, Host: host, Port: 50052}, nil
}

type fakeForwarder struct {
	mu       sync.Mutex
	result   *domain.JobResult
	err      error
	targets  []string
	payloads []string
	inflight func() int
	seen     []int
	block    bool
	closed   bool
}

func (f *fakeForwarder) Forward(ctx context.Context, endpoint domain.WorkerEndpoint, payload *domain.JobPayload) (*domain.JobResult, error) {
	body, err := io.ReadAll(payload.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.targets = append(f.targets, endpoint.Address())
	f.payloads = append(f.payloads, string(body))
	if f.inflight != nil {
		f.seen = append(f.seen, f.inflight())
	}
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.result, f.err
}

func (f *fakeForwarder) Close() error {
	f.closed = true
	return nil
}

func twoWorkerSource() *fakeMetricsSource {
	return &fakeMetricsSource{records: []domain.RawUsage{
		{Name: "proxy-worker-a", CPU: "900m", Memory: "256Mi"},
		{Name: "proxy-worker-b", CPU: "100m", Memory: "512Mi"},
		{Name: "proxy-master", CPU: "0", Memory: "1Mi"},
	}}
}

func newTestDispatcher(src domain.MetricsSource, resolver domain.AddressResolver, fwd domain.JobForwarder) (*Dispatcher, *InFlightTracker) {
	inflight := NewInFlightTracker()
	return NewDispatcher(newTestSnapshotSource(src), NewSelector(nil), resolver, fwd, inflight, discardLogger()), inflight
}

func newPayload(body string) *domain.JobPayload {
	return &domain.JobPayload{ID: "job-1", Filename: "request.py", Body: strings.NewReader(body)}
}

func TestDispatchForwardsToLeastLoadedWorker(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string]string{"proxy-worker-a": "10.0.0.1", "proxy-worker-b": "10.0.0.2"}}
	fwd := &fakeForwarder{result: &domain.JobResult{ExitCode: 3, Stdout: "out", Stderr: "boom"}}
	d, inflight := newTestDispatcher(twoWorkerSource(), resolver, fwd)
	fwd.inflight = func() int { return inflight.Count("proxy-worker-b") }

	res, err := d.Dispatch(context.Background(), newPayload("print('hi')"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.ExitCode != 3 || res.Stdout != "out" || res.Stderr != "boom" {
		t.Fatalf("result not relayed verbatim: %+v", res)
	}
	if len(fwd.targets) != 1 || fwd.targets[0] != "10.0.0.2:50052" {
		t.Fatalf("forwarded to %v, want 10.0.0.2:50052", fwd.targets)
	}
	if fwd.payloads[0] != "print('hi')" {
		t.Fatalf("payload = %q", fwd.payloads[0])
	}
	if fwd.seen[0] != 1 {
		t.Fatalf("in-flight count during forward = %d, want 1", fwd.seen[0])
	}
	if n := inflight.Count("proxy-worker-b"); n != 0 {
		t.Fatalf("in-flight count after dispatch = %d, want 0", n)
	}
}

func TestDispatchFailures(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string]string{"proxy-worker-a": "10.0.0.1", "proxy-worker-b": "10.0.0.2"}}

	tests := []struct {
		name     string
		source   *fakeMetricsSource
		resolver domain.AddressResolver
		fwd      *fakeForwarder
		want     error
	}{
		{
			name:     "metrics provider down",
			source:   &fakeMetricsSource{err: errors.New("dial tcp: connection refused")},
			resolver: resolver,
			fwd:      &fakeForwarder{},
			want:     domain.ErrMetricsUnavailable,
		},
		{
			name:     "no matching workers",
			source:   &fakeMetricsSource{records: []domain.RawUsage{{Name: "coredns", CPU: "1m", Memory: "10Mi"}}},
			resolver: resolver,
			fwd:      &fakeForwarder{},
			want:     domain.ErrNoWorkersAvailable,
		},
		{
			name:     "worker vanished",
			source:   twoWorkerSource(),
			resolver: &fakeResolver{hosts: map[string]string{}},
			fwd:      &fakeForwarder{},
			want:     domain.ErrWorkerUnresolvable,
		},
		{
			name:     "resolver backend error",
			source:   twoWorkerSource(),
			resolver: &fakeResolver{err: errors.New("etcdserver: request timed out")},
			fwd:      &fakeForwarder{},
			want:     domain.ErrDirectoryUnavailable,
		},
		{
			name:     "unclassified transport error",
			source:   twoWorkerSource(),
			resolver: resolver,
			fwd:      &fakeForwarder{err: errors.New("connection reset by peer")},
			want:     domain.ErrWorkerUnreachable,
		},
		{
			name:     "worker refused the job",
			source:   twoWorkerSource(),
			resolver: resolver,
			fwd:      &fakeForwarder{err: domain.ErrWorkerFailed},
			want:     domain.ErrWorkerFailed,
		},
		{
			name:     "payload read failure",
			source:   twoWorkerSource(),
			resolver: resolver,
			fwd:      &fakeForwarder{err: domain.ErrPayloadStagingFailed},
			want:     domain.ErrPayloadStagingFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, inflight := newTestDispatcher(tt.source, tt.resolver, tt.fwd)
			res, err := d.Dispatch(context.Background(), newPayload("x"))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if res != nil {
				t.Fatalf("expected no result, got %+v", res)
			}
			if n := inflight.Count("proxy-worker-b"); n != 0 {
				t.Fatalf("in-flight count leaked: %d", n)
			}
		})
	}
}

func TestDispatchDoesNotRetry(t *testing.T) {
	src := twoWorkerSource()
	resolver := &fakeResolver{hosts: map[string]string{"proxy-worker-a": "10.0.0.1", "proxy-worker-b": "10.0.0.2"}}
	fwd := &fakeForwarder{err: errors.New("connection reset by peer")}
	d, _ := newTestDispatcher(src, resolver, fwd)

	if _, err := d.Dispatch(context.Background(), newPayload("x")); err == nil {
		t.Fatal("expected error")
	}
	if src.calls != 1 || len(fwd.targets) != 1 {
		t.Fatalf("expected one snapshot and one forward, got %d and %d", src.calls, len(fwd.targets))
	}
}

func TestDispatchCallerCancellation(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string]string{"proxy-worker-a": "10.0.0.1", "proxy-worker-b": "10.0.0.2"}}
	fwd := &fakeForwarder{block: true}
	d, _ := newTestDispatcher(twoWorkerSource(), resolver, fwd)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, newPayload("x"))
		done <- err
	}()
	cancel()

	err := <-done
	if domain.KindOf(err) != domain.KindCanceled {
		t.Fatalf("expected a canceled dispatch, got %v", err)
	}
}

func TestDispatcherCloseReleasesForwarder(t *testing.T) {
	fwd := &fakeForwarder{}
	d, _ := newTestDispatcher(twoWorkerSource(), &fakeResolver{}, fwd)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fwd.closed {
		t.Fatal("forwarder was not closed")
	}
}
