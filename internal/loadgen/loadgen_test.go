package loadgen

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestPercentile(t *testing.T) {
	ten := make([]time.Duration, 10)
	for i := range ten {
		ten[i] = time.Duration(i+1) * time.Millisecond
	}
	tests := []struct {
		name   string
		sorted []time.Duration
		p      float64
		want   time.Duration
	}{
		{"empty", nil, 0.5, 0},
		{"single p50", []time.Duration{7}, 0.5, 7},
		{"single p99", []time.Duration{7}, 0.99, 7},
		{"three p50", []time.Duration{1, 2, 3}, 0.5, 2},
		{"ten p50", ten, 0.5, 5 * time.Millisecond},
		{"ten p95", ten, 0.95, 10 * time.Millisecond},
		{"ten p99", ten, 0.99, 10 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := Percentile(tt.sorted, tt.p); got != tt.want {
			t.Fatalf("%s: Percentile = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRunnerCountsOutcomesAndCapsConcurrency(t *testing.T) {
	var inFlight, peak, calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&inFlight, 1)
		defer atomic.AddInt64(&inFlight, -1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(file)
		if header.Filename != DefaultFilename || string(body) != "print('x')" {
			http.Error(w, "unexpected upload", http.StatusBadRequest)
			return
		}
		time.Sleep(5 * time.Millisecond)
		if atomic.AddInt64(&calls, 1)%4 == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"exit_code":0}`))
	}))
	defer srv.Close()

	r := NewRunner(srv.URL, []byte("print('x')"), 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	res, err := r.Run(context.Background(), 20, 3)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Total != 20 || res.Success != 15 || res.Failed != 5 {
		t.Fatalf("total/success/failed = %d/%d/%d", res.Total, res.Success, res.Failed)
	}
	if res.Failures["status 503"] != 5 {
		t.Fatalf("failures = %v", res.Failures)
	}
	if len(res.Latencies) != 15 {
		t.Fatalf("latencies = %d", len(res.Latencies))
	}
	for i := 1; i < len(res.Latencies); i++ {
		if res.Latencies[i] < res.Latencies[i-1] {
			t.Fatal("latencies are not sorted")
		}
	}
	if p := atomic.LoadInt64(&peak); p > 3 {
		t.Fatalf("peak concurrency %d exceeds limit 3", p)
	}
	if res.Throughput() <= 0 {
		t.Fatalf("throughput = %v", res.Throughput())
	}
}

func TestRunnerUnreachableTarget(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := NewRunner(url, []byte("x"), 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	res, err := r.Run(context.Background(), 4, 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success != 0 || res.Failed != 4 || res.Percentile(0.5) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunnerRejectsBadArguments(t *testing.T) {
	r := NewRunner("http://127.0.0.1:1", nil, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := r.Run(context.Background(), 10, 0); err == nil {
		t.Fatal("expected error for zero concurrency")
	}
}

func TestRender(t *testing.T) {
	res := &Result{
		Total:     3,
		Success:   2,
		Failed:    1,
		Elapsed:   2 * time.Second,
		Latencies: []time.Duration{10 * time.Millisecond, 30 * time.Millisecond},
		Failures:  map[string]int{"status 502": 1},
	}
	out := Render(res)
	for _, want := range []string{"Load Test Results", "Successful", "1.0 req/s", "10.0 ms", "30.0 ms", "status 502"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}
