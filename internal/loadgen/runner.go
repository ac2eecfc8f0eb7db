// internal/loadgen/runner.go
package loadgen

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultFilename is the filename hint sent with every upload.
const DefaultFilename = "request.py"

// Result summarizes one load test run.
type Result struct {
	Total   int
	Success int
	Failed  int
	Elapsed time.Duration
	// Latencies of the successful requests, ascending.
	Latencies []time.Duration
	// Failures counts failed requests by reason.
	Failures map[string]int
}

// Throughput is successful requests per second.
func (r *Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Success) / r.Elapsed.Seconds()
}

// Percentile returns the p-th percentile (0 < p <= 1) of the successful latencies.
func (r *Result) Percentile(p float64) time.Duration {
	return Percentile(r.Latencies, p)
}

// Runner replays one payload against the dispatcher.
type Runner struct {
	client   *http.Client
	url      string
	payload  []byte
	filename string
	logger   *slog.Logger
}

// NewRunner creates a runner whose client keeps at most concurrency connections to the target.
func NewRunner(url string, payload []byte, concurrency int, logger *slog.Logger) *Runner {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = concurrency
	transport.MaxIdleConnsPerHost = concurrency
	return &Runner{
		client:   &http.Client{Transport: transport},
		url:      url,
		payload:  payload,
		filename: DefaultFilename,
		logger:   logger.With("component", "loadgen"),
	}
}

// Run sends total requests with at most concurrency in flight. Only transport and
// setup errors count as failures besides non-2xx replies; Run itself fails only on bad arguments.
func (r *Runner) Run(ctx context.Context, total, concurrency int) (*Result, error) {
	if total < 0 || concurrency < 1 {
		return nil, fmt.Errorf("invalid run: total=%d concurrency=%d", total, concurrency)
	}

	var (
		mu  sync.Mutex
		res = &Result{Total: total, Failures: make(map[string]int)}
	)
	record := func(latency time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Failed++
			res.Failures[err.Error()]++
			return
		}
		res.Success++
		res.Latencies = append(res.Latencies, latency)
	}

	r.logger.Info("load test started", "url", r.url, "total", total, "concurrency", concurrency, "payload_bytes", len(r.payload))
	var g errgroup.Group
	g.SetLimit(concurrency)
	start := time.Now()
	for i := 0; i < total; i++ {
		g.Go(func() error {
			began := time.Now()
			err := r.send(ctx)
			record(time.Since(began), err)
			return nil
		})
	}
	g.Wait()
	res.Elapsed = time.Since(start)
	r.client.CloseIdleConnections()

	sort.Slice(res.Latencies, func(i, j int) bool { return res.Latencies[i] < res.Latencies[j] })
	r.logger.Info("load test finished", "success", res.Success, "failed", res.Failed, "elapsed", res.Elapsed)
	return res, nil
}

func (r *Runner) send(ctx context.Context) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", r.filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(r.payload); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", ctxErrOr(ctx, err))
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// ctxErrOr keeps failure reasons short when the run was interrupted.
func ctxErrOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
