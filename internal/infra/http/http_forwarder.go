// internal/infra/http/http_forwarder.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"

	"proxy-dispatcher/internal/domain"
)

// workerReply is the JSON body returned by a worker's /reencrypt endpoint.
type workerReply struct {
	ReturnCode *int   `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// httpForwarder posts job files to workers as multipart uploads.
type httpForwarder struct {
	client *http.Client
	path   string
}

// NewHttpForwarder creates a forwarder sharing one pooled client across jobs.
// The client has no timeout: jobs may run for a long time and are bounded by the
// request context only.
func NewHttpForwarder(maxIdleConnsPerHost int) domain.JobForwarder {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = maxIdleConnsPerHost
	return &httpForwarder{
		client: &http.Client{Transport: transport},
		path:   "/reencrypt",
	}
}

// Forward streams the payload as the "file" field; nothing is buffered on disk.
func (f *httpForwarder) Forward(ctx context.Context, endpoint domain.WorkerEndpoint, payload *domain.JobPayload) (*domain.JobResult, error) {
	addr := endpoint.Address()
	body := &trackingReader{r: payload.Body}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", payload.Filename)
		if err == nil {
			_, err = io.Copy(part, body)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+f.path, pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Job-Id", payload.ID)

	resp, err := f.client.Do(req)
	if err != nil {
		if readErr := body.Err(); readErr != nil {
			return nil, fmt.Errorf("%w: reading upload: %w", domain.ErrPayloadStagingFailed, readErr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("forward to %s aborted: %w", addr, ctxErr)
		}
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrWorkerUnreachable, addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Read a small portion of the body for the error detail.
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: %s returned %s: %s", domain.ErrWorkerFailed, addr, resp.Status, bodyBytes)
	}

	var reply workerReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("forward to %s aborted: %w", addr, ctxErr)
		}
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: %s: malformed reply: %w", domain.ErrWorkerFailed, addr, err)
		}
		return nil, fmt.Errorf("%w: %s: reading reply: %w", domain.ErrWorkerUnreachable, addr, err)
	}
	if reply.ReturnCode == nil {
		return nil, fmt.Errorf("%w: %s: reply has no returncode", domain.ErrWorkerFailed, addr)
	}
	return &domain.JobResult{ExitCode: *reply.ReturnCode, Stdout: reply.Stdout, Stderr: reply.Stderr}, nil
}

// Close drops idle pooled connections.
func (f *httpForwarder) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// trackingReader remembers the first read error from the caller's upload so it
// can be told apart from a worker-side transport failure.
type trackingReader struct {
	r   io.Reader
	mu  sync.Mutex
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.mu.Lock()
		if t.err == nil {
			t.err = err
		}
		t.mu.Unlock()
	}
	return n, err
}

func (t *trackingReader) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
