// internal/api/http/dispatch_handler.go
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"proxy-dispatcher/internal/domain"
	"proxy-dispatcher/internal/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// uploadField is the multipart field carrying the job payload.
const uploadField = "file"

// DispatchHandler serves the public job submission API.
type DispatchHandler struct {
	dispatcher      domain.Dispatcher
	maxPayloadBytes int64
	logger          *slog.Logger
	validate        *validator.Validate
	tracer          trace.Tracer
}

// NewDispatchHandler creates a handler. Uploads larger than maxPayloadBytes are rejected with 413.
func NewDispatchHandler(dispatcher domain.Dispatcher, maxPayloadBytes int64, logger *slog.Logger) *DispatchHandler {
	return &DispatchHandler{
		dispatcher:      dispatcher,
		maxPayloadBytes: maxPayloadBytes,
		logger:          logger.With("component", "dispatch-handler"),
		validate:        newValidator(),
		tracer:          otel.Tracer("proxy-dispatcher-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the dispatch and health routes to the http.ServeMux.
func (h *DispatchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/reencrypt", h.instrument("/reencrypt", h.handleDispatch))
	mux.Handle("/healthz", h.instrument("/healthz", h.handleHealth))
}

func (h *DispatchHandler) instrument(path string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleDispatch streams the uploaded file to the least loaded worker (POST /reencrypt).
func (h *DispatchHandler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "handler.Dispatch")
	defer span.End()

	jobID := uuid.NewString()
	span.SetAttributes(attribute.String("job.id", jobID))
	w.Header().Set("X-Job-Id", jobID)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayloadBytes)
	part, err := h.uploadPart(r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Invalid upload")
		if errors.Is(err, domain.ErrPayloadTooLarge) {
			h.writeError(w, jobID, err)
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "BadRequest", Detail: err.Error(), JobID: jobID})
		return
	}
	defer part.Close()

	req := DispatchRequest{Filename: part.FileName()}
	if err := h.validate.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Validation failed")
		var validationErrors []string
		for _, err := range err.(validator.ValidationErrors) {
			validationErrors = append(validationErrors,
				"Field '"+err.Field()+"' failed on the '"+err.Tag()+"' tag.",
			)
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: validationErrors, JobID: jobID})
		return
	}
	span.SetAttributes(attribute.String("job.filename", req.Filename))

	result, err := h.dispatcher.Dispatch(ctx, &domain.JobPayload{
		ID:       jobID,
		Filename: req.Filename,
		Body:     sizeLimitedReader{part},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Dispatch failed")
		h.writeError(w, jobID, err)
		return
	}

	writeJSON(w, http.StatusOK, NewDispatchResponse(result))
}

// uploadPart advances the multipart stream to the upload field without buffering the file.
func (h *DispatchHandler) uploadPart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("expected a multipart/form-data upload: %w", err)
	}
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("missing %q field", uploadField)
		}
		if err != nil {
			return nil, tooLarge(fmt.Errorf("malformed multipart body: %w", err))
		}
		if p.FormName() == uploadField {
			return p, nil
		}
		p.Close()
	}
}

func (h *DispatchHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *DispatchHandler) writeError(w http.ResponseWriter, jobID string, err error) {
	kind := domain.KindOf(err)
	status := StatusForKind(kind)
	if status >= 500 {
		h.logger.Error("dispatch failed", "job_id", jobID, "kind", kind, "error", err)
	} else {
		h.logger.Warn("dispatch rejected", "job_id", jobID, "kind", kind, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: string(kind), Detail: err.Error(), JobID: jobID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sizeLimitedReader marks reads that hit the body limit as ErrPayloadTooLarge.
type sizeLimitedReader struct {
	r io.Reader
}

func (s sizeLimitedReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		err = tooLarge(err)
	}
	return n, err
}

func tooLarge(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: limit is %d bytes: %w", domain.ErrPayloadTooLarge, maxErr.Limit, err)
	}
	return err
}
