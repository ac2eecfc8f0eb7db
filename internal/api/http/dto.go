package http

import (
	"net/http"
	"path/filepath"
	"strings"

	"proxy-dispatcher/internal/domain"

	"github.com/go-playground/validator/v10"
)

// DispatchRequest holds the request metadata that is validated before forwarding.
type DispatchRequest struct {
	Filename string `validate:"omitempty,max=255,basename"`
}

// DispatchResponse is the job result relayed to the caller.
type DispatchResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// NewDispatchResponse converts a domain.JobResult into its API form.
func NewDispatchResponse(res *domain.JobResult) DispatchResponse {
	return DispatchResponse{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
}

// ErrorResponse is written for every failed request.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Detail  string   `json:"detail,omitempty"`
	Details []string `json:"details,omitempty"`
	JobID   string   `json:"job_id,omitempty"`
}

// statusClientClosedRequest is used when the caller went away mid-dispatch.
const statusClientClosedRequest = 499

// StatusForKind maps an error kind to the HTTP status returned to the caller.
func StatusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindMetricsUnavailable, domain.KindDirectoryUnavailable, domain.KindWorkerUnreachable, domain.KindWorkerFailed:
		return http.StatusBadGateway
	case domain.KindNoWorkersAvailable, domain.KindWorkerUnresolvable:
		return http.StatusServiceUnavailable
	case domain.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case domain.KindCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func newValidator() *validator.Validate {
	validate := validator.New()

	// A filename hint must be a bare name; the worker decides where it is staged.
	_ = validate.RegisterValidation("basename", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		return name != "." && name != ".." && !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
	})

	return validate
}
