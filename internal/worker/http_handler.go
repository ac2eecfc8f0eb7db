// internal/worker/http_handler.go
package worker

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// httpResult is the JSON reply of POST /reencrypt.
type httpResult struct {
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// RegisterRoutes exposes POST /reencrypt (multipart field "file") next to the gRPC service.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/reencrypt", s.handleExecute)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	jobID := r.Header.Get("X-Job-Id")
	if jobID == "" {
		jobID = uuid.NewString()
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			http.Error(w, "multipart field 'file' is required", http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if part.FormName() != "file" {
			continue
		}

		job, err := s.stager.Create(jobID, part.FileName())
		if err != nil {
			s.logger.Error("failed to stage job", "job_id", jobID, "error", err)
			http.Error(w, "Failed to save file", http.StatusInternalServerError)
			return
		}
		defer job.Cleanup()

		if _, err := io.Copy(job, part); err != nil {
			s.logger.Error("failed to receive job file", "job_id", jobID, "error", err)
			http.Error(w, "Failed to save file", http.StatusInternalServerError)
			return
		}
		if err := job.Close(); err != nil {
			http.Error(w, "Failed to save file", http.StatusInternalServerError)
			return
		}

		result := s.run(r.Context(), jobID, job)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(httpResult{
			ReturnCode: result.ExitCode,
			Stdout:     result.Stdout,
			Stderr:     result.Stderr,
		})
		return
	}
}
