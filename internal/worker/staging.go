// internal/worker/staging.go
package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Stager places each incoming job file in its own temporary directory, so
// concurrent jobs never share a path.
type Stager struct {
	baseDir string
	ext     string
}

// NewStager creates a stager under baseDir (os.TempDir() when empty). Filenames
// lacking ext get it appended.
func NewStager(baseDir, ext string) *Stager {
	return &Stager{baseDir: baseDir, ext: ext}
}

// StagedJob is an open job file inside a private directory.
type StagedJob struct {
	Dir  string
	Path string
	file *os.File
}

// Create makes the job directory and opens the job file for writing.
func (s *Stager) Create(jobID, filename string) (*StagedJob, error) {
	dir, err := os.MkdirTemp(s.baseDir, "job-"+safeID(jobID)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	path := filepath.Join(dir, s.scriptName(filename))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to create job file: %w", err)
	}
	return &StagedJob{Dir: dir, Path: path, file: f}, nil
}

// Write appends payload bytes to the job file.
func (j *StagedJob) Write(p []byte) (int, error) {
	return j.file.Write(p)
}

// Close finishes writing; the file stays on disk until Cleanup.
func (j *StagedJob) Close() error {
	return j.file.Close()
}

// Cleanup removes the job directory.
func (j *StagedJob) Cleanup() error {
	_ = j.file.Close()
	return os.RemoveAll(j.Dir)
}

func (s *Stager) scriptName(filename string) string {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." {
		name = "job"
	}
	if s.ext != "" && !strings.HasSuffix(name, s.ext) {
		name += s.ext
	}
	return name
}

func safeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
		if b.Len() >= 64 {
			break
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}
