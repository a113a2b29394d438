package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// StepStatus classifies the outcome of a single step.
type StepStatus string

const (
	StepOK           StepStatus = "ok"
	StepFailed       StepStatus = "failed"
	StepSkipped      StepStatus = "skipped"
	StepMissingInput StepStatus = "input-missing"
)

// StepRecord is the persisted outcome of one step.
type StepRecord struct {
	Name      string     `json:"name"`
	Command   []string   `json:"command"`
	Status    StepStatus `json:"status"`
	ExitCode  int        `json:"exit_code"`
	StartedAt time.Time  `json:"started_at,omitempty"`
	Duration  string     `json:"duration,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// RunRecord is the persisted outcome of one pipeline run.
type RunRecord struct {
	ID         string       `json:"id"`
	ConfigPath string       `json:"config_path"`
	Workdir    string       `json:"workdir"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Status     StepStatus   `json:"status"`
	Steps      []StepRecord `json:"steps"`
}

// NewRunRecord starts a record for a fresh run.
func NewRunRecord(configPath, workdir string) *RunRecord {
	return &RunRecord{
		ID:         uuid.NewString(),
		ConfigPath: configPath,
		Workdir:    workdir,
		StartedAt:  time.Now().UTC(),
		Status:     StepOK,
	}
}

// Recorder persists run records as JSON files in a directory.
type Recorder struct {
	Dir string
}

// NewRecorder creates a recorder rooted at dir (created on first write).
func NewRecorder(dir string) *Recorder {
	return &Recorder{Dir: dir}
}

// Write persists the record atomically and returns the file path.
func (r *Recorder) Write(rec *RunRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("run record is nil")
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create runs dir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode run record: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(r.Dir, rec.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write run record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize run record: %w", err)
	}
	return path, nil
}
