package pipeline

import (
	"fmt"
	"time"
)

// Phase represents a stage in a step's lifecycle
type Phase string

const (
	PhaseResolving Phase = "resolving"
	PhaseStarting  Phase = "starting"
	PhaseRunning   Phase = "running"
	PhaseComplete  Phase = "complete"
)

// ProgressCallback reports progress during a run
type ProgressCallback func(phase Phase, step, message string)

// ProgressReporter manages progress callbacks
type ProgressReporter struct {
	callback ProgressCallback
}

// NewProgressReporter creates a progress reporter
func NewProgressReporter() *ProgressReporter {
	return &ProgressReporter{}
}

// SetCallback sets the progress callback
func (p *ProgressReporter) SetCallback(cb ProgressCallback) {
	p.callback = cb
}

// Report sends a progress update
func (p *ProgressReporter) Report(phase Phase, step, message string) {
	if p.callback != nil {
		p.callback(phase, step, message)
	}
}

// ReportWithDuration reports progress with elapsed time
func (p *ProgressReporter) ReportWithDuration(phase Phase, step, message string, start time.Time) {
	elapsed := time.Since(start)
	if elapsed > 2*time.Second {
		message = fmt.Sprintf("%s (%ds)", message, int(elapsed.Seconds()))
	}
	p.Report(phase, step, message)
}
