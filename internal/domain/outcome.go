// internal/domain/outcome.go
package domain

import "time"

// RunStatus is the terminal state of a unit's lifecycle.
type RunStatus string

const (
	RunStatusCompleted        RunStatus = "completed"
	RunStatusAlreadyProcessed RunStatus = "already_processed"
	RunStatusTimedOut         RunStatus = "timed_out"
)

// RunOutcome is what the lifecycle controller reports for one unit.
type RunOutcome struct {
	Unit       string        `json:"unit"`
	Status     RunStatus     `json:"status"`
	ReportPath string        `json:"report_path,omitempty"`
	Launched   bool          `json:"launched"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Succeeded reports whether a report can be expected for the unit.
func (o RunOutcome) Succeeded() bool {
	return o.Status == RunStatusCompleted || o.Status == RunStatusAlreadyProcessed
}
