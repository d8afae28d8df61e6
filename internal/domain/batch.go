// internal/domain/batch.go
package domain

import (
	"context"
	"time"
)

// BatchState is the lifecycle state of a submitted batch.
type BatchState string

const (
	BatchStatePending   BatchState = "pending"
	BatchStateRunning   BatchState = "running"
	BatchStateCompleted BatchState = "completed"
	BatchStateFailed    BatchState = "failed"
	BatchStateCancelled BatchState = "cancelled"
)

// Done reports whether the batch reached a terminal state.
func (s BatchState) Done() bool {
	return s == BatchStateCompleted || s == BatchStateFailed || s == BatchStateCancelled
}

// BatchOptions tune a single submission.
type BatchOptions struct {
	// BatchID resumes an existing batch folder instead of creating one.
	BatchID string
	// DryRun generates configs and launches nothing.
	DryRun bool
	// InactivityTimeout overrides the configured timeout when positive.
	InactivityTimeout time.Duration
}

// UnitReport is the per-unit line of a batch status.
type UnitReport struct {
	Unit       string    `json:"unit"`
	Symbol     string    `json:"symbol"`
	Status     RunStatus `json:"status,omitempty"`
	Launched   bool      `json:"launched"`
	Inserted   int       `json:"inserted"`
	Duplicates int       `json:"duplicates"`
	Discarded  int       `json:"discarded"`
	Skipped    bool      `json:"skipped,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// BatchStatus is a snapshot of a batch's progress.
type BatchStatus struct {
	ID             string       `json:"id"`
	State          BatchState   `json:"state"`
	Dir            string       `json:"dir"`
	Expert         string       `json:"expert"`
	DryRun         bool         `json:"dry_run"`
	SubmittedAt    time.Time    `json:"submitted_at"`
	StartedAt      time.Time    `json:"started_at,omitempty"`
	FinishedAt     time.Time    `json:"finished_at,omitempty"`
	UnitsTotal     int          `json:"units_total"`
	UnitsDone      int          `json:"units_done"`
	Launches       int          `json:"launches"`
	Inserted       int          `json:"inserted"`
	Duplicates     int          `json:"duplicates"`
	Discarded      int          `json:"discarded"`
	SkippedSymbols []string     `json:"skipped_symbols,omitempty"`
	Units          []UnitReport `json:"units"`
	Error          string       `json:"error,omitempty"`
}

// BatchSubmitter accepts batches for asynchronous execution.
type BatchSubmitter interface {
	Submit(ctx context.Context, spec JobSpec, opts BatchOptions) (string, error)
}

// JobSpecLoader reads a job specification document from disk.
type JobSpecLoader interface {
	Load(path string) (JobSpec, error)
}
