// internal/domain/repository.go
package domain

import "context"

// IngestSummary reports what one Ingest call did.
type IngestSummary struct {
	Inserted   int  `json:"inserted"`
	Duplicates int  `json:"duplicates"`
	JobCreated bool `json:"job_created"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Expert string
	Limit  int
	Offset int
}

// RunFilter narrows ListRuns. Zero values mean "no constraint".
type RunFilter struct {
	JobID     string
	Symbol    string
	Month     string
	MinProfit *float64
	Limit     int
	Offset    int
}

// ResultRepository persists deduplicated result rows and serves them back.
type ResultRepository interface {
	// Ingest stores the rows that are not already known, in one transaction
	// with the Job record.
	Ingest(ctx context.Context, rows []ResultRow, meta JobMetadata) (IngestSummary, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	GetRun(ctx context.Context, id uint) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
}
