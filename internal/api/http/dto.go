package http

import (
	"time"

	"optibatch/internal/domain"
)

// SubmitBatchRequest starts a batch from a job spec file readable by the
// server, optionally narrowing its symbols and date range.
type SubmitBatchRequest struct {
	SpecPath          string   `json:"spec_path" validate:"required"`
	BatchID           string   `json:"batch_id" validate:"omitempty,max=128,excludesall=/\\"`
	DryRun            bool     `json:"dry_run"`
	InactivityTimeout string   `json:"inactivity_timeout" validate:"omitempty,duration"`
	Symbols           []string `json:"symbols" validate:"omitempty,dive,required"`
	FromDate          string   `json:"from_date" validate:"omitempty,datetime=2006-01-02"`
	ToDate            string   `json:"to_date" validate:"omitempty,datetime=2006-01-02"`
}

// Apply folds the request overrides into spec and returns the options.
func (r *SubmitBatchRequest) Apply(spec *domain.JobSpec) domain.BatchOptions {
	if len(r.Symbols) > 0 {
		spec.Symbols = r.Symbols
	}
	if r.FromDate != "" {
		spec.FromDate, _ = time.Parse(time.DateOnly, r.FromDate)
	}
	if r.ToDate != "" {
		spec.ToDate, _ = time.Parse(time.DateOnly, r.ToDate)
	}
	timeout, _ := time.ParseDuration(r.InactivityTimeout)
	return domain.BatchOptions{
		BatchID:           r.BatchID,
		DryRun:            r.DryRun,
		InactivityTimeout: timeout,
	}
}

// SubmitBatchResponse carries the handle of an accepted batch.
type SubmitBatchResponse struct {
	BatchID string `json:"batch_id"`
	State   string `json:"state"`
}

// ListJobsQuery filters GET /jobs.
type ListJobsQuery struct {
	Expert string `form:"expert" validate:"omitempty,max=255"`
	Limit  int    `form:"limit" validate:"gte=0,lte=1000"`
	Offset int    `form:"offset" validate:"gte=0"`
}

func (q ListJobsQuery) ToFilter() domain.JobFilter {
	return domain.JobFilter{Expert: q.Expert, Limit: q.Limit, Offset: q.Offset}
}

// ListRunsQuery filters GET /runs.
type ListRunsQuery struct {
	JobID     string   `form:"job_id" validate:"omitempty,max=128"`
	Symbol    string   `form:"symbol" validate:"omitempty,max=64"`
	Month     string   `form:"month" validate:"omitempty,datetime=2006-01"`
	MinProfit *float64 `form:"min_profit"`
	Limit     int      `form:"limit" validate:"gte=0,lte=1000"`
	Offset    int      `form:"offset" validate:"gte=0"`
}

func (q ListRunsQuery) ToFilter() domain.RunFilter {
	limit := q.Limit
	if limit == 0 {
		limit = defaultRunLimit
	}
	return domain.RunFilter{
		JobID:     q.JobID,
		Symbol:    q.Symbol,
		Month:     q.Month,
		MinProfit: q.MinProfit,
		Limit:     limit,
		Offset:    q.Offset,
	}
}
