// internal/domain/record.go
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Job is the persisted record of one batch. It is created lazily, together
// with the first rows that survive deduplication.
type Job struct {
	ID                    string            `gorm:"primaryKey;type:varchar(128)" json:"id"`
	JobName               string            `gorm:"type:varchar(255);not null" json:"job_name"`
	ExpertName            string            `gorm:"type:varchar(255);index" json:"expert_name"`
	ExpertPath            string            `gorm:"type:varchar(500)" json:"expert_path"`
	StrategyVersion       string            `gorm:"type:varchar(64)" json:"strategy_version"`
	Model                 string            `gorm:"type:varchar(32)" json:"model"`
	Period                string            `gorm:"type:varchar(16)" json:"period"`
	OptimizationMode      string            `gorm:"type:varchar(32)" json:"optimization_mode"`
	OptimizationCriterion string            `gorm:"type:varchar(32)" json:"optimization_criterion"`
	Deposit               float64           `json:"deposit"`
	Currency              string            `gorm:"type:varchar(16)" json:"currency"`
	Leverage              string            `gorm:"type:varchar(32)" json:"leverage"`
	ForwardMode           string            `gorm:"type:varchar(16)" json:"forward_mode"`
	TesterInputs          datatypes.JSONMap `json:"tester_inputs"`
	ExecutionHost         string            `gorm:"type:varchar(255)" json:"execution_host"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`

	Runs []Run `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"runs,omitempty"`
}

// ReviewStatus tracks manual triage of a stored run.
type ReviewStatus string

const (
	ReviewStatusNew      ReviewStatus = "new"
	ReviewStatusReviewed ReviewStatus = "reviewed"
)

// Run is one persisted result row. Runs are append-only and unique by
// ResultHash.
type Run struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	JobID          string         `gorm:"type:varchar(128);not null;index" json:"job_id"`
	Symbol         string         `gorm:"type:varchar(64);not null;index" json:"symbol"`
	Period         string         `gorm:"type:varchar(16)" json:"period"`
	StartDate      time.Time      `json:"start_date"`
	EndDate        time.Time      `json:"end_date"`
	RunMonth       string         `gorm:"type:varchar(7);index" json:"run_month"`
	IsFullMonth    bool           `json:"is_full_month"`
	PassNumber     int            `json:"pass_number"`
	Result         float64        `json:"result"`
	Profit         float64        `gorm:"index" json:"profit"`
	Drawdown       float64        `json:"drawdown"`
	Trades         int            `json:"trades"`
	SharpeRatio    float64        `json:"sharpe_ratio"`
	ProfitFactor   float64        `json:"profit_factor"`
	RecoveryFactor float64        `json:"recovery_factor"`
	ExpectedPayoff float64        `json:"expected_payoff"`
	CustomScore    float64        `json:"custom_score"`
	Params         datatypes.JSON `json:"params"`
	ResultHash     string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"result_hash"`
	Tags           datatypes.JSON `json:"tags"`
	Notes          string         `gorm:"type:text" json:"notes"`
	Label          string         `gorm:"type:varchar(64)" json:"label"`
	Status         ReviewStatus   `gorm:"type:varchar(16);default:new" json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// DecodeParams returns the stored input parameters as typed values.
func (r *Run) DecodeParams() (Params, error) {
	params := Params{}
	if len(r.Params) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(r.Params, &params); err != nil {
		return nil, fmt.Errorf("decode params of run %d: %w", r.ID, err)
	}
	return params, nil
}

// JobMetadata accompanies a batch of rows on ingestion and becomes the Job
// record when the first row is stored.
type JobMetadata struct {
	JobID                 string
	JobName               string
	ExpertName            string
	ExpertPath            string
	StrategyVersion       string
	Model                 string
	Period                string
	OptimizationMode      string
	OptimizationCriterion string
	Deposit               float64
	Currency              string
	Leverage              string
	ForwardMode           string
	TesterInputs          map[string]string
	ExecutionHost         string
	// FullMonth marks rows of a month-split batch.
	FullMonth bool
}

// Validate rejects metadata that cannot form a Job record.
func (m JobMetadata) Validate() error {
	if m.JobID == "" {
		return NewValidationError("job_id", "must not be empty")
	}
	if len(m.JobID) > 128 {
		return NewValidationError("job_id", "longer than 128 characters")
	}
	if m.ExpertName == "" {
		return NewValidationError("expert_name", "must not be empty")
	}
	if m.Deposit < 0 {
		return NewValidationError("deposit", "must not be negative")
	}
	return nil
}

// MetadataFromSpec builds ingestion metadata for a batch.
func MetadataFromSpec(jobID string, spec JobSpec) JobMetadata {
	name := spec.Name
	if name == "" {
		name = jobID
	}
	return JobMetadata{
		JobID:                 jobID,
		JobName:               name,
		ExpertName:            spec.ExpertName(),
		ExpertPath:            spec.ExpertPath,
		StrategyVersion:       spec.StrategyVersion,
		Model:                 spec.Model,
		Period:                spec.Period,
		OptimizationMode:      spec.Optimization,
		OptimizationCriterion: spec.OptimizationCriterion,
		Deposit:               spec.Deposit,
		Currency:              spec.Currency,
		Leverage:              spec.Leverage,
		ForwardMode:           spec.ForwardMode,
		TesterInputs:          spec.TesterInputs(),
		FullMonth:             spec.SplitMonths,
	}
}
