// internal/domain/schedule.go
package domain

import (
	"context"
	"fmt"
)

// Schedule re-runs a saved job specification on a cron expression.
// Reruns are safe because ingestion is idempotent.
type Schedule struct {
	Name     string `json:"name" mapstructure:"name"`
	CronExpr string `json:"cron_expr" mapstructure:"cron_expr"`
	SpecPath string `json:"spec_path" mapstructure:"spec_path"`
	DryRun   bool   `json:"dry_run" mapstructure:"dry_run"`
}

// Validate checks if the schedule definition is usable.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name cannot be empty")
	}
	if s.CronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	if s.SpecPath == "" {
		return fmt.Errorf("spec path cannot be empty for schedule %s", s.Name)
	}
	return nil
}

// Schedular triggers batch submissions on a timetable.
type Schedular interface {
	// Start runs the scheduler until ctx is cancelled.
	Start(ctx context.Context) error
	AddSchedule(s *Schedule) error
	RemoveSchedule(name string) error
}
