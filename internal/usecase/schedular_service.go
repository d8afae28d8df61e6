package usecase

import (
	"context"
	"errors"
	"log/slog"

	"optibatch/internal/domain"
)

// SchedularService registers configured schedules and runs the scheduler.
type SchedularService struct {
	schedular domain.Schedular
	schedules []domain.Schedule
	logger    *slog.Logger
}

func NewSchedularService(schedular domain.Schedular, schedules []domain.Schedule, logger *slog.Logger) *SchedularService {
	return &SchedularService{
		schedular: schedular,
		schedules: schedules,
		logger:    logger.With("component", "schedular-service"),
	}
}

// Start blocks until ctx is cancelled. A schedule that fails to register is
// logged and left out; the rest still run.
func (s *SchedularService) Start(ctx context.Context) error {
	if len(s.schedules) == 0 {
		s.logger.Info("no schedules configured")
		<-ctx.Done()
		return nil
	}

	registered := 0
	for i := range s.schedules {
		sched := s.schedules[i]
		if err := s.schedular.AddSchedule(&sched); err != nil {
			s.logger.Error("skipping schedule", "schedule", sched.Name, "error", err)
			continue
		}
		registered++
	}
	s.logger.Info("schedules registered", "count", registered, "configured", len(s.schedules))

	err := s.schedular.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
