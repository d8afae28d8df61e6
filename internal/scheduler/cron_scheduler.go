// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"optibatch/internal/domain"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Parser accepts six-field expressions with a leading seconds field.
var Parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronScheduler only triggers submissions; the batch service does the work.
type cronScheduler struct {
	cron      *cron.Cron
	submitter domain.BatchSubmitter
	loader    domain.JobSpecLoader
	mu        sync.Mutex
	entries   map[string]cron.EntryID
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewCronScheduler creates a scheduler that loads each schedule's job spec
// when it fires and submits it.
func NewCronScheduler(submitter domain.BatchSubmitter, loader domain.JobSpecLoader, logger *slog.Logger) domain.Schedular {
	return &cronScheduler{
		cron:      cron.New(cron.WithParser(Parser)),
		submitter: submitter,
		loader:    loader,
		entries:   make(map[string]cron.EntryID),
		logger:    logger.With("component", "cron-scheduler"),
		tracer:    otel.Tracer("optibatch-scheduler"),
	}
}

func (s *cronScheduler) Start(ctx context.Context) error {
	s.logger.Info("cron scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

// AddSchedule registers sched, replacing an entry with the same name.
func (s *cronScheduler) AddSchedule(sched *domain.Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[sched.Name]; ok {
		s.cron.Remove(entryID)
	}

	wrapper := &cronJobWrapper{
		schedule:  *sched,
		submitter: s.submitter,
		loader:    s.loader,
		logger:    s.logger.With("schedule", sched.Name),
		tracer:    s.tracer,
	}

	entryID, err := s.cron.AddJob(sched.CronExpr, wrapper)
	if err != nil {
		s.logger.Error("failed to add schedule to cron", "schedule", sched.Name, "error", err)
		return fmt.Errorf("schedule %s: %w", sched.Name, err)
	}

	s.entries[sched.Name] = entryID
	s.logger.Info("added schedule", "schedule", sched.Name, "cron_expr", sched.CronExpr, "spec", sched.SpecPath)
	return nil
}

func (s *cronScheduler) RemoveSchedule(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
		s.logger.Info("removed schedule", "schedule", name)
	}
	return nil
}

type cronJobWrapper struct {
	schedule  domain.Schedule
	submitter domain.BatchSubmitter
	loader    domain.JobSpecLoader
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Run is called by the cron library. The job spec is read on every firing so
// edits to the file apply to the next run.
func (w *cronJobWrapper) Run() {
	ctx, span := w.tracer.Start(context.Background(), "scheduler.Submit",
		trace.WithAttributes(
			attribute.String("schedule.name", w.schedule.Name),
			attribute.String("schedule.spec", w.schedule.SpecPath),
		))
	defer span.End()

	spec, err := w.loader.Load(w.schedule.SpecPath)
	if err != nil {
		w.logger.Error("failed to load job spec", "error", err)
		span.RecordError(err)
		return
	}

	id, err := w.submitter.Submit(ctx, spec, domain.BatchOptions{DryRun: w.schedule.DryRun})
	if err != nil {
		w.logger.Error("failed to submit batch", "error", err)
		span.RecordError(err)
		return
	}
	span.SetAttributes(attribute.String("batch.id", id))
	w.logger.Info("scheduled batch submitted", "batch_id", id)
}
