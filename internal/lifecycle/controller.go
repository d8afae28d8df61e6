// Package lifecycle drives one tester run: pre-check, launch, log
// monitoring and outcome classification.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"optibatch/internal/domain"
	"optibatch/internal/report"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	markerFinished         = "optimization finished"
	markerAlreadyProcessed = "already processed"

	DefaultPollInterval      = 2 * time.Second
	DefaultInactivityTimeout = 10 * time.Minute
)

// State is a step of the per-unit state machine.
type State string

const (
	StateIdle             State = "IDLE"
	StateLaunching        State = "LAUNCHING"
	StateMonitoring       State = "MONITORING"
	StateCompleted        State = "COMPLETED"
	StateAlreadyProcessed State = "ALREADY_PROCESSED"
	StateTimedOut         State = "TIMED_OUT"
)

// Config holds what the controller needs to know about the terminal.
type Config struct {
	TerminalPath string
	LogDir       string
	PollInterval time.Duration
}

// Controller runs units one at a time. It is not safe for concurrent use.
type Controller struct {
	cfg       Config
	procs     domain.ProcessManager
	collector domain.ReportCollector
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewController creates a Controller. collector may be nil when the tester
// writes reports straight to the unit report path.
func NewController(cfg Config, procs domain.ProcessManager, collector domain.ReportCollector, logger *slog.Logger) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Controller{
		cfg:       cfg,
		procs:     procs,
		collector: collector,
		logger:    logger.With("component", "lifecycle-controller"),
		tracer:    otel.Tracer("optibatch-lifecycle"),
		now:       time.Now,
	}
}

// Execute runs unit to a terminal state. TimedOut is reported in the
// outcome, not as an error. Cancelling ctx terminates the launched process
// and returns the context error.
func (c *Controller) Execute(ctx context.Context, unit domain.ConfigUnit, inactivityTimeout time.Duration) (domain.RunOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.Execute", trace.WithAttributes(
		attribute.String("unit.name", unit.Name),
		attribute.String("unit.symbol", unit.Symbol),
	))
	defer span.End()

	if inactivityTimeout <= 0 {
		inactivityTimeout = DefaultInactivityTimeout
	}
	started := c.now()
	outcome := domain.RunOutcome{Unit: unit.Name}
	logger := c.logger.With("unit", unit.Name)

	// IDLE
	done, err := report.IsComplete(unit.ReportPath)
	if err != nil {
		span.RecordError(err)
		return outcome, fmt.Errorf("check existing report %s: %w", unit.ReportPath, err)
	}
	if done {
		outcome.Status = domain.RunStatusCompleted
		outcome.ReportPath = unit.ReportPath
		outcome.Elapsed = c.now().Sub(started)
		logger.Info("report already present, skipping launch", "state", StateCompleted)
		return outcome, nil
	}

	// LAUNCHING
	logger.Info("launching tester", "state", StateLaunching, "config", unit.ConfigPath)
	killed, err := c.procs.TerminateByPath(ctx, c.cfg.TerminalPath)
	if err != nil {
		logger.Warn("failed to terminate running terminals", "error", err)
	} else if killed > 0 {
		logger.Info("terminated running terminals", "count", killed)
	}

	marker := c.now()
	tailer := NewTailer(c.cfg.LogDir, marker)
	if err := tailer.Prime(); err != nil {
		logger.Warn("failed to prime log tail", "error", err)
	}

	proc, err := c.procs.Start(ctx, c.cfg.TerminalPath, "/config:"+unit.ConfigPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "launch failed")
		return outcome, fmt.Errorf("launch tester for %s: %w", unit.Name, err)
	}
	outcome.Launched = true
	span.SetAttributes(attribute.Int("process.pid", proc.PID()))

	// MONITORING
	status, err := c.monitor(ctx, tailer, marker, inactivityTimeout, logger)
	outcome.Elapsed = c.now().Sub(started)
	if err != nil {
		if terr := proc.Terminate(); terr != nil {
			logger.Warn("failed to terminate tester", "error", terr)
		}
		span.RecordError(err)
		return outcome, err
	}
	outcome.Status = status
	span.SetAttributes(attribute.String("unit.status", string(status)))

	if status == domain.RunStatusTimedOut {
		if terr := proc.Terminate(); terr != nil {
			logger.Warn("failed to terminate tester", "error", terr)
		}
		logger.Warn("tester went quiet, giving up", "state", StateTimedOut,
			"inactivity_timeout", inactivityTimeout.String(), "elapsed", outcome.Elapsed.String())
		return outcome, nil
	}

	if c.collector != nil {
		if err := c.collector.Collect(ctx, unit); err != nil {
			span.RecordError(err)
			return outcome, fmt.Errorf("collect report for %s: %w", unit.Name, err)
		}
	}
	outcome.ReportPath = unit.ReportPath
	outcome.Elapsed = c.now().Sub(started)
	logger.Info("unit finished", "state", stateOf(status), "elapsed", outcome.Elapsed.String())
	return outcome, nil
}

func (c *Controller) monitor(ctx context.Context, tailer *Tailer, marker time.Time, timeout time.Duration, logger *slog.Logger) (domain.RunStatus, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	lastActivity := c.now()
	logger.Debug("monitoring tester log", "state", StateMonitoring, "log_dir", c.cfg.LogDir)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		lines, err := tailer.Poll()
		if err != nil {
			logger.Warn("failed to read tester log", "error", err)
		}
		for _, line := range lines {
			if !line.HasTime || !line.Time.After(marker) {
				continue
			}
			lastActivity = c.now()
			if status, ok := classify(line.Text); ok {
				logger.Debug("completion marker seen", "line", line.Text)
				return status, nil
			}
		}
		if c.now().Sub(lastActivity) >= timeout {
			return domain.RunStatusTimedOut, nil
		}
	}
}

// classify matches the completion phrases case-insensitively.
func classify(line string) (domain.RunStatus, bool) {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, markerAlreadyProcessed):
		return domain.RunStatusAlreadyProcessed, true
	case strings.Contains(lower, markerFinished):
		return domain.RunStatusCompleted, true
	}
	return "", false
}

func stateOf(status domain.RunStatus) State {
	switch status {
	case domain.RunStatusAlreadyProcessed:
		return StateAlreadyProcessed
	case domain.RunStatusTimedOut:
		return StateTimedOut
	default:
		return StateCompleted
	}
}

// IsCancellation reports whether err came from batch cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
