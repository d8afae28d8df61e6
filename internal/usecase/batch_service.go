package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"optibatch/internal/domain"
	"optibatch/internal/lifecycle"
	"optibatch/internal/logging"
	"optibatch/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	batchIDLayout   = "20060102_150405"
	currentConfig   = "current_config.ini"
	batchLogFile    = "run.log"
	unlockTimeout   = 5 * time.Second
	outcomeError    = "error"
	outcomeSkipped  = "skipped"
	outcomeNoResult = "no_rows"
)

// ConfigGenerator expands a job spec into written config units.
type ConfigGenerator interface {
	Plan(spec domain.JobSpec, batchDir string) ([]domain.ConfigUnit, error)
	Generate(ctx context.Context, spec domain.JobSpec, batchDir string) ([]domain.ConfigUnit, error)
}

// UnitRunner drives one unit to a terminal state.
type UnitRunner interface {
	Execute(ctx context.Context, unit domain.ConfigUnit, inactivityTimeout time.Duration) (domain.RunOutcome, error)
}

// BatchConfig holds the orchestrator settings.
type BatchConfig struct {
	WorkDir           string
	InactivityTimeout time.Duration
	ExecutionHost     string
}

type batch struct {
	spec   domain.JobSpec
	opts   domain.BatchOptions
	status domain.BatchStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// BatchService runs batches one at a time: generate configs, run every
// unit, ingest every report.
type BatchService struct {
	cfg       BatchConfig
	generator ConfigGenerator
	runner    UnitRunner
	ingest    *IngestService
	collector domain.ReportCollector
	locker    domain.Locker
	logger    *slog.Logger
	tracer    trace.Tracer

	runMu   sync.Mutex
	mu      sync.RWMutex
	batches map[string]*batch
	wg      sync.WaitGroup
}

// NewBatchService creates a BatchService. collector may be nil.
func NewBatchService(cfg BatchConfig, generator ConfigGenerator, runner UnitRunner, ingest *IngestService,
	collector domain.ReportCollector, locker domain.Locker, logger *slog.Logger) *BatchService {
	return &BatchService{
		cfg:       cfg,
		generator: generator,
		runner:    runner,
		ingest:    ingest,
		collector: collector,
		locker:    locker,
		logger:    logger.With("component", "batch-service"),
		tracer:    otel.Tracer("optibatch-usecase"),
		batches:   make(map[string]*batch),
	}
}

// Submit validates spec and queues it. The batch outlives ctx; use Cancel
// to stop it. The returned handle is the batch id.
func (s *BatchService) Submit(ctx context.Context, spec domain.JobSpec, opts domain.BatchOptions) (string, error) {
	_, span := s.tracer.Start(ctx, "service.SubmitBatch")
	defer span.End()

	if err := spec.Validate(); err != nil {
		span.RecordError(err)
		return "", err
	}

	id, err := s.batchID(spec, opts)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("batch.id", id))

	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := &batch{
		spec:   spec,
		opts:   opts,
		cancel: cancel,
		done:   make(chan struct{}),
		status: domain.BatchStatus{
			ID:          id,
			State:       domain.BatchStatePending,
			Dir:         filepath.Join(s.cfg.WorkDir, id),
			Expert:      spec.ExpertName(),
			DryRun:      opts.DryRun,
			SubmittedAt: time.Now().UTC(),
		},
	}

	s.mu.Lock()
	if prev, ok := s.batches[id]; ok && !prev.status.State.Done() {
		s.mu.Unlock()
		cancel()
		return "", fmt.Errorf("batch %s is already %s", id, prev.status.State)
	}
	s.batches[id] = b
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(bctx, b)

	s.logger.Info("batch submitted", "batch_id", id, "expert", b.status.Expert, "symbols", len(spec.Symbols), "dry_run", opts.DryRun)
	return id, nil
}

func (s *BatchService) batchID(spec domain.JobSpec, opts domain.BatchOptions) (string, error) {
	if opts.BatchID != "" {
		if opts.BatchID != filepath.Base(opts.BatchID) || opts.BatchID == "." || opts.BatchID == ".." {
			return "", domain.NewValidationError("batch_id", "must be a plain folder name")
		}
		return opts.BatchID, nil
	}
	id := time.Now().Format(batchIDLayout) + "_" + spec.ExpertName()
	if _, err := os.Stat(filepath.Join(s.cfg.WorkDir, id)); err == nil {
		id += "_" + uuid.NewString()[:8]
	}
	s.mu.RLock()
	_, taken := s.batches[id]
	s.mu.RUnlock()
	if taken {
		id += "_" + uuid.NewString()[:8]
	}
	return id, nil
}

// Status returns a snapshot of the batch.
func (s *BatchService) Status(id string) (domain.BatchStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return domain.BatchStatus{}, domain.ErrBatchNotFound
	}
	return snapshot(b.status), nil
}

// List returns snapshots of every batch known to this process, newest first.
func (s *BatchService) List() []domain.BatchStatus {
	s.mu.RLock()
	out := make([]domain.BatchStatus, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, snapshot(b.status))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// Wait blocks until the batch finishes or ctx is done.
func (s *BatchService) Wait(ctx context.Context, id string) (domain.BatchStatus, error) {
	s.mu.RLock()
	b, ok := s.batches[id]
	s.mu.RUnlock()
	if !ok {
		return domain.BatchStatus{}, domain.ErrBatchNotFound
	}
	select {
	case <-b.done:
		return s.Status(id)
	case <-ctx.Done():
		st, _ := s.Status(id)
		return st, ctx.Err()
	}
}

// Cancel stops the batch. The running unit's process is terminated.
func (s *BatchService) Cancel(id string) error {
	s.mu.RLock()
	b, ok := s.batches[id]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrBatchNotFound
	}
	b.cancel()
	return nil
}

// Run submits spec and waits for it. Cancelling ctx cancels the batch.
func (s *BatchService) Run(ctx context.Context, spec domain.JobSpec, opts domain.BatchOptions) (domain.BatchStatus, error) {
	id, err := s.Submit(ctx, spec, opts)
	if err != nil {
		return domain.BatchStatus{}, err
	}
	st, err := s.Wait(ctx, id)
	if err != nil {
		_ = s.Cancel(id)
		st, _ = s.Wait(context.Background(), id)
		return st, err
	}
	return st, nil
}

// Shutdown cancels every batch and waits for them to stop.
func (s *BatchService) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, b := range s.batches {
		b.cancel()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BatchService) update(b *batch, fn func(st *domain.BatchStatus)) {
	s.mu.Lock()
	fn(&b.status)
	s.mu.Unlock()
}

func snapshot(st domain.BatchStatus) domain.BatchStatus {
	st.Units = append([]domain.UnitReport(nil), st.Units...)
	st.SkippedSymbols = append([]string(nil), st.SkippedSymbols...)
	return st
}

func (s *BatchService) execute(ctx context.Context, b *batch) {
	defer s.wg.Done()
	defer close(b.done)
	defer b.cancel()

	s.runMu.Lock()
	defer s.runMu.Unlock()

	id := b.status.ID
	ctx, span := s.tracer.Start(ctx, "service.RunBatch", trace.WithAttributes(
		attribute.String("batch.id", id),
		attribute.String("batch.expert", b.status.Expert),
	))
	defer span.End()

	logger := s.logger.With("batch_id", id)
	state := domain.BatchStateCompleted
	var runErr error
	var logFile io.Closer

	defer func() {
		if r := recover(); r != nil {
			logger.Error("batch panicked", "panic", r)
			span.SetStatus(codes.Error, "panic")
			runErr = fmt.Errorf("panic: %v", r)
			state = domain.BatchStateCompleted
		}
		s.finish(b, state, runErr, logger)
		if runErr != nil {
			span.RecordError(runErr)
		}
		// run.log stays open until the final record is written.
		if logFile != nil {
			if err := logFile.Close(); err != nil {
				s.logger.Warn("failed to close batch log", "batch_id", id, "error", err)
			}
		}
	}()

	if ctx.Err() != nil {
		state = domain.BatchStateCancelled
		return
	}
	s.update(b, func(st *domain.BatchStatus) {
		st.State = domain.BatchStateRunning
		st.StartedAt = time.Now().UTC()
	})
	metrics.BatchRunning.Set(1)
	defer metrics.BatchRunning.Set(0)

	lock, err := s.locker.Lock(ctx, domain.BatchLockName)
	if err != nil {
		state, runErr = domain.BatchStateFailed, fmt.Errorf("acquire batch lock: %w", err)
		return
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if err := lock.Unlock(uctx); err != nil {
			logger.Warn("failed to release batch lock", "error", err)
		}
	}()

	if err := os.MkdirAll(b.status.Dir, 0o755); err != nil {
		state, runErr = domain.BatchStateFailed, fmt.Errorf("create batch folder: %w", err)
		return
	}
	batchLogger, closer, err := logging.WithFile(logger, filepath.Join(b.status.Dir, batchLogFile))
	if err != nil {
		logger.Warn("batch log file unavailable", "error", err)
	} else {
		logger, logFile = batchLogger, closer
	}

	state, runErr = s.runUnits(ctx, b, logger)
}

func (s *BatchService) runUnits(ctx context.Context, b *batch, logger *slog.Logger) (domain.BatchState, error) {
	spec, dir := b.spec, b.status.Dir

	if err := copyIfAbsent(spec.TemplatePath, filepath.Join(dir, currentConfig)); err != nil {
		return domain.BatchStateFailed, &domain.ConfigError{Path: spec.TemplatePath, Err: err}
	}
	if err := WriteManifest(dir, spec); err != nil {
		return domain.BatchStateFailed, fmt.Errorf("write manifest: %w", err)
	}

	units, err := s.generator.Generate(ctx, spec, dir)
	if err != nil {
		if lifecycle.IsCancellation(err) {
			return domain.BatchStateCancelled, nil
		}
		return domain.BatchStateFailed, err
	}
	s.update(b, func(st *domain.BatchStatus) {
		st.UnitsTotal = len(units)
		st.Units = make([]domain.UnitReport, len(units))
		for i, u := range units {
			st.Units[i] = domain.UnitReport{Unit: u.Name, Symbol: u.Symbol}
		}
	})
	if len(units) == 0 {
		logger.Warn("batch has no units to run")
		return domain.BatchStateCompleted, nil
	}
	if b.opts.DryRun {
		logger.Info("dry run, configs generated", "units", len(units), "dir", dir)
		return domain.BatchStateCompleted, nil
	}

	if s.collector != nil {
		defer func() {
			if n, err := s.collector.Cleanup(); err != nil {
				logger.Warn("failed to clean orphaned reports", "error", err)
			} else if n > 0 {
				logger.Info("cleaned orphaned reports", "count", n)
			}
		}()
	}

	timeout := s.cfg.InactivityTimeout
	if b.opts.InactivityTimeout > 0 {
		timeout = b.opts.InactivityTimeout
	}
	meta := domain.MetadataFromSpec(b.status.ID, spec)
	meta.ExecutionHost = s.cfg.ExecutionHost
	types := spec.TypeMap()

	index := make(map[string]int, len(units))
	for i, u := range units {
		index[u.Name] = i
	}
	for _, symbol := range spec.Symbols {
		symUnits := unitsFor(units, symbol)
		skip := false
		for _, u := range symUnits {
			if ctx.Err() != nil {
				return domain.BatchStateCancelled, nil
			}
			i := index[u.Name]
			if skip {
				s.update(b, func(st *domain.BatchStatus) {
					st.Units[i].Skipped = true
					st.UnitsDone++
				})
				metrics.UnitOutcomesTotal.WithLabelValues(symbol, outcomeSkipped).Inc()
				continue
			}

			ok, err := s.runUnit(ctx, b, i, u, timeout, types, meta, logger)
			if err != nil {
				if lifecycle.IsCancellation(err) {
					return domain.BatchStateCancelled, nil
				}
				return domain.BatchStateFailed, err
			}
			if !ok {
				skip = true
				logger.Warn("skipping remaining units of symbol", "symbol", symbol, "after", u.Name)
				s.update(b, func(st *domain.BatchStatus) {
					st.SkippedSymbols = append(st.SkippedSymbols, symbol)
				})
			}
		}
	}
	return domain.BatchStateCompleted, nil
}

// runUnit executes and ingests one unit. It returns ok=false when the rest
// of the symbol should be skipped, and an error only when the whole batch
// must stop.
func (s *BatchService) runUnit(ctx context.Context, b *batch, i int, u domain.ConfigUnit, timeout time.Duration,
	types domain.TypeMap, meta domain.JobMetadata, logger *slog.Logger) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "service.RunUnit", trace.WithAttributes(attribute.String("unit.name", u.Name)))
	defer span.End()

	logger = logger.With("unit", u.Name, "symbol", u.Symbol)
	fail := func(outcome string, err error) {
		s.update(b, func(st *domain.BatchStatus) {
			st.Units[i].Error = err.Error()
			st.UnitsDone++
		})
		metrics.UnitOutcomesTotal.WithLabelValues(u.Symbol, outcome).Inc()
		span.RecordError(err)
	}

	out, err := s.runner.Execute(ctx, u, timeout)
	if out.Launched {
		metrics.TesterLaunchesTotal.Inc()
		metrics.UnitDuration.Observe(out.Elapsed.Seconds())
	}
	s.update(b, func(st *domain.BatchStatus) {
		st.Units[i].Launched = out.Launched
		st.Units[i].Status = out.Status
		if out.Launched {
			st.Launches++
		}
	})
	if err != nil {
		if lifecycle.IsCancellation(err) {
			return false, err
		}
		logger.Error("unit failed", "error", err)
		fail(outcomeError, err)
		return false, nil
	}
	if out.Status == domain.RunStatusTimedOut {
		logger.Warn("unit timed out")
		fail(string(out.Status), errors.New("tester inactivity timeout"))
		return false, nil
	}

	res, err := s.ingest.IngestReport(ctx, out.ReportPath, types, meta)
	if err != nil {
		var perr *domain.ParseError
		if errors.As(err, &perr) {
			logger.Error("report extraction failed", "error", err)
			fail(outcomeError, err)
			return false, nil
		}
		fail(outcomeError, err)
		return false, err
	}

	s.update(b, func(st *domain.BatchStatus) {
		st.Units[i].Inserted = res.Inserted
		st.Units[i].Duplicates = res.Duplicates
		st.Units[i].Discarded = res.Discarded
		st.Inserted += res.Inserted
		st.Duplicates += res.Duplicates
		st.Discarded += res.Discarded
		st.UnitsDone++
	})
	if res.Rows == 0 {
		logger.Warn("report has no usable rows", "discarded", res.Discarded)
		metrics.UnitOutcomesTotal.WithLabelValues(u.Symbol, outcomeNoResult).Inc()
		return false, nil
	}
	metrics.UnitOutcomesTotal.WithLabelValues(u.Symbol, string(out.Status)).Inc()
	logger.Info("unit ingested", "status", out.Status, "launched", out.Launched,
		"inserted", res.Inserted, "duplicates", res.Duplicates, "discarded", res.Discarded)
	return true, nil
}

func (s *BatchService) finish(b *batch, state domain.BatchState, err error, logger *slog.Logger) {
	s.update(b, func(st *domain.BatchStatus) {
		st.State = state
		st.FinishedAt = time.Now().UTC()
		if err != nil {
			st.Error = err.Error()
		}
	})
	metrics.BatchesTotal.WithLabelValues(string(state)).Inc()
	st, _ := s.Status(b.status.ID)
	attrs := []any{
		"state", state,
		"units", st.UnitsTotal,
		"launches", st.Launches,
		"inserted", st.Inserted,
		"duplicates", st.Duplicates,
		"discarded", st.Discarded,
		"skipped_symbols", st.SkippedSymbols,
	}
	if err != nil {
		logger.Error("batch finished with error", append(attrs, "error", err)...)
		return
	}
	logger.Info("batch finished", attrs...)
}

// unitsFor returns the units of symbol sorted by name.
func unitsFor(units []domain.ConfigUnit, symbol string) []domain.ConfigUnit {
	var out []domain.ConfigUnit
	for _, u := range units {
		if u.Symbol == symbol {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func copyIfAbsent(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
