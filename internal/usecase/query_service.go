package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"optibatch/internal/domain"
	"optibatch/internal/infra/inifile"
	"optibatch/internal/infra/textenc"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tester header keys in the order the terminal writes them.
var testerHeaderOrder = []string{
	"Expert",
	"Symbol",
	"Period",
	"Optimization",
	"Model",
	"FromDate",
	"ToDate",
	"ForwardMode",
	"Deposit",
	"Currency",
	"ProfitInPips",
	"Leverage",
	"ExecutionMode",
	"OptimizationCriterion",
}

// QueryService reads stored jobs and runs.
type QueryService struct {
	repo     domain.ResultRepository
	encoding textenc.Encoding
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewQueryService creates a new QueryService. Exported configs are encoded
// with enc.
func NewQueryService(repo domain.ResultRepository, enc textenc.Encoding, logger *slog.Logger) *QueryService {
	return &QueryService{
		repo:     repo,
		encoding: enc,
		logger:   logger.With("component", "query-service"),
		tracer:   otel.Tracer("optibatch-usecase"),
	}
}

func (s *QueryService) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListJobs")
	defer span.End()

	jobs, err := s.repo.ListJobs(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list jobs failed")
		return nil, err
	}
	return jobs, nil
}

func (s *QueryService) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetJob", trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return job, nil
}

func (s *QueryService) ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.Run, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListRuns")
	defer span.End()

	runs, err := s.repo.ListRuns(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list runs failed")
		return nil, err
	}
	return runs, nil
}

func (s *QueryService) GetRun(ctx context.Context, id uint) (*domain.Run, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetRun", trace.WithAttributes(attribute.Int("run.id", int(id))))
	defer span.End()

	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return run, nil
}

// ExportedConfig is a tester config rebuilt from a stored run.
type ExportedConfig struct {
	FileName string
	Document *inifile.Document
	Data     []byte
}

// ExportConfig rebuilds the tester config that reproduces run id: the job's
// header with the run's symbol and window, and every input's default
// replaced by the value the run used.
func (s *QueryService) ExportConfig(ctx context.Context, id uint) (*ExportedConfig, error) {
	ctx, span := s.tracer.Start(ctx, "service.ExportConfig", trace.WithAttributes(attribute.Int("run.id", int(id))))
	defer span.End()

	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	job, err := s.repo.GetJob(ctx, run.JobID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("job of run %d: %w", id, err)
	}
	params, err := run.DecodeParams()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	doc := BuildRunConfig(job, run, params)
	data, err := doc.Encode(s.encoding)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	name := ExportFileName(job, run)
	s.logger.Debug("exported run config", "run_id", id, "file", name)
	return &ExportedConfig{FileName: name, Document: doc, Data: data}, nil
}

// BuildRunConfig assembles the [Tester] and [TesterInputs] sections for run.
func BuildRunConfig(job *domain.Job, run *domain.Run, params domain.Params) *inifile.Document {
	period := run.Period
	if period == "" {
		period = job.Period
	}
	header := map[string]string{
		"Expert":                job.ExpertPath,
		"Symbol":                run.Symbol,
		"Period":                period,
		"Optimization":          orDefault(job.OptimizationMode, "1"),
		"Model":                 orDefault(job.Model, "0"),
		"FromDate":              run.StartDate.Format(domain.TesterDateLayout),
		"ToDate":                run.EndDate.Format(domain.TesterDateLayout),
		"ForwardMode":           orDefault(job.ForwardMode, "0"),
		"Deposit":               strconv.FormatFloat(job.Deposit, 'f', -1, 64),
		"Currency":              job.Currency,
		"ProfitInPips":          "0",
		"Leverage":              job.Leverage,
		"ExecutionMode":         "0",
		"OptimizationCriterion": orDefault(job.OptimizationCriterion, "0"),
	}

	doc := &inifile.Document{Encoding: textenc.UTF16LE}
	tester := doc.EnsureSection(inifile.SectionTester)
	for _, key := range testerHeaderOrder {
		tester.Set(key, header[key])
	}

	inputs := doc.EnsureSection(inifile.SectionTesterInputs)
	names := make([]string, 0, len(job.TesterInputs))
	for name := range job.TesterInputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		line := fmt.Sprint(job.TesterInputs[name])
		if v, ok := params[name]; ok {
			parts := strings.Split(line, "||")
			parts[0] = v.String()
			line = strings.Join(parts, "||")
		}
		inputs.Set(name, line)
	}
	return doc
}

// ExportFileName is {expert}.{symbol}.{period}.{from}_{to}.{pass:03}.ini.
func ExportFileName(job *domain.Job, run *domain.Run) string {
	period := run.Period
	if period == "" {
		period = job.Period
	}
	name := fmt.Sprintf("%s.%s.%s.%s_%s.%03d.ini", job.ExpertName, run.Symbol, period,
		run.StartDate.Format(domain.NameDateLayout), run.EndDate.Format(domain.NameDateLayout), run.PassNumber)
	return filepath.Base(name)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
