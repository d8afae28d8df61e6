package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"optibatch/internal/domain"
	"optibatch/internal/metrics"
	"optibatch/internal/report"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ManifestFile is written into every batch folder so that its reports can
// be ingested again later.
const ManifestFile = "job.json"

// ReportExtractor parses one report file.
type ReportExtractor interface {
	Extract(path string, types domain.TypeMap) (*report.Report, error)
}

// IngestResult summarizes the ingestion of one report.
type IngestResult struct {
	Report     string `json:"report"`
	Symbol     string `json:"symbol"`
	Rows       int    `json:"rows"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Discarded  int    `json:"discarded"`
}

// IngestService extracts reports and stores their rows.
type IngestService struct {
	extractor ReportExtractor
	repo      domain.ResultRepository
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewIngestService creates a new IngestService.
func NewIngestService(extractor ReportExtractor, repo domain.ResultRepository, logger *slog.Logger) *IngestService {
	return &IngestService{
		extractor: extractor,
		repo:      repo,
		logger:    logger.With("component", "ingest-service"),
		tracer:    otel.Tracer("optibatch-usecase"),
	}
}

// IngestReport parses one report and persists its rows. Extraction errors
// are returned untouched so callers can tell them from storage failures.
func (s *IngestService) IngestReport(ctx context.Context, path string, types domain.TypeMap, meta domain.JobMetadata) (IngestResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.IngestReport", trace.WithAttributes(
		attribute.String("report.path", path),
		attribute.String("job.id", meta.JobID),
	))
	defer span.End()

	res := IngestResult{Report: path}
	rep, err := s.extractor.Extract(path, types)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extract failed")
		return res, err
	}
	res.Symbol = rep.Symbol
	res.Rows = len(rep.Rows)
	res.Discarded = rep.Discarded
	if rep.Discarded > 0 {
		s.logger.Info("discarded zero-trade rows", "report", filepath.Base(path), "discarded", rep.Discarded)
	}
	if len(rep.Rows) == 0 {
		metrics.RecordIngest(0, 0, rep.Discarded)
		return res, nil
	}
	if meta.Period == "" {
		meta.Period = rep.Period
	}

	summary, err := s.repo.Ingest(ctx, rep.Rows, meta)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return res, err
	}
	res.Inserted = summary.Inserted
	res.Duplicates = summary.Duplicates
	metrics.RecordIngest(summary.Inserted, summary.Duplicates, rep.Discarded)
	return res, nil
}

// WriteManifest stores spec next to the batch's configs.
func WriteManifest(batchDir string, spec domain.JobSpec) error {
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(batchDir, ManifestFile), data, 0o644)
}

// ReadManifest loads the job spec a batch folder was generated from.
func ReadManifest(batchDir string) (domain.JobSpec, error) {
	var spec domain.JobSpec
	data, err := os.ReadFile(filepath.Join(batchDir, ManifestFile))
	if err != nil {
		return spec, &domain.ConfigError{Path: filepath.Join(batchDir, ManifestFile), Err: err}
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, &domain.ConfigError{Path: filepath.Join(batchDir, ManifestFile), Err: err}
	}
	return spec, nil
}

// IngestFolder ingests every report below a batch folder using the folder's
// manifest. The folder name is the job id. A report that fails to parse is
// logged and skipped; a storage failure stops the walk.
func (s *IngestService) IngestFolder(ctx context.Context, batchDir, host string) ([]IngestResult, error) {
	spec, err := ReadManifest(batchDir)
	if err != nil {
		return nil, err
	}
	meta := domain.MetadataFromSpec(filepath.Base(filepath.Clean(batchDir)), spec)
	meta.ExecutionHost = host
	types := spec.TypeMap()

	var reports []string
	err = filepath.WalkDir(batchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".xml") {
			reports = append(reports, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", batchDir, err)
	}
	sort.Strings(reports)

	results := make([]IngestResult, 0, len(reports))
	for _, path := range reports {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.IngestReport(ctx, path, types, meta)
		if err != nil {
			var perr *domain.ParseError
			if errors.As(err, &perr) {
				s.logger.Warn("skipping unreadable report", "report", path, "error", err)
				continue
			}
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}
