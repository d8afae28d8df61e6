// Package store persists deduplicated optimization results with gorm.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"optibatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	hashLookupChunk = 500
	insertBatchSize = 200
	hashDateLayout  = "2006-01-02"
)

// Config selects the database.
type Config struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite mysql"`
	DSN    string `mapstructure:"dsn" validate:"required"`
	// LogSQL enables gorm statement logging.
	LogSQL bool `mapstructure:"log_sql"`
}

// Store implements domain.ResultRepository.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	tracer trace.Tracer
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	level := gormlogger.Warn
	if cfg.LogSQL {
		level = gormlogger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// one connection keeps the foreign_keys pragma and serializes writers
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if err := db.AutoMigrate(&domain.Job{}, &domain.Run{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an already opened and migrated database.
func New(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With("component", "result-store"),
		tracer: otel.Tracer("optibatch-store"),
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ResultHash identifies a result by content: symbol, strategy version,
// modeling mode, window, parameters and the headline metrics. encoding/json
// sorts map keys, which makes the document canonical.
func ResultHash(row domain.ResultRow, meta domain.JobMetadata) (string, error) {
	params := row.Params
	if params == nil {
		params = domain.Params{}
	}
	doc := map[string]any{
		"symbol":           row.Symbol,
		"strategy_version": meta.StrategyVersion,
		"modeling_mode":    meta.Model,
		"start_date":       row.StartDate.Format(hashDateLayout),
		"end_date":         row.EndDate.Format(hashDateLayout),
		"params":           params,
		"metrics": map[string]any{
			"profit":   row.Profit,
			"drawdown": row.Drawdown,
			"trades":   row.Trades,
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Ingest stores rows whose hash is not yet known. The Job record is created
// with the first surviving row, and everything commits in one transaction.
func (s *Store) Ingest(ctx context.Context, rows []domain.ResultRow, meta domain.JobMetadata) (domain.IngestSummary, error) {
	ctx, span := s.tracer.Start(ctx, "store.Ingest", trace.WithAttributes(
		attribute.String("job.id", meta.JobID),
		attribute.Int("rows", len(rows)),
	))
	defer span.End()

	var summary domain.IngestSummary
	if err := meta.Validate(); err != nil {
		span.RecordError(err)
		return summary, err
	}
	if len(rows) == 0 {
		return summary, nil
	}

	hashes := make([]string, len(rows))
	for i := range rows {
		h, err := ResultHash(rows[i], meta)
		if err != nil {
			span.RecordError(err)
			return summary, domain.NewValidationError("params", "row %d cannot be hashed: %v", i, err)
		}
		rows[i].Hash = h
		hashes[i] = h
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := existingHashes(tx, hashes)
		if err != nil {
			return err
		}

		runs := make([]domain.Run, 0, len(rows))
		for _, row := range rows {
			if _, dup := existing[row.Hash]; dup {
				summary.Duplicates++
				s.logger.Debug("duplicate result skipped", "symbol", row.Symbol, "pass", row.PassNumber, "hash", row.Hash)
				continue
			}
			existing[row.Hash] = struct{}{}
			run, err := newRun(row, meta)
			if err != nil {
				return err
			}
			runs = append(runs, run)
		}
		if len(runs) == 0 {
			return nil
		}

		var job domain.Job
		res := tx.Where("id = ?", meta.JobID).Limit(1).Find(&job)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			job = newJob(meta)
			if err := tx.Create(&job).Error; err != nil {
				return err
			}
			summary.JobCreated = true
		}

		if err := tx.CreateInBatches(runs, insertBatchSize).Error; err != nil {
			return err
		}
		summary.Inserted = len(runs)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		return domain.IngestSummary{}, &domain.PersistenceError{Op: "ingest", Err: err}
	}

	span.SetAttributes(attribute.Int("inserted", summary.Inserted), attribute.Int("duplicates", summary.Duplicates))
	s.logger.Info("ingested results",
		"job_id", meta.JobID,
		"inserted", summary.Inserted,
		"duplicates", summary.Duplicates,
		"job_created", summary.JobCreated)
	return summary, nil
}

func existingHashes(tx *gorm.DB, hashes []string) (map[string]struct{}, error) {
	known := make(map[string]struct{}, len(hashes))
	for start := 0; start < len(hashes); start += hashLookupChunk {
		end := start + hashLookupChunk
		if end > len(hashes) {
			end = len(hashes)
		}
		var found []string
		if err := tx.Model(&domain.Run{}).
			Where("result_hash IN ?", hashes[start:end]).
			Pluck("result_hash", &found).Error; err != nil {
			return nil, err
		}
		for _, h := range found {
			known[h] = struct{}{}
		}
	}
	return known, nil
}

func newJob(meta domain.JobMetadata) domain.Job {
	inputs := datatypes.JSONMap{}
	for k, v := range meta.TesterInputs {
		inputs[k] = v
	}
	name := meta.JobName
	if name == "" {
		name = meta.JobID
	}
	return domain.Job{
		ID:                    meta.JobID,
		JobName:               name,
		ExpertName:            meta.ExpertName,
		ExpertPath:            meta.ExpertPath,
		StrategyVersion:       meta.StrategyVersion,
		Model:                 meta.Model,
		Period:                meta.Period,
		OptimizationMode:      meta.OptimizationMode,
		OptimizationCriterion: meta.OptimizationCriterion,
		Deposit:               meta.Deposit,
		Currency:              meta.Currency,
		Leverage:              meta.Leverage,
		ForwardMode:           meta.ForwardMode,
		TesterInputs:          inputs,
		ExecutionHost:         meta.ExecutionHost,
	}
}

func newRun(row domain.ResultRow, meta domain.JobMetadata) (domain.Run, error) {
	params, err := json.Marshal(row.Params)
	if err != nil {
		return domain.Run{}, fmt.Errorf("encode params: %w", err)
	}
	period := row.Period
	if period == "" {
		period = meta.Period
	}
	return domain.Run{
		JobID:          meta.JobID,
		Symbol:         row.Symbol,
		Period:         period,
		StartDate:      row.StartDate,
		EndDate:        row.EndDate,
		RunMonth:       domain.RunMonth(row.StartDate),
		IsFullMonth:    domain.IsFullMonth(row.StartDate, row.EndDate),
		PassNumber:     row.PassNumber,
		Result:         row.Result,
		Profit:         row.Profit,
		Drawdown:       row.Drawdown,
		Trades:         row.Trades,
		SharpeRatio:    row.SharpeRatio,
		ProfitFactor:   row.ProfitFactor,
		RecoveryFactor: row.RecoveryFactor,
		ExpectedPayoff: row.ExpectedPayoff,
		CustomScore:    row.CustomScore,
		Params:         datatypes.JSON(params),
		ResultHash:     row.Hash,
		Tags:           datatypes.JSON("[]"),
		Status:         domain.ReviewStatusNew,
	}, nil
}

// GetJob returns one job without its runs.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrJobNotFound
		}
		return nil, &domain.PersistenceError{Op: "get job", Err: err}
	}
	return &job, nil
}

// ListJobs returns jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Order("id")
	if filter.Expert != "" {
		q = q.Where("expert_name = ?", filter.Expert)
	}
	q = paginate(q, filter.Limit, filter.Offset)

	var jobs []*domain.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, &domain.PersistenceError{Op: "list jobs", Err: err}
	}
	return jobs, nil
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id uint) (*domain.Run, error) {
	var run domain.Run
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRunNotFound
		}
		return nil, &domain.PersistenceError{Op: "get run", Err: err}
	}
	return &run, nil
}

// ListRuns returns runs matching filter, most profitable first.
func (s *Store) ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.Run, error) {
	q := s.db.WithContext(ctx).Model(&domain.Run{})
	if filter.JobID != "" {
		q = q.Where("job_id = ?", filter.JobID)
	}
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}
	if filter.Month != "" {
		q = q.Where("run_month = ?", filter.Month)
	}
	if filter.MinProfit != nil {
		q = q.Where("profit >= ?", *filter.MinProfit)
	}
	q = paginate(q.Order("profit DESC").Order("id"), filter.Limit, filter.Offset)

	var runs []*domain.Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, &domain.PersistenceError{Op: "list runs", Err: err}
	}
	return runs, nil
}

func paginate(q *gorm.DB, limit, offset int) *gorm.DB {
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	return q
}
