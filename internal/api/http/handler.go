// internal/api/http/handler.go
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"optibatch/internal/domain"
	"optibatch/internal/scheduler"
	"optibatch/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultRunLimit = 100

// ResultQueries is the read side of the result store.
type ResultQueries interface {
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.Run, error)
	GetRun(ctx context.Context, id uint) (*domain.Run, error)
	ExportConfig(ctx context.Context, id uint) (*usecase.ExportedConfig, error)
}

// BatchControl starts and tracks batches.
type BatchControl interface {
	Submit(ctx context.Context, spec domain.JobSpec, opts domain.BatchOptions) (string, error)
	Status(id string) (domain.BatchStatus, error)
	List() []domain.BatchStatus
	Cancel(id string) error
}

// Handler serves the result and batch API.
type Handler struct {
	queries  ResultQueries
	batches  BatchControl
	loader   domain.JobSpecLoader
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewValidator returns a validator with the "cron" and "duration" tags.
func NewValidator() *validator.Validate {
	validate := validator.New()

	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := scheduler.Parser.Parse(fl.Field().String())
		return err == nil
	})

	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return validate
}

// NewHandler creates a Handler. batches and loader may be nil on a
// read-only server.
func NewHandler(queries ResultQueries, batches BatchControl, loader domain.JobSpecLoader, logger *slog.Logger) *Handler {
	return &Handler{
		queries:  queries,
		batches:  batches,
		loader:   loader,
		logger:   logger.With("component", "api-handler"),
		validate: NewValidator(),
		tracer:   otel.Tracer("optibatch-api"),
	}
}

// statusOf maps service errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrBatchNotFound):
		return http.StatusNotFound
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrLockNotAcquired):
		return http.StatusConflict
	}
	var cerr *domain.ConfigError
	if errors.As(err, &cerr) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, span trace.Span, msg string, err error) {
	code := statusOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	if code >= http.StatusInternalServerError {
		h.logger.Error(msg, "path", c.FullPath(), "error", err)
		c.JSON(code, gin.H{"error": "Internal server error"})
		return
	}
	h.logger.Warn(msg, "path", c.FullPath(), "error", err)
	c.JSON(code, gin.H{"error": err.Error()})
}

// invalid writes a 400 listing each failed field.
func (h *Handler) invalid(c *gin.Context, span trace.Span, err error) {
	span.SetStatus(codes.Error, "Validation failed")
	span.RecordError(err)
	var details []string
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
		}
	} else {
		details = append(details, err.Error())
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Validation failed",
		"details": details,
	})
}

func parseRunID(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, domain.NewValidationError("id", "must be a positive integer")
	}
	return uint(id), nil
}

func (h *Handler) ListJobs(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.ListJobs")
	defer span.End()

	var q ListJobsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.invalid(c, span, err)
		return
	}
	if err := h.validate.Struct(q); err != nil {
		h.invalid(c, span, err)
		return
	}

	jobs, err := h.queries.ListJobs(ctx, q.ToFilter())
	if err != nil {
		h.fail(c, span, "error listing jobs", err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *Handler) GetJob(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.GetJob")
	defer span.End()
	id := c.Param("id")
	span.SetAttributes(attribute.String("job.id", id))

	job, err := h.queries.GetJob(ctx, id)
	if err != nil {
		h.fail(c, span, "error getting job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) ListRuns(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.ListRuns")
	defer span.End()

	var q ListRunsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.invalid(c, span, err)
		return
	}
	if err := h.validate.Struct(q); err != nil {
		h.invalid(c, span, err)
		return
	}

	runs, err := h.queries.ListRuns(ctx, q.ToFilter())
	if err != nil {
		h.fail(c, span, "error listing runs", err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *Handler) GetRun(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.GetRun")
	defer span.End()

	id, err := parseRunID(c)
	if err != nil {
		h.fail(c, span, "bad run id", err)
		return
	}
	span.SetAttributes(attribute.Int("run.id", int(id)))

	run, err := h.queries.GetRun(ctx, id)
	if err != nil {
		h.fail(c, span, "error getting run", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ExportRunConfig downloads the tester config that reproduces a run.
func (h *Handler) ExportRunConfig(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.ExportRunConfig")
	defer span.End()

	id, err := parseRunID(c)
	if err != nil {
		h.fail(c, span, "bad run id", err)
		return
	}
	span.SetAttributes(attribute.Int("run.id", int(id)))

	out, err := h.queries.ExportConfig(ctx, id)
	if err != nil {
		h.fail(c, span, "error exporting run config", err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+out.FileName+`"`)
	c.Data(http.StatusOK, "application/octet-stream", out.Data)
}

func (h *Handler) SubmitBatch(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.SubmitBatch")
	defer span.End()

	var req SubmitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.invalid(c, span, err)
		return
	}

	spec, err := h.loader.Load(req.SpecPath)
	if err != nil {
		h.fail(c, span, "error loading job spec", err)
		return
	}
	opts := req.Apply(&spec)

	id, err := h.batches.Submit(ctx, spec, opts)
	if err != nil {
		h.fail(c, span, "error submitting batch", err)
		return
	}
	span.SetAttributes(attribute.String("batch.id", id))
	st, _ := h.batches.Status(id)
	c.JSON(http.StatusAccepted, SubmitBatchResponse{BatchID: id, State: string(st.State)})
}

func (h *Handler) ListBatches(c *gin.Context) {
	c.JSON(http.StatusOK, h.batches.List())
}

func (h *Handler) GetBatch(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "handler.GetBatch")
	defer span.End()

	st, err := h.batches.Status(c.Param("id"))
	if err != nil {
		h.fail(c, span, "error getting batch", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) CancelBatch(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "handler.CancelBatch")
	defer span.End()

	id := c.Param("id")
	if err := h.batches.Cancel(id); err != nil {
		h.fail(c, span, "error cancelling batch", err)
		return
	}
	h.logger.Info("batch cancellation requested", "batch_id", id)
	c.Status(http.StatusAccepted)
}
