package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"optibatch/internal/domain"
	"optibatch/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeQueries struct {
	lastRunFilter domain.RunFilter
}

func (f *fakeQueries) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	return []*domain.Job{{ID: "20240301_101500_MACD", ExpertName: "MACD"}}, nil
}

func (f *fakeQueries) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	if id != "20240301_101500_MACD" {
		return nil, domain.ErrJobNotFound
	}
	return &domain.Job{ID: id, ExpertName: "MACD"}, nil
}

func (f *fakeQueries) ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.Run, error) {
	f.lastRunFilter = filter
	return []*domain.Run{{ID: 1, Symbol: "EURUSD", Profit: 800}}, nil
}

func (f *fakeQueries) GetRun(ctx context.Context, id uint) (*domain.Run, error) {
	if id != 1 {
		return nil, domain.ErrRunNotFound
	}
	return &domain.Run{ID: 1, Symbol: "EURUSD"}, nil
}

func (f *fakeQueries) ExportConfig(ctx context.Context, id uint) (*usecase.ExportedConfig, error) {
	if id != 1 {
		return nil, domain.ErrRunNotFound
	}
	return &usecase.ExportedConfig{FileName: "MACD.EURUSD.H1.20240201_20240229.001.ini", Data: []byte("[Tester]\r\n")}, nil
}

type fakeBatches struct {
	submitted []domain.JobSpec
	opts      []domain.BatchOptions
	err       error
	cancelled []string
}

func (f *fakeBatches) Submit(ctx context.Context, spec domain.JobSpec, opts domain.BatchOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.submitted = append(f.submitted, spec)
	f.opts = append(f.opts, opts)
	return "20240301_101500_MACD", nil
}

func (f *fakeBatches) Status(id string) (domain.BatchStatus, error) {
	if id != "20240301_101500_MACD" {
		return domain.BatchStatus{}, domain.ErrBatchNotFound
	}
	return domain.BatchStatus{ID: id, State: domain.BatchStatePending}, nil
}

func (f *fakeBatches) List() []domain.BatchStatus { return nil }

func (f *fakeBatches) Cancel(id string) error {
	if id != "20240301_101500_MACD" {
		return domain.ErrBatchNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeLoader struct{}

func (fakeLoader) Load(path string) (domain.JobSpec, error) {
	if path != "specs/macd.yaml" {
		return domain.JobSpec{}, &domain.ConfigError{Path: path, Err: io.ErrUnexpectedEOF}
	}
	return domain.JobSpec{ExpertPath: `Advisors\MACD.ex5`, Symbols: []string{"EURUSD", "GBPUSD"}}, nil
}

func newTestRouter() (*gin.Engine, *fakeQueries, *fakeBatches) {
	q, b := &fakeQueries{}, &fakeBatches{}
	h := NewHandler(q, b, fakeLoader{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewRouter(h), q, b
}

func do(r http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestListRunsFilters(t *testing.T) {
	r, q, _ := newTestRouter()

	w := do(r, http.MethodGet, "/api/runs?symbol=EURUSD&month=2024-02&min_profit=100.5&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "EURUSD", q.lastRunFilter.Symbol)
	assert.Equal(t, "2024-02", q.lastRunFilter.Month)
	require.NotNil(t, q.lastRunFilter.MinProfit)
	assert.Equal(t, 100.5, *q.lastRunFilter.MinProfit)
	assert.Equal(t, 5, q.lastRunFilter.Limit)

	var runs []domain.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)
}

func TestListRunsDefaultLimit(t *testing.T) {
	r, q, _ := newTestRouter()
	w := do(r, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultRunLimit, q.lastRunFilter.Limit)
	assert.Nil(t, q.lastRunFilter.MinProfit)
}

func TestListRunsRejectsBadQuery(t *testing.T) {
	r, _, _ := newTestRouter()

	w := do(r, http.MethodGet, "/api/runs?month=February", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Month")

	w = do(r, http.MethodGet, "/api/runs?limit=5000", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetNotFound(t *testing.T) {
	r, _, _ := newTestRouter()

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/jobs/other", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/runs/9", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/runs/abc", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/jobs/20240301_101500_MACD", nil).Code)
}

func TestExportRunConfig(t *testing.T) {
	r, _, _ := newTestRouter()

	w := do(r, http.MethodGet, "/api/runs/1/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "MACD.EURUSD.H1.20240201_20240229.001.ini")
	assert.Equal(t, "[Tester]\r\n", w.Body.String())
}

func TestSubmitBatch(t *testing.T) {
	r, _, b := newTestRouter()

	w := do(r, http.MethodPost, "/api/batches", SubmitBatchRequest{
		SpecPath:          "specs/macd.yaml",
		Symbols:           []string{"USDJPY"},
		FromDate:          "2024-01-01",
		ToDate:            "2024-03-31",
		InactivityTimeout: "5m",
		DryRun:            true,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp SubmitBatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "20240301_101500_MACD", resp.BatchID)
	assert.Equal(t, "pending", resp.State)

	require.Len(t, b.submitted, 1)
	assert.Equal(t, []string{"USDJPY"}, b.submitted[0].Symbols)
	assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), b.submitted[0].ToDate)
	assert.True(t, b.opts[0].DryRun)
	assert.Equal(t, 5*time.Minute, b.opts[0].InactivityTimeout)
}

func TestSubmitBatchValidation(t *testing.T) {
	r, _, b := newTestRouter()

	w := do(r, http.MethodPost, "/api/batches", SubmitBatchRequest{SpecPath: "specs/macd.yaml", InactivityTimeout: "soon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "duration")

	w = do(r, http.MethodPost, "/api/batches", SubmitBatchRequest{SpecPath: "specs/macd.yaml", BatchID: "../x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/batches", SubmitBatchRequest{SpecPath: "missing.yaml"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	b.err = domain.NewValidationError("symbols", "at least one symbol is required")
	w = do(r, http.MethodPost, "/api/batches", SubmitBatchRequest{SpecPath: "specs/macd.yaml"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	b.err = domain.ErrLockNotAcquired
	w = do(r, http.MethodPost, "/api/batches", SubmitBatchRequest{SpecPath: "specs/macd.yaml"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBatchStatusAndCancel(t *testing.T) {
	r, _, b := newTestRouter()

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/batches/20240301_101500_MACD", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/batches/nope", nil).Code)

	assert.Equal(t, http.StatusAccepted, do(r, http.MethodDelete, "/api/batches/20240301_101500_MACD", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/api/batches/nope", nil).Code)
	assert.Equal(t, []string{"20240301_101500_MACD"}, b.cancelled)
}

func TestReadOnlyRouterHasNoBatchRoutes(t *testing.T) {
	h := NewHandler(&fakeQueries{}, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := NewRouter(h)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/batches", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/metrics", nil).Code)
}
