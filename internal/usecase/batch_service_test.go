package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"optibatch/internal/domain"
	"optibatch/internal/infra/local"
	"optibatch/internal/infra/store"
	"optibatch/internal/infra/textenc"
	"optibatch/internal/matrix"
	"optibatch/internal/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const batchTemplate = "[Tester]\r\nExpert=Advisors\\MACD.ex5\r\nSymbol=EURUSD\r\nPeriod=H1\r\nModel=1\r\n" +
	"FromDate=2020.01.01\r\nToDate=2020.12.31\r\n\r\n[TesterInputs]\r\nTakeProfit=50||10||10||100||Y\r\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func xmlRow(cells ...string) string {
	var b strings.Builder
	b.WriteString("<Row>")
	for _, c := range cells {
		b.WriteString(`<Cell><Data ss:Type="String">` + c + `</Data></Cell>`)
	}
	b.WriteString("</Row>\n")
	return b.String()
}

// fixtureReport renders a two-pass optimization report for unit.
func fixtureReport(u domain.ConfigUnit) string {
	title := fmt.Sprintf("MACD %s,H1 %s-%s", u.Symbol,
		u.From.Format(domain.TesterDateLayout), u.To.Format(domain.TesterDateLayout))
	return `<?xml version="1.0"?>
<Workbook xmlns="urn:schemas-microsoft-com:office:spreadsheet"
 xmlns:ss="urn:schemas-microsoft-com:office:spreadsheet">
<DocumentProperties xmlns="urn:schemas-microsoft-com:office:office">
<Title>` + title + `</Title>
</DocumentProperties>
<Worksheet ss:Name="Tester Optimizator Results">
<Table>
` + xmlRow("Pass", "Result", "Profit", "Profit Factor", "Sharpe Ratio", "Equity DD %", "Trades", "TakeProfit") +
		xmlRow("1", "500", "500", "1.5", "0.7", "100", "20", "30") +
		xmlRow("2", "800", "800", "1.9", "1.1", "150", "25", "40") +
		xmlRow("3", "0", "0", "0", "0", "0", "0", "50") + `</Table>
</Worksheet>
</Workbook>
`
}

// fakeRunner behaves like the lifecycle controller without a terminal: an
// existing report short-circuits, otherwise a report is written.
type fakeRunner struct {
	mu       sync.Mutex
	timeouts map[string]bool
	empty    map[string]bool
	panics   map[string]bool
	block    bool
	launched []string
	started  chan struct{}
}

func (r *fakeRunner) Execute(ctx context.Context, u domain.ConfigUnit, _ time.Duration) (domain.RunOutcome, error) {
	out := domain.RunOutcome{Unit: u.Name}
	if done, _ := report.IsComplete(u.ReportPath); done {
		out.Status = domain.RunStatusCompleted
		out.ReportPath = u.ReportPath
		return out, nil
	}

	r.mu.Lock()
	r.launched = append(r.launched, u.Name)
	r.mu.Unlock()
	out.Launched = true

	if r.block {
		if r.started != nil {
			close(r.started)
		}
		<-ctx.Done()
		return out, ctx.Err()
	}
	if r.panics[u.Name] {
		panic("boom")
	}
	if r.timeouts[u.Name] {
		out.Status = domain.RunStatusTimedOut
		return out, nil
	}

	content := fixtureReport(u)
	if r.empty[u.Name] {
		content = strings.Replace(content, xmlRow("1", "500", "500", "1.5", "0.7", "100", "20", "30"), "", 1)
		content = strings.Replace(content, xmlRow("2", "800", "800", "1.9", "1.1", "150", "25", "40"), "", 1)
	}
	data, err := textenc.Encode(content, textenc.UTF16LE)
	if err != nil {
		return out, err
	}
	if err := os.WriteFile(u.ReportPath, data, 0o644); err != nil {
		return out, err
	}
	out.Status = domain.RunStatusCompleted
	out.ReportPath = u.ReportPath
	return out, nil
}

func (r *fakeRunner) launches() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.launched...)
}

// failingRepo stores nothing and reports a storage failure on every ingest.
type failingRepo struct {
	*store.Store
	calls int
}

func (r *failingRepo) Ingest(context.Context, []domain.ResultRow, domain.JobMetadata) (domain.IngestSummary, error) {
	r.calls++
	return domain.IngestSummary{}, &domain.PersistenceError{Op: "ingest", Err: errors.New("disk full")}
}

// countingCollector records Cleanup calls.
type countingCollector struct {
	mu       sync.Mutex
	cleanups int
}

func (c *countingCollector) Collect(context.Context, domain.ConfigUnit) error { return nil }

func (c *countingCollector) Cleanup() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups++
	return 0, nil
}

func (c *countingCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanups
}

type harnessOption func(*harnessDeps)

type harnessDeps struct {
	repo      func(*store.Store) domain.ResultRepository
	collector domain.ReportCollector
}

func withRepo(wrap func(*store.Store) domain.ResultRepository) harnessOption {
	return func(d *harnessDeps) { d.repo = wrap }
}

func withCollector(c domain.ReportCollector) harnessOption {
	return func(d *harnessDeps) { d.collector = c }
}

type batchHarness struct {
	svc    *BatchService
	runner *fakeRunner
	store  *store.Store
	locker *local.Locker
	work   string
	spec   domain.JobSpec
}

func newBatchHarness(t *testing.T, runner *fakeRunner, opts ...harnessOption) *batchHarness {
	t.Helper()
	deps := harnessDeps{repo: func(st *store.Store) domain.ResultRepository { return st }}
	for _, opt := range opts {
		opt(&deps)
	}
	root := t.TempDir()
	tpl := filepath.Join(root, "template.ini")
	require.NoError(t, os.WriteFile(tpl, []byte(batchTemplate), 0o644))

	st, err := store.Open(store.Config{Driver: "sqlite", DSN: filepath.Join(root, "optibatch.db")}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	locker := local.NewLocker()
	work := filepath.Join(root, "work")
	ingest := NewIngestService(report.NewExtractor(discardLogger()), deps.repo(st), discardLogger())
	svc := NewBatchService(BatchConfig{WorkDir: work, InactivityTimeout: time.Minute, ExecutionHost: "tester-01"},
		matrix.NewGenerator(textenc.UTF16LE, discardLogger()), runner, ingest, deps.collector, locker, discardLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return &batchHarness{
		svc:    svc,
		runner: runner,
		store:  st,
		locker: locker,
		work:   work,
		spec: domain.JobSpec{
			ExpertPath:   `Advisors\MACD.ex5`,
			Period:       "H1",
			Symbols:      []string{"EURUSD", "GBPUSD"},
			FromDate:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			ToDate:       time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
			SplitMonths:  true,
			TemplatePath: tpl,
			Params: []domain.ParamRange{
				{Name: "TakeProfit", Default: "50", Start: "10", Step: "10", End: "100", Optimize: true, Kind: domain.KindInt},
			},
		},
	}
}

func (h *batchHarness) run(t *testing.T, opts domain.BatchOptions) domain.BatchStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := h.svc.Run(ctx, h.spec, opts)
	require.NoError(t, err)
	return st
}

func TestBatchRunIngestsEveryUnit(t *testing.T) {
	h := newBatchHarness(t, &fakeRunner{})
	st := h.run(t, domain.BatchOptions{})

	assert.Equal(t, domain.BatchStateCompleted, st.State)
	assert.Empty(t, st.Error)
	assert.Equal(t, 6, st.UnitsTotal)
	assert.Equal(t, 6, st.UnitsDone)
	assert.Equal(t, 6, st.Launches)
	assert.Equal(t, 12, st.Inserted)
	assert.Equal(t, 6, st.Discarded)
	assert.Empty(t, st.SkippedSymbols)

	assert.FileExists(t, filepath.Join(st.Dir, ManifestFile))
	assert.FileExists(t, filepath.Join(st.Dir, currentConfig))
	batchLog, err := os.ReadFile(filepath.Join(st.Dir, batchLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(batchLog), `"msg":"unit ingested"`)
	assert.Contains(t, string(batchLog), `"msg":"batch finished"`)
	assert.FileExists(t, filepath.Join(st.Dir, "EURUSD", "EURUSD.20240101_20240131.ini"))

	job, err := h.store.GetJob(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, "MACD", job.ExpertName)
	assert.Equal(t, "tester-01", job.ExecutionHost)

	runs, err := h.store.ListRuns(context.Background(), domain.RunFilter{JobID: st.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 12)
}

func TestBatchRerunIsIdempotent(t *testing.T) {
	h := newBatchHarness(t, &fakeRunner{})
	first := h.run(t, domain.BatchOptions{})
	require.Equal(t, 6, first.Launches)

	second := h.run(t, domain.BatchOptions{BatchID: first.ID})
	assert.Equal(t, domain.BatchStateCompleted, second.State)
	assert.Equal(t, 0, second.Launches)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 12, second.Duplicates)
	assert.Len(t, h.runner.launches(), 6)
}

func TestBatchSkipsRestOfSymbolAfterTimeout(t *testing.T) {
	runner := &fakeRunner{timeouts: map[string]bool{"EURUSD.20240201_20240229": true}}
	h := newBatchHarness(t, runner)
	h.spec.ToDate = time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)

	st := h.run(t, domain.BatchOptions{})
	assert.Equal(t, domain.BatchStateCompleted, st.State)
	assert.Equal(t, []string{"EURUSD"}, st.SkippedSymbols)
	assert.Equal(t, 10, st.UnitsDone)
	assert.Equal(t, 7, st.Launches)
	assert.Equal(t, 12, st.Inserted)

	launched := runner.launches()
	assert.NotContains(t, launched, "EURUSD.20240301_20240331")
	assert.Contains(t, launched, "GBPUSD.20240501_20240531")

	var skipped int
	for _, u := range st.Units {
		if u.Skipped {
			skipped++
			assert.Equal(t, "EURUSD", u.Symbol)
		}
		if u.Unit == "EURUSD.20240201_20240229" {
			assert.Equal(t, domain.RunStatusTimedOut, u.Status)
			assert.NotEmpty(t, u.Error)
		}
	}
	assert.Equal(t, 3, skipped)
}

func TestBatchSkipsRestOfSymbolAfterEmptyReport(t *testing.T) {
	runner := &fakeRunner{empty: map[string]bool{"GBPUSD.20240101_20240131": true}}
	h := newBatchHarness(t, runner)

	st := h.run(t, domain.BatchOptions{})
	assert.Equal(t, domain.BatchStateCompleted, st.State)
	assert.Equal(t, []string{"GBPUSD"}, st.SkippedSymbols)
	assert.Equal(t, 4, st.Launches)
	assert.Equal(t, 6, st.Inserted)
}

func TestBatchDryRunLaunchesNothing(t *testing.T) {
	h := newBatchHarness(t, &fakeRunner{})
	st := h.run(t, domain.BatchOptions{DryRun: true})

	assert.Equal(t, domain.BatchStateCompleted, st.State)
	assert.True(t, st.DryRun)
	assert.Equal(t, 6, st.UnitsTotal)
	assert.Zero(t, st.Launches)
	assert.Empty(t, h.runner.launches())
	assert.FileExists(t, filepath.Join(st.Dir, "GBPUSD", "GBPUSD.20240301_20240331.ini"))
}

func TestBatchSubmitRejectsInvalidSpec(t *testing.T) {
	h := newBatchHarness(t, &fakeRunner{})
	h.spec.Symbols = nil

	_, err := h.svc.Submit(context.Background(), h.spec, domain.BatchOptions{})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Empty(t, h.svc.List())
}

func TestBatchSubmitRejectsPathLikeID(t *testing.T) {
	h := newBatchHarness(t, &fakeRunner{})
	_, err := h.svc.Submit(context.Background(), h.spec, domain.BatchOptions{BatchID: "../escape"})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestBatchCancelStopsRunningUnit(t *testing.T) {
	runner := &fakeRunner{block: true, started: make(chan struct{})}
	h := newBatchHarness(t, runner)

	id, err := h.svc.Submit(context.Background(), h.spec, domain.BatchOptions{})
	require.NoError(t, err)

	select {
	case <-runner.started:
	case <-time.After(10 * time.Second):
		t.Fatal("unit never started")
	}
	require.NoError(t, h.svc.Cancel(id))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := h.svc.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStateCancelled, st.State)
	assert.Equal(t, 1, st.Launches)
}

func TestBatchFailsWhenLockHeld(t *testing.T) {
	h := newBatchHarness(t, &fakeRunner{})
	lock, err := h.locker.Lock(context.Background(), domain.BatchLockName)
	require.NoError(t, err)
	defer lock.Unlock(context.Background())

	st := h.run(t, domain.BatchOptions{})
	assert.Equal(t, domain.BatchStateFailed, st.State)
	assert.Contains(t, st.Error, "lock")
	assert.Empty(t, h.runner.launches())
}

func TestBatchUnknownID(t *testing.T) {
	h := newBatchHarness(t, &fakeRunner{})
	_, err := h.svc.Status("nope")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
	assert.ErrorIs(t, h.svc.Cancel("nope"), domain.ErrBatchNotFound)
}

func TestBatchRecoversPanic(t *testing.T) {
	collector := &countingCollector{}
	runner := &fakeRunner{panics: map[string]bool{"EURUSD.20240201_20240229": true}}
	h := newBatchHarness(t, runner, withCollector(collector))

	st := h.run(t, domain.BatchOptions{})
	assert.Equal(t, domain.BatchStateCompleted, st.State)
	assert.Equal(t, "panic: boom", st.Error)
	assert.False(t, st.FinishedAt.IsZero())
	assert.Equal(t, []string{"EURUSD.20240101_20240131", "EURUSD.20240201_20240229"}, runner.launches())
	assert.Equal(t, 1, collector.count())

	batchLog, err := os.ReadFile(filepath.Join(st.Dir, batchLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(batchLog), `"msg":"batch panicked"`)
	assert.Contains(t, string(batchLog), `"msg":"batch finished with error"`)

	// The batch lock was released on the way out.
	lock, err := h.locker.Lock(context.Background(), domain.BatchLockName)
	require.NoError(t, err)
	require.NoError(t, lock.Unlock(context.Background()))
}

func TestBatchStopsOnPersistenceError(t *testing.T) {
	repo := &failingRepo{}
	h := newBatchHarness(t, &fakeRunner{}, withRepo(func(st *store.Store) domain.ResultRepository {
		repo.Store = st
		return repo
	}))

	st := h.run(t, domain.BatchOptions{})
	assert.Equal(t, domain.BatchStateFailed, st.State)
	assert.Contains(t, st.Error, "disk full")
	assert.Equal(t, 1, repo.calls)
	assert.Equal(t, []string{"EURUSD.20240101_20240131"}, h.runner.launches())
	assert.Zero(t, st.Inserted)
	assert.Empty(t, st.SkippedSymbols)
	assert.NotEmpty(t, st.Units[0].Error)

	batchLog, err := os.ReadFile(filepath.Join(st.Dir, batchLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(batchLog), `"msg":"batch finished with error"`)
}
