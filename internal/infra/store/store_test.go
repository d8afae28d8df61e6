package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"optibatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "optibatch.db"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMeta() domain.JobMetadata {
	return domain.JobMetadata{
		JobID:           "20240301_101500_MACD",
		JobName:         "macd-feb",
		ExpertName:      "MACD",
		ExpertPath:      `Advisors\MACD.ex5`,
		StrategyVersion: "v1",
		Model:           "1",
		Period:          "H1",
		Deposit:         10000,
		Currency:        "USD",
		Leverage:        "1:100",
		TesterInputs:    map[string]string{"TakeProfit": "50||10||10||100||Y"},
	}
}

func testRow(symbol string, pass int, profit float64, takeProfit int64) domain.ResultRow {
	return domain.ResultRow{
		Symbol:     symbol,
		Period:     "H1",
		StartDate:  time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		PassNumber: pass,
		Params:     domain.Params{"TakeProfit": domain.IntValue(takeProfit), "Lots": domain.FloatValue(0.1)},
		Metrics: domain.Metrics{
			Profit:   profit,
			Drawdown: 100,
			Trades:   25,
		},
	}
}

func countRuns(t *testing.T, s *Store) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.db.Model(&domain.Run{}).Count(&n).Error)
	return n
}

func TestIngestDeduplicates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	rows := []domain.ResultRow{
		testRow("EURUSD", 0, 500, 50),
		testRow("EURUSD", 1, 800, 60),
		testRow("EURUSD", 2, 500, 50), // same content as pass 0
	}

	first, err := s.Ingest(ctx, rows, testMeta())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)
	assert.Equal(t, 1, first.Duplicates)
	assert.True(t, first.JobCreated)

	second, err := s.Ingest(ctx, rows, testMeta())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 3, second.Duplicates)
	assert.False(t, second.JobCreated)
	assert.Equal(t, int64(2), countRuns(t, s))
}

func TestIngestCreatesNoJobWithoutRows(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	summary, err := s.Ingest(ctx, nil, testMeta())
	require.NoError(t, err)
	assert.Zero(t, summary.Inserted)

	_, err = s.GetJob(ctx, testMeta().JobID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	// all duplicates of another job's rows: still no job for this id
	_, err = s.Ingest(ctx, []domain.ResultRow{testRow("EURUSD", 0, 1, 1)}, testMeta())
	require.NoError(t, err)
	other := testMeta()
	other.JobID = "20240302_000000_MACD"
	summary, err = s.Ingest(ctx, []domain.ResultRow{testRow("EURUSD", 0, 1, 1)}, other)
	require.NoError(t, err)
	assert.Zero(t, summary.Inserted)
	_, err = s.GetJob(ctx, other.JobID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestIngestRejectsBadMetadata(t *testing.T) {
	s := setupTestStore(t)
	meta := testMeta()
	meta.JobID = ""

	_, err := s.Ingest(context.Background(), []domain.ResultRow{testRow("EURUSD", 0, 1, 1)}, meta)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Zero(t, countRuns(t, s))
}

func TestIngestRollsBackOnFailure(t *testing.T) {
	s := setupTestStore(t)
	// fails the run insert after the job row has been written
	require.NoError(t, s.db.Exec(`CREATE TRIGGER fail_runs BEFORE INSERT ON runs BEGIN SELECT RAISE(ABORT, 'boom'); END`).Error)

	_, err := s.Ingest(context.Background(), []domain.ResultRow{testRow("EURUSD", 0, 1, 1)}, testMeta())
	var perr *domain.PersistenceError
	require.ErrorAs(t, err, &perr)

	var jobs int64
	require.NoError(t, s.db.Model(&domain.Job{}).Count(&jobs).Error)
	assert.Zero(t, jobs)
}

func TestResultHashStable(t *testing.T) {
	meta := testMeta()
	a := testRow("EURUSD", 0, 500, 50)
	b := testRow("EURUSD", 7, 500, 50)
	// key order of the params map does not matter
	b.Params = domain.Params{"Lots": domain.FloatValue(0.1), "TakeProfit": domain.IntValue(50)}
	b.SharpeRatio = 3

	ha, err := ResultHash(a, meta)
	require.NoError(t, err)
	hb, err := ResultHash(b, meta)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "pass number and secondary metrics are not part of the identity")
	assert.Len(t, ha, 64)

	c := testRow("EURUSD", 0, 501, 50)
	hc, _ := ResultHash(c, meta)
	assert.NotEqual(t, ha, hc)

	meta.StrategyVersion = "v2"
	hv, _ := ResultHash(a, meta)
	assert.NotEqual(t, ha, hv)
}

func TestListRunsFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	march := testRow("GBPUSD", 0, 50, 70)
	march.StartDate = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	march.EndDate = time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

	_, err := s.Ingest(ctx, []domain.ResultRow{
		testRow("EURUSD", 0, 500, 50),
		testRow("EURUSD", 1, 800, 60),
		march,
	}, testMeta())
	require.NoError(t, err)

	all, err := s.ListRuns(ctx, domain.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 800.0, all[0].Profit, "ordered by profit")

	eur, err := s.ListRuns(ctx, domain.RunFilter{Symbol: "EURUSD"})
	require.NoError(t, err)
	assert.Len(t, eur, 2)

	minProfit := 600.0
	rich, err := s.ListRuns(ctx, domain.RunFilter{MinProfit: &minProfit})
	require.NoError(t, err)
	require.Len(t, rich, 1)
	assert.Equal(t, 1, rich[0].PassNumber)

	mar, err := s.ListRuns(ctx, domain.RunFilter{Month: "2024-03"})
	require.NoError(t, err)
	require.Len(t, mar, 1)
	assert.True(t, mar[0].IsFullMonth)
	assert.Equal(t, "GBPUSD", mar[0].Symbol)

	page, err := s.ListRuns(ctx, domain.RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 500.0, page[0].Profit)

	none, err := s.ListRuns(ctx, domain.RunFilter{JobID: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetRunAndJob(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, err := s.Ingest(ctx, []domain.ResultRow{testRow("EURUSD", 3, 500, 50)}, testMeta())
	require.NoError(t, err)

	runs, err := s.ListRuns(ctx, domain.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run, err := s.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-02", run.RunMonth)
	assert.Equal(t, domain.ReviewStatusNew, run.Status)
	params, err := run.DecodeParams()
	require.NoError(t, err)
	assert.Equal(t, domain.IntValue(50), params["TakeProfit"])
	assert.Equal(t, domain.FloatValue(0.1), params["Lots"])

	job, err := s.GetJob(ctx, run.JobID)
	require.NoError(t, err)
	assert.Equal(t, "macd-feb", job.JobName)
	assert.Equal(t, "50||10||10||100||Y", job.TesterInputs["TakeProfit"])

	jobs, err := s.ListJobs(ctx, domain.JobFilter{Expert: "MACD"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = s.GetRun(ctx, 9999)
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}
