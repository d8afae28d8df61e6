// Package cli builds the optibatch command tree.
//
//	optibatch run <spec>            generate, launch and ingest one batch
//	optibatch ingest <report|dir>   ingest already exported reports
//	optibatch serve                 HTTP API, batch service and schedules
//	optibatch jobs | runs           query stored results
//	optibatch export-config <run>   write the tester config of a stored run
//	optibatch status <batch>        ask a running server for batch progress
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	http_api "optibatch/internal/api/http"
	"optibatch/internal/domain"
	"optibatch/internal/scheduler"
	"optibatch/internal/usecase"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	configFile string
	logLevel   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "optibatch",
		Short: "OptiBatch: batch strategy-tester optimizations and store their results",
		Long: `OptiBatch splits a strategy optimization into per-symbol, per-month
tester runs, drives the terminal through each of them and stores every
optimization pass in a deduplicated results database.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: ./configs/optibatch.yaml or ./optibatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildIngestCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildJobsCommand())
	rootCmd.AddCommand(buildRunsCommand())
	rootCmd.AddCommand(buildExportCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type runOptions struct {
	batchID           string
	dryRun            bool
	symbols           []string
	from              string
	to                string
	inactivityTimeout time.Duration
}

// apply folds command-line overrides into spec.
func (o runOptions) apply(spec *domain.JobSpec) (domain.BatchOptions, error) {
	if len(o.symbols) > 0 {
		spec.Symbols = o.symbols
	}
	for _, d := range []struct {
		raw string
		dst *time.Time
		key string
	}{{o.from, &spec.FromDate, "from"}, {o.to, &spec.ToDate, "to"}} {
		if d.raw == "" {
			continue
		}
		t, err := time.Parse(time.DateOnly, d.raw)
		if err != nil {
			return domain.BatchOptions{}, domain.NewValidationError(d.key, "expected YYYY-MM-DD, got %q", d.raw)
		}
		*d.dst = t
	}
	return domain.BatchOptions{
		BatchID:           o.batchID,
		DryRun:            o.dryRun,
		InactivityTimeout: o.inactivityTimeout,
	}, nil
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <job-spec>",
		Short: "Run one batch from an INI template or YAML job document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configFile, logLevel)
			if err != nil {
				return err
			}
			defer a.close()

			spec, err := a.loader.Load(args[0])
			if err != nil {
				return err
			}
			bopts, err := opts.apply(&spec)
			if err != nil {
				return err
			}
			if err := a.withBatches(!opts.dryRun); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			st, err := a.batches.Run(ctx, spec, bopts)
			if perr := printJSON(cmd.OutOrStdout(), st); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			if st.State == domain.BatchStateFailed {
				return fmt.Errorf("batch %s failed: %s", st.ID, st.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.batchID, "batch-id", "", "resume an existing batch folder")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "generate configs only")
	cmd.Flags().StringSliceVar(&opts.symbols, "symbols", nil, "override the symbol list")
	cmd.Flags().StringVar(&opts.from, "from", "", "override the start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.to, "to", "", "override the end date (YYYY-MM-DD)")
	cmd.Flags().DurationVar(&opts.inactivityTimeout, "inactivity-timeout", 0, "override inactivity_timeout")

	return cmd
}

func buildIngestCommand() *cobra.Command {
	var specPath, jobID string

	cmd := &cobra.Command{
		Use:   "ingest <report.xml|batch-dir>",
		Short: "Ingest already exported reports",
		Long: `Ingest one report file or every report below a batch folder.
A batch folder is ingested with its job.json manifest and the folder name
as job id. A single report uses --spec, or the manifest of the batch folder
it lives in.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configFile, logLevel)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			target := args[0]
			info, err := os.Stat(target)
			if err != nil {
				return err
			}
			if info.IsDir() {
				results, err := a.ingest.IngestFolder(ctx, target, a.host())
				if perr := printJSON(cmd.OutOrStdout(), results); perr != nil {
					return perr
				}
				return err
			}

			spec, id, err := resolveReportSpec(a, target, specPath, jobID)
			if err != nil {
				return err
			}
			meta := domain.MetadataFromSpec(id, spec)
			meta.ExecutionHost = a.host()
			res, err := a.ingest.IngestReport(ctx, target, spec.TypeMap(), meta)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&specPath, "spec", "", "job spec the report was produced from")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id to store the rows under")

	return cmd
}

// resolveReportSpec finds the job spec and job id for a lone report. The
// manifest is looked up in the report's folder and its parent, matching the
// <batch>/<symbol>/<unit>.xml layout.
func resolveReportSpec(a *app, report, specPath, jobID string) (domain.JobSpec, string, error) {
	if specPath != "" {
		spec, err := a.loader.Load(specPath)
		if err != nil {
			return spec, "", err
		}
		if jobID == "" {
			jobID = time.Now().Format("20060102_150405") + "_" + spec.ExpertName()
		}
		return spec, jobID, nil
	}

	dir := filepath.Dir(report)
	for _, candidate := range []string{dir, filepath.Dir(dir)} {
		spec, err := usecase.ReadManifest(candidate)
		if err != nil {
			continue
		}
		if jobID == "" {
			jobID = filepath.Base(candidate)
		}
		return spec, jobID, nil
	}
	return domain.JobSpec{}, "", fmt.Errorf("no %s next to %s; pass --spec", usecase.ManifestFile, report)
}

func buildServeCommand() *cobra.Command {
	var readOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, run submitted batches and fire schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configFile, logLevel)
			if err != nil {
				return err
			}
			defer a.close()

			rootCtx, stop := signalContext(cmd.Context())
			defer stop()

			var handler *http_api.Handler
			if readOnly {
				handler = http_api.NewHandler(a.queries, nil, nil, a.logger)
			} else {
				if err := a.withBatches(false); err != nil {
					return err
				}
				handler = http_api.NewHandler(a.queries, a.batches, a.loader, a.logger)

				cronScheduler := scheduler.NewCronScheduler(a.batches, a.loader, a.logger)
				schedularService := usecase.NewSchedularService(cronScheduler, a.cfg.Schedules, a.logger)
				go func() {
					if err := schedularService.Start(rootCtx); err != nil {
						a.logger.Error("scheduler stopped with error", "error", err)
					}
				}()
			}

			server := &http.Server{
				Addr:    a.cfg.HttpListenAddr,
				Handler: http_api.NewRouter(handler),
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("starting HTTP API server", "addr", a.cfg.HttpListenAddr, "read_only", readOnly)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-rootCtx.Done():
			case err := <-errCh:
				return fmt.Errorf("HTTP server failed: %w", err)
			}
			a.logger.Info("shutting down gracefully...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("HTTP server shutdown failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&readOnly, "read-only", false, "serve stored results only")
	return cmd
}

func buildJobsCommand() *cobra.Command {
	var filter domain.JobFilter

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List stored jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configFile, logLevel)
			if err != nil {
				return err
			}
			defer a.close()

			jobs, err := a.queries.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}

	cmd.Flags().StringVar(&filter.Expert, "expert", "", "filter by expert name")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of jobs")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "skip this many jobs")
	return cmd
}

func buildRunsCommand() *cobra.Command {
	var (
		filter    domain.RunFilter
		minProfit float64
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored runs, best profit first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("min-profit") {
				filter.MinProfit = &minProfit
			}
			if filter.Month != "" {
				if _, err := time.Parse(domain.MonthLayout, filter.Month); err != nil {
					return domain.NewValidationError("month", "expected YYYY-MM, got %q", filter.Month)
				}
			}

			a, err := newApp(configFile, logLevel)
			if err != nil {
				return err
			}
			defer a.close()

			runs, err := a.queries.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().StringVar(&filter.JobID, "job", "", "filter by job id")
	cmd.Flags().StringVar(&filter.Symbol, "symbol", "", "filter by symbol")
	cmd.Flags().StringVar(&filter.Month, "month", "", "filter by run month (YYYY-MM)")
	cmd.Flags().Float64Var(&minProfit, "min-profit", 0, "only runs with at least this profit")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of runs")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "skip this many runs")
	return cmd
}

func buildExportCommand() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "export-config <run-id>",
		Short: "Write the tester config that reproduces a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || id == 0 {
				return domain.NewValidationError("run-id", "must be a positive integer")
			}

			a, err := newApp(configFile, logLevel)
			if err != nil {
				return err
			}
			defer a.close()

			out, err := a.queries.ExportConfig(cmd.Context(), uint(id))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			path := filepath.Join(outDir, out.FileName)
			if err := os.WriteFile(path, out.Data, 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status [batch-id]",
		Short: "Show batch progress from a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := addr + "/api/batches"
			if len(args) == 1 {
				url += "/" + args[0]
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("query %s: %w", addr, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusNotFound {
				return domain.ErrBatchNotFound
			}
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return fmt.Errorf("server returned %s: %s", resp.Status, body)
			}
			var v any
			if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "server base URL")
	return cmd
}
