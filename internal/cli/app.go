package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"optibatch/internal/config"
	"optibatch/internal/domain"
	"optibatch/internal/infra/etcd"
	"optibatch/internal/infra/local"
	"optibatch/internal/infra/process"
	"optibatch/internal/infra/store"
	"optibatch/internal/infra/textenc"
	"optibatch/internal/jobspec"
	"optibatch/internal/lifecycle"
	"optibatch/internal/logging"
	"optibatch/internal/matrix"
	"optibatch/internal/report"
	"optibatch/internal/tracing"
	"optibatch/internal/usecase"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	enc     textenc.Encoding
	store   *store.Store
	loader  *jobspec.Loader
	ingest  *usecase.IngestService
	queries *usecase.QueryService
	batches *usecase.BatchService

	closers []func(context.Context) error
}

// newApp loads configuration and opens the result store. Batch execution
// is wired by withBatches.
func newApp(configPath, logLevel string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := logging.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, loader: jobspec.NewLoader()}

	if err := a.initTracing(); err != nil {
		return nil, err
	}

	a.enc, err = textenc.ParseEncoding(cfg.ConfigEncoding)
	if err != nil {
		a.close()
		return nil, &domain.ConfigError{Path: "config_encoding", Err: err}
	}

	a.store, err = store.Open(cfg.Database, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open result store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })

	a.ingest = usecase.NewIngestService(report.NewExtractor(logger), a.store, logger)
	a.queries = usecase.NewQueryService(a.store, a.enc, logger)
	return a, nil
}

func (a *app) initTracing() error {
	var w io.Writer
	switch a.cfg.TraceOutput {
	case "", "none":
		return nil
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(a.cfg.TraceOutput, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open trace output: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return f.Close() })
		w = f
	}
	shutdown, err := tracing.InitTracer("optibatch", w)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	a.closers = append(a.closers, shutdown)
	return nil
}

// withBatches wires the lifecycle controller and batch service. When
// requireTerminal is false a missing terminal only disables launching,
// which still allows dry runs.
func (a *app) withBatches(requireTerminal bool) error {
	if err := a.cfg.CanLaunch(); err != nil && requireTerminal {
		return &domain.ConfigError{Path: "terminal", Err: err}
	}

	locker, err := a.locker()
	if err != nil {
		return err
	}

	inbox := report.NewInbox(a.cfg.ReportInbox, a.cfg.ReportWait, a.cfg.PollInterval, a.logger)
	controller := lifecycle.NewController(lifecycle.Config{
		TerminalPath: a.cfg.TerminalPath,
		LogDir:       a.cfg.TesterLogDir,
		PollInterval: a.cfg.PollInterval,
	}, process.NewManager(a.logger), inbox, a.logger)

	a.batches = usecase.NewBatchService(usecase.BatchConfig{
		WorkDir:           a.cfg.WorkDir,
		InactivityTimeout: a.cfg.InactivityTimeout,
		ExecutionHost:     a.host(),
	}, matrix.NewGenerator(a.enc, a.logger), controller, a.ingest, inbox, locker, a.logger)
	a.closers = append(a.closers, a.batches.Shutdown)
	return nil
}

// locker returns the etcd mutex when endpoints are configured and an
// in-process lock otherwise.
func (a *app) locker() (domain.Locker, error) {
	if len(a.cfg.EtcdEndpoints) == 0 {
		return local.NewLocker(), nil
	}
	client, err := etcd.NewClient(a.cfg.EtcdEndpoints, a.cfg.EtcdTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	a.logger.Info("using etcd batch lock", "endpoints", a.cfg.EtcdEndpoints)
	return etcd.NewEtcdLocker(client), nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) host() string {
	if a.cfg.ExecutionHost != "" {
		return a.cfg.ExecutionHost
	}
	h, _ := os.Hostname()
	return h
}
