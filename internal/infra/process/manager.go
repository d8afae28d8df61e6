// internal/infra/process/manager.go
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"optibatch/internal/domain"

	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// manager implements domain.ProcessManager on top of os/exec and gopsutil.
type manager struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// NewManager creates a new process manager.
func NewManager(logger *slog.Logger) domain.ProcessManager {
	return &manager{
		logger: logger.With("component", "process-manager"),
		tracer: otel.Tracer("optibatch-process"),
	}
}

// TerminateByPath kills every process whose executable path equals exePath.
func (m *manager) TerminateByPath(ctx context.Context, exePath string) (int, error) {
	ctx, span := m.tracer.Start(ctx, "process.TerminateByPath",
		trace.WithAttributes(attribute.String("process.exe", exePath)))
	defer span.End()

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list processes failed")
		return 0, fmt.Errorf("list processes: %w", err)
	}

	killed := 0
	for _, p := range procs {
		exe, err := p.ExeWithContext(ctx)
		if err != nil || !samePath(exe, exePath) {
			continue
		}
		if err := killTree(ctx, p); err != nil {
			m.logger.Warn("failed to kill process", "pid", p.Pid, "exe", exe, "error", err)
			continue
		}
		m.logger.Info("killed running terminal", "pid", p.Pid, "exe", exe)
		killed++
	}
	span.SetAttributes(attribute.Int("process.killed", killed))
	return killed, nil
}

// Start launches exePath detached from ctx; the caller owns its lifetime
// through the returned Process.
func (m *manager) Start(ctx context.Context, exePath string, args ...string) (domain.Process, error) {
	_, span := m.tracer.Start(ctx, "process.Start", trace.WithAttributes(
		attribute.String("process.exe", exePath),
		attribute.StringSlice("process.args", args),
	))
	defer span.End()

	cmd := exec.Command(exePath, args...)
	cmd.Dir = filepath.Dir(exePath)
	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		return nil, fmt.Errorf("start %s: %w", exePath, err)
	}

	p := &proc{cmd: cmd, done: make(chan struct{})}
	go func() {
		// exit code is ignored, completion is read from the log
		_ = cmd.Wait()
		close(p.done)
	}()
	m.logger.Info("started terminal", "pid", cmd.Process.Pid, "args", strings.Join(args, " "))
	span.SetAttributes(attribute.Int("process.pid", cmd.Process.Pid))
	return p, nil
}

type proc struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
	err  error
}

func (p *proc) PID() int { return p.cmd.Process.Pid }

// Terminate kills the process and its children.
func (p *proc) Terminate() error {
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if gp, err := process.NewProcess(int32(p.cmd.Process.Pid)); err == nil {
			p.err = killTree(context.Background(), gp)
		} else {
			p.err = p.cmd.Process.Kill()
		}
		if errors.Is(p.err, os.ErrProcessDone) {
			p.err = nil
		}
	})
	return p.err
}

func killTree(ctx context.Context, p *process.Process) error {
	if children, err := p.ChildrenWithContext(ctx); err == nil {
		for _, c := range children {
			_ = killTree(ctx, c)
		}
	}
	return p.KillWithContext(ctx)
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	a, b = filepath.Clean(a), filepath.Clean(b)
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
