package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"optibatch/internal/domain"
)

// Inbox implements domain.ReportCollector for reports that an external
// exporter drops into a shared directory as <unit name>.xml.
type Inbox struct {
	dir     string
	wait    time.Duration
	poll    time.Duration
	logger  *slog.Logger
	mu      sync.Mutex
	pending map[string]struct{}
}

// NewInbox watches dir. Collect gives up after wait. An empty dir means the
// tester writes reports straight to the unit report path.
func NewInbox(dir string, wait, poll time.Duration, logger *slog.Logger) *Inbox {
	if poll <= 0 {
		poll = time.Second
	}
	return &Inbox{
		dir:     dir,
		wait:    wait,
		poll:    poll,
		logger:  logger.With("component", "report-inbox"),
		pending: make(map[string]struct{}),
	}
}

// Collect waits for the unit's report and moves it to unit.ReportPath.
func (i *Inbox) Collect(ctx context.Context, unit domain.ConfigUnit) error {
	src := ""
	if i.dir != "" {
		src = filepath.Join(i.dir, unit.Name+".xml")
		i.mu.Lock()
		i.pending[src] = struct{}{}
		i.mu.Unlock()
	}

	deadline := time.Now().Add(i.wait)
	ticker := time.NewTicker(i.poll)
	defer ticker.Stop()
	for {
		if ok, err := IsComplete(unit.ReportPath); err == nil && ok {
			i.forget(src)
			return nil
		}
		if src != "" {
			if ok, err := IsComplete(src); err == nil && ok {
				if err := moveFile(src, unit.ReportPath); err != nil {
					return fmt.Errorf("move report %s: %w", src, err)
				}
				i.forget(src)
				i.logger.Info("collected report", "unit", unit.Name, "report", unit.ReportPath)
				return nil
			}
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("report %s not delivered within %s", unit.Name, i.wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (i *Inbox) forget(src string) {
	if src == "" {
		return
	}
	i.mu.Lock()
	delete(i.pending, src)
	i.mu.Unlock()
}

// Cleanup deletes reports that arrived for units that stopped waiting.
func (i *Inbox) Cleanup() (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	removed := 0
	for src := range i.pending {
		err := os.Remove(src)
		switch {
		case err == nil:
			removed++
			i.logger.Info("removed orphaned report", "report", src)
		case !os.IsNotExist(err):
			return removed, fmt.Errorf("remove orphaned report %s: %w", src, err)
		}
		delete(i.pending, src)
	}
	return removed, nil
}

// moveFile renames src to dst, copying when they are on different volumes.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return err
	}
	in.Close()
	return os.Remove(src)
}
