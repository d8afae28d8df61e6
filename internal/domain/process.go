// internal/domain/process.go
package domain

import "context"

// Process is a launched external optimizer.
type Process interface {
	PID() int
	// Terminate kills the process. It is safe to call more than once.
	Terminate() error
}

// ProcessManager starts and stops external optimizer processes.
type ProcessManager interface {
	// TerminateByPath kills every running process whose executable path
	// matches exePath exactly and returns how many were killed.
	TerminateByPath(ctx context.Context, exePath string) (int, error)
	// Start launches exePath with args and does not wait for it to exit.
	Start(ctx context.Context, exePath string, args ...string) (Process, error)
}

// ReportCollector delivers the report of a finished unit into the unit's
// report path.
type ReportCollector interface {
	Collect(ctx context.Context, unit ConfigUnit) error
	// Cleanup removes reports left behind by units that never collected them.
	Cleanup() (int, error)
}

// ReportCollectorFunc adapts a function to ReportCollector with a no-op
// Cleanup.
type ReportCollectorFunc func(ctx context.Context, unit ConfigUnit) error

func (f ReportCollectorFunc) Collect(ctx context.Context, unit ConfigUnit) error {
	return f(ctx, unit)
}

func (f ReportCollectorFunc) Cleanup() (int, error) { return 0, nil }
