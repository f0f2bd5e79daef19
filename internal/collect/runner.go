// Package collect wraps the OS-facing collectors: process listing, socket
// listing, service-manager listing, and code-signature extraction. Each
// collector shells out under a hard wall-clock timeout and degrades to an
// empty container on failure; errors never travel past the scan orchestrator.
package collect

import (
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// Runner executes an external command under a deadline and returns its
// combined output. Injected so parsers can be exercised without a real OS
// underneath.
type Runner func(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error)

// ExecRunner is the production Runner.
func ExecRunner(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Collectors bundles the four collector operations behind one value.
type Collectors struct {
	run    Runner
	log    *slog.Logger
	onFail func(collector string)
}

// SetFailureHook installs a callback invoked with the collector name on every
// failed invocation, for metrics.
func (c *Collectors) SetFailureHook(hook func(collector string)) {
	c.onFail = hook
}

func (c *Collectors) fail(collector string, err error) {
	c.log.Warn(collector+" collector failed", "component", "collect", "error", err)
	if c.onFail != nil {
		c.onFail(collector)
	}
}

// New returns collectors backed by real subprocess invocation.
func New(log *slog.Logger) *Collectors {
	return NewWithRunner(ExecRunner, log)
}

// NewWithRunner returns collectors with a custom runner, for tests.
func NewWithRunner(run Runner, log *slog.Logger) *Collectors {
	if log == nil {
		log = slog.Default()
	}
	return &Collectors{run: run, log: log}
}
