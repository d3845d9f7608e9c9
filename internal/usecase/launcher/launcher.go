// Package launcher starts the worker process once and records how it ended.
// It does not restart the worker.
package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"snippet-relay/internal/domain"
)

// Config describes the worker command.
type Config struct {
	Command         string
	Args            []string
	Dir             string
	Env             map[string]string
	OutputBufferMax int // bytes kept per stream (default: 256KB)
}

// Launcher runs the worker command at most once.
type Launcher struct {
	config Config
	bus    domain.EventBus
	logger *slog.Logger

	mu     sync.Mutex
	run    *domain.ProcessRun
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout *outputBuffer
	stderr *outputBuffer
	done   chan struct{}
}

// New creates a Launcher. bus may be nil.
func New(cfg Config, bus domain.EventBus, logger *slog.Logger) *Launcher {
	if cfg.OutputBufferMax <= 0 {
		cfg.OutputBufferMax = 256 * 1024
	}
	return &Launcher{
		config: cfg,
		bus:    bus,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Launch starts the worker command. A second call fails with ErrDuplicate.
func (l *Launcher) Launch(ctx context.Context) (domain.ProcessRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.run != nil {
		return domain.ProcessRun{}, domain.NewDomainError("Launcher.Launch", domain.ErrDuplicate, "worker already launched")
	}
	if l.config.Command == "" {
		return domain.ProcessRun{}, domain.NewDomainError("Launcher.Launch", domain.ErrInvalidInput, "no worker command")
	}

	// Detached from ctx so the worker outlives the caller.
	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, l.config.Command, l.config.Args...)
	cmd.Dir = l.config.Dir
	cmd.Env = mergeEnv(os.Environ(), l.config.Env)

	l.stdout = newOutputBuffer(l.config.OutputBufferMax)
	l.stderr = newOutputBuffer(l.config.OutputBufferMax)
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return domain.ProcessRun{}, fmt.Errorf("launcher: start %s: %w", l.config.Command, err)
	}

	l.run = &domain.ProcessRun{
		ID:        ulid.Make().String(),
		Command:   l.config.Command,
		Args:      l.config.Args,
		WorkDir:   l.config.Dir,
		Status:    domain.ProcessStatusRunning,
		StartedAt: time.Now(),
	}
	l.cmd = cmd
	l.cancel = cancel

	go l.wait()

	l.emitEvent(ctx, domain.EventProcessStarted, *l.run)
	l.logger.Info("worker launched", "run_id", l.run.ID, "command", l.config.Command, "pid", cmd.Process.Pid)
	return *l.run, nil
}

// Run returns the current launch record, if any.
func (l *Launcher) Run() (domain.ProcessRun, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.run == nil {
		return domain.ProcessRun{}, false
	}
	return *l.run, true
}

// Done is closed when the launched process exits.
func (l *Launcher) Done() <-chan struct{} { return l.done }

// Output returns the retained tail of stdout and stderr.
func (l *Launcher) Output(lines int) (stdout, stderr []string) {
	l.mu.Lock()
	out, errOut := l.stdout, l.stderr
	l.mu.Unlock()
	if out == nil {
		return nil, nil
	}
	return out.Tail(lines), errOut.Tail(lines)
}

// Stop kills the worker if it is still running and waits for it to exit.
func (l *Launcher) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.run == nil || l.run.Status != domain.ProcessStatusRunning {
		l.mu.Unlock()
		return nil
	}
	l.run.Status = domain.ProcessStatusKilled
	now := time.Now()
	l.run.EndedAt = &now
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Launcher) wait() {
	err := l.cmd.Wait()

	l.mu.Lock()
	killed := l.run.Status == domain.ProcessStatusKilled
	if !killed {
		now := time.Now()
		l.run.EndedAt = &now
		l.run.Status = domain.ProcessStatusCompleted
		if err != nil {
			l.run.Status = domain.ProcessStatusFailed
		}
	}
	code := exitCode(err)
	l.run.ExitCode = &code
	run := *l.run
	l.mu.Unlock()
	close(l.done)

	l.emitEvent(context.Background(), domain.EventProcessCompleted, run)

	switch {
	case killed:
		l.logger.Info("worker stopped", "run_id", run.ID, "exit_code", code)
	case err != nil:
		_, stderr := l.Output(5)
		l.logger.Error("worker exited", "run_id", run.ID, "exit_code", code, "error", err, "stderr_tail", stderr)
	default:
		l.logger.Info("worker exited", "run_id", run.ID, "exit_code", code)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string{}, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func (l *Launcher) emitEvent(ctx context.Context, eventType domain.EventType, run domain.ProcessRun) {
	if l.bus == nil {
		return
	}
	data, _ := json.Marshal(run)
	l.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   data,
	})
}
