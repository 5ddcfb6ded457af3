// Package supervisor owns the engine child process: spawning, readiness
// polling, graceful shutdown, and crash detection.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/theredsix/abp/internal/config"
	"github.com/theredsix/abp/internal/engine"
	"github.com/theredsix/abp/internal/logging"
)

// State of the supervised process lifecycle.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

const (
	healthPollInterval = 300 * time.Millisecond
	launchReadyTimeout = 15 * time.Second
	stopGracePeriod    = 5 * time.Second
	shutdownHint       = 3 * time.Second
	restartSettleDelay = 500 * time.Millisecond
	stderrCaptureLimit = 200
)

var (
	// ErrAlreadyRunning: a supervised process handle is live or a launch is
	// in flight.
	ErrAlreadyRunning = errors.New("engine already running under supervision")
	// ErrExternallyRunning: something already answers healthy at the target
	// endpoint. Foreign engines are never taken over.
	ErrExternallyRunning = errors.New("engine already running at target endpoint (not managed)")
	// ErrBinaryNotFound: the configured engine executable is absent.
	ErrBinaryNotFound = errors.New("engine binary not found")
	// ErrLaunchTimeout: the engine never became healthy within the ceiling.
	ErrLaunchTimeout = errors.New("engine did not become ready in time")
)

// LaunchFailedError: the engine exited before becoming healthy. Output holds
// up to 200 characters of its stderr; stdout is never read because it may
// carry protocol framing elsewhere in the system.
type LaunchFailedError struct {
	Output string
}

func (e *LaunchFailedError) Error() string {
	if e.Output == "" {
		return "engine exited during launch"
	}
	return fmt.Sprintf("engine exited during launch: %s", e.Output)
}

// StatusFunc is invoked on engine online/offline transitions.
type StatusFunc func(running, managed bool)

// launch tracks one in-flight start so concurrent callers can coalesce onto
// it instead of racing a second spawn.
type launch struct {
	done chan struct{}
	err  error
}

// Supervisor keeps at most one engine child process alive and observable.
type Supervisor struct {
	cfg      config.EngineConfig
	engine   *engine.Client
	logger   *logging.Logger
	onStatus StatusFunc

	mu       sync.Mutex
	state    State
	proc     *os.Process
	exitCh   chan struct{} // closed when the current child exits
	inflight *launch

	// overridable in tests
	pollInterval time.Duration
	readyTimeout time.Duration
	stopGrace    time.Duration
	settleDelay  time.Duration
}

func New(cfg config.EngineConfig, client *engine.Client, logger *logging.Logger) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		engine:       client,
		logger:       logger,
		state:        StateIdle,
		pollInterval: healthPollInterval,
		readyTimeout: launchReadyTimeout,
		stopGrace:    stopGracePeriod,
		settleDelay:  restartSettleDelay,
	}
}

// SetStatusFunc installs the online/offline transition callback.
func (s *Supervisor) SetStatusFunc(fn StatusFunc) {
	s.onStatus = fn
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Managed reports whether a locally spawned engine process handle is live.
func (s *Supervisor) Managed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

func (s *Supervisor) notify(running, managed bool) {
	if s.onStatus != nil {
		s.onStatus(running, managed)
	}
}

// Start launches the engine and waits for it to answer its readiness probe.
// A start while one is in flight fails immediately rather than queuing.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.proc != nil || s.inflight != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	l := &launch{done: make(chan struct{})}
	s.inflight = l
	s.state = StateStarting
	s.mu.Unlock()

	err := s.doStart(ctx)

	s.mu.Lock()
	l.err = err
	s.inflight = nil
	switch {
	case err == nil:
		s.state = StateRunning
	case errors.Is(err, ErrExternallyRunning):
		s.state = StateIdle
	default:
		s.state = StateFailed
	}
	s.mu.Unlock()
	close(l.done)

	if err == nil {
		s.notify(true, true)
	}
	// Failed is a transient, observable state; the next lifecycle call
	// resets it.
	return err
}

func (s *Supervisor) doStart(ctx context.Context) error {
	if s.engine.Ping(ctx) {
		return ErrExternallyRunning
	}

	if _, err := os.Stat(s.cfg.BinaryPath); err != nil {
		return fmt.Errorf("%w: %s", ErrBinaryNotFound, s.cfg.BinaryPath)
	}

	if err := os.MkdirAll(s.cfg.SessionDir, 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	cmd := exec.Command(s.cfg.BinaryPath, BuildArgs(&s.cfg)...)
	stderr := &tailBuffer{limit: stderrCaptureLimit}
	cmd.Stderr = stderr
	// Stdout stays unread: /dev/null via os/exec default.

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn engine: %w", err)
	}
	s.logger.Infof("engine spawned: pid=%d binary=%s", cmd.Process.Pid, s.cfg.BinaryPath)

	exitCh := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exitCh)
		s.handleExit(cmd.Process)
	}()

	s.mu.Lock()
	s.proc = cmd.Process
	s.exitCh = exitCh
	s.mu.Unlock()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	deadline := time.After(s.readyTimeout)

	for {
		select {
		case <-exitCh:
			s.clearHandle(cmd.Process)
			return &LaunchFailedError{Output: stderr.String()}
		case <-deadline:
			s.logger.Errorf("engine launch timed out after %s, killing pid=%d", s.readyTimeout, cmd.Process.Pid)
			cmd.Process.Kill()
			<-exitCh
			s.clearHandle(cmd.Process)
			return ErrLaunchTimeout
		case <-ctx.Done():
			cmd.Process.Kill()
			<-exitCh
			s.clearHandle(cmd.Process)
			return ctx.Err()
		case <-ticker.C:
			if s.engine.Ping(ctx) {
				s.logger.Infof("engine ready: pid=%d url=%s", cmd.Process.Pid, s.engine.BaseURL())
				return nil
			}
		}
	}
}

// handleExit runs when the child exits for any reason, including crashes not
// triggered by Stop. The offline transition is pushed immediately so status
// queries never lag behind a dead engine.
func (s *Supervisor) handleExit(proc *os.Process) {
	if s.clearHandle(proc) {
		s.logger.Infof("engine exited: pid=%d", proc.Pid)
		s.notify(false, false)
	}
}

// clearHandle drops the process handle if it still refers to proc. Returns
// whether anything was cleared.
func (s *Supervisor) clearHandle(proc *os.Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.proc.Pid != proc.Pid {
		return false
	}
	s.proc = nil
	s.exitCh = nil
	if s.state == StateRunning {
		s.state = StateIdle
	}
	return true
}

// Stop shuts the engine down: a best-effort HTTP shutdown request, then
// SIGTERM, then SIGKILL after the grace period. The handle is always cleared
// and the offline transition always notified, even when nothing was
// supervised.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	exitCh := s.exitCh
	s.state = StateStopping
	s.mu.Unlock()

	// Graceful path; failure swallowed.
	if err := s.engine.Shutdown(ctx, shutdownHint); err != nil {
		s.logger.Debugf("graceful shutdown request failed: %v", err)
	}

	if proc != nil {
		proc.Signal(syscall.SIGTERM)
		if exitCh != nil {
			select {
			case <-exitCh:
			case <-time.After(s.stopGrace):
				s.logger.Errorf("engine ignored SIGTERM for %s, killing pid=%d", s.stopGrace, proc.Pid)
				proc.Kill()
				<-exitCh
			}
		}
	}

	s.mu.Lock()
	s.proc = nil
	s.exitCh = nil
	s.state = StateIdle
	s.mu.Unlock()

	s.notify(false, false)
	return nil
}

// Restart is Stop, a settle delay, then Start.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	time.Sleep(s.settleDelay)
	return s.Start(ctx)
}

// EnsureRunning guarantees an engine answers at the target endpoint: it
// reuses one that is already healthy, otherwise launches. Concurrent calls
// coalesce onto a single in-flight launch.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.mu.Lock()
	if l := s.inflight; l != nil {
		s.mu.Unlock()
		select {
		case <-l.done:
			return l.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Unlock()

	if s.engine.Ping(ctx) {
		return nil
	}

	err := s.Start(ctx)
	if errors.Is(err, ErrAlreadyRunning) {
		// Lost the race to another launch; wait for that one instead.
		s.mu.Lock()
		l := s.inflight
		s.mu.Unlock()
		if l == nil {
			return nil
		}
		select {
		case <-l.done:
			return l.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if errors.Is(err, ErrExternallyRunning) {
		return nil
	}
	return err
}

// BuildArgs assembles the deterministic engine argument set.
func BuildArgs(cfg *config.EngineConfig) []string {
	args := []string{
		"--port", strconv.Itoa(cfg.Port),
		"--session-dir", cfg.SessionDir,
		"--window-size", cfg.WindowSize,
	}
	if cfg.Headless {
		args = append(args, "--headless=new")
	}
	for _, extra := range cfg.ExtraArgs {
		args = append(args, normalizeHeadlessArg(extra))
	}
	return args
}

// normalizeHeadlessArg rewrites legacy headless spellings to the one the
// engine accepts.
func normalizeHeadlessArg(arg string) string {
	switch strings.TrimSpace(arg) {
	case "--headless", "--headless=true", "--headless=old":
		return "--headless=new"
	}
	return arg
}
