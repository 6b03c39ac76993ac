package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/db"
	"go.olrik.dev/tether/internal/state"
)

const (
	outputLimit      = 64 << 10
	journalRetention = 30 * 24 * time.Hour
	pipeWaitDelay    = time.Second
)

// StartupError reports a worker that exited during its settle interval
type StartupError struct {
	ExitCode int
	Output   string
}

func (e *StartupError) Error() string {
	msg := fmt.Sprintf("worker exited during startup (exit code %d)", e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

// Options customise how a Supervisor finds the host and launches workers
type Options struct {
	// HostPID identifies the host by process id instead of HostPattern
	HostPID int
	// Processes defaults to SystemProcessTable
	Processes ProcessTable
	// Journal may be nil
	Journal *db.DB
	// Command builds the worker command; defaults to re-executing this binary
	Command func() *exec.Cmd
	// Output receives the worker's stdout and stderr; defaults to os.Stderr
	Output io.Writer
}

// Supervisor launches one worker per host session, watches the host and
// tears everything down when the host goes away or a signal arrives.
type Supervisor struct {
	cfg        core.SupervisorConfig
	workerName string
	store      *state.Store
	registry   *state.RegistryWatcher
	procs      ProcessTable
	journal    *db.DB
	hostPID    int
	command    func() *exec.Cmd
	output     io.Writer
	logger     *slog.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	registryDone chan struct{}
	done         chan struct{}

	mu         sync.Mutex
	child      *exec.Cmd
	childDone  chan struct{}
	workerPID  int // launched or adopted
	monitoring bool
	stopping   bool
}

// New creates a supervisor for cfg
func New(cfg *core.Configuration, opts Options) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())

	store := state.NewStore(cfg.StateDir)
	s := &Supervisor{
		cfg:        cfg.Supervisor,
		workerName: cfg.Worker.Name,
		store:      store,
		procs:      opts.Processes,
		journal:    opts.Journal,
		hostPID:    opts.HostPID,
		command:    opts.Command,
		output:     opts.Output,
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	if s.procs == nil {
		s.procs = SystemProcessTable()
	}
	if s.command == nil {
		s.command = defaultWorkerCommand(cfg)
	}
	if s.output == nil {
		s.output = os.Stderr
	}
	if s.cfg.PollInterval <= 0 {
		s.cfg.PollInterval = 5 * time.Second
	}
	if s.cfg.WorkerPattern == "" {
		s.cfg.WorkerPattern = core.WorkerMarker
	}

	s.registry = state.NewRegistryWatcher(store, state.SupervisorInfo{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		HostPID:   opts.HostPID,
	})

	return s
}

// defaultWorkerCommand re-executes the running binary as a worker
func defaultWorkerCommand(cfg *core.Configuration) func() *exec.Cmd {
	return func() *exec.Cmd {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		args := []string{core.WorkerMarker, "--config-path", cfg.ConfigPath}
		if cfg.Verbose > 0 {
			args = append(args, "-"+strings.Repeat("v", cfg.Verbose))
		}
		return exec.Command(exe, args...)
	}
}

// Done is closed once shutdown has completed
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// WorkerPID returns the pid of the supervised worker, or 0
func (s *Supervisor) WorkerPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerPID
}

// Start sweeps orphaned workers, launches a worker unless one is already
// live and begins monitoring. Repeated calls never leave more than one
// worker running.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return errors.New("supervisor is shutting down")
	}

	s.sweepOrphans()

	switch {
	case s.workerAliveLocked() && s.workerPID > 0:
		s.logger.Debug("Worker already supervised", "pid", s.workerPID)
	default:
		if id, ok := s.store.LiveIdentity(s.workerName, s.procs.Alive); ok {
			s.logger.Info("Worker already running, skipping launch", "pid", id.PID, "port", id.Port)
			s.workerPID = id.PID
			break
		}
		if err := s.launch(); err != nil {
			return err
		}
	}

	if !s.monitoring {
		s.monitoring = true
		s.registryDone = make(chan struct{})
		go func() {
			defer close(s.registryDone)
			s.registry.Run(s.ctx)
		}()
		go s.monitor()

		s.logger.Info("Supervisor started",
			"pid", os.Getpid(),
			"worker_pid", s.workerPID,
			"host", s.hostDescription(),
			"interval", s.cfg.PollInterval)
		s.logEvent(db.EventStart, s.hostDescription())
		s.pruneJournal()
	}
	return nil
}

func (s *Supervisor) pruneJournal() {
	if s.journal == nil {
		return
	}
	removed, err := s.journal.Prune(journalRetention)
	if err != nil {
		s.logger.Debug("Failed to prune event journal", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Debug("Pruned old journal events", "count", removed)
	}
}

// sweepOrphans kills workers left behind by an earlier session.
// Must be called with s.mu held.
func (s *Supervisor) sweepOrphans() {
	pids, err := s.procs.FindByPattern(s.cfg.WorkerPattern)
	if err != nil {
		s.logger.Warn("Failed to scan for orphaned workers", "error", err)
		return
	}

	var orphans []int
	for _, pid := range pids {
		if pid == s.workerPID {
			continue
		}
		orphans = append(orphans, pid)
	}
	if len(orphans) == 0 {
		return
	}

	s.logger.Info("Cleaning up orphaned workers", "count", len(orphans), "pids", orphans)
	forceKill(orphans)
	for _, pid := range orphans {
		s.logEvent(db.EventOrphanKilled, fmt.Sprintf("pid=%d", pid))
	}
	s.waitGone(orphans, time.Second)
}

func (s *Supervisor) waitGone(pids []int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		alive := false
		for _, pid := range pids {
			if s.procs.Alive(pid) {
				alive = true
				break
			}
		}
		if !alive {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	s.logger.Warn("Orphaned workers still present after kill", "pids", pids)
}

// launch starts the worker child and waits out the settle interval.
// Must be called with s.mu held.
func (s *Supervisor) launch() error {
	cmd := s.command()
	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(env,
		fmt.Sprintf("%s=%d", core.SupervisorPIDEnv, os.Getpid()),
		fmt.Sprintf("%s=%s", core.StateDirEnv, s.store.Dir()),
	)

	out := &outputCapture{w: s.output, limit: outputLimit}
	cmd.Stdout = out
	cmd.Stderr = out
	// Keep terminal signals away from the worker; shutdown goes through us
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// A grandchild holding our output pipes must not keep Wait from returning
	cmd.WaitDelay = pipeWaitDelay

	if err := cmd.Start(); err != nil {
		return &StartupError{ExitCode: -1, Output: err.Error()}
	}

	childDone := make(chan struct{})
	go func() {
		cmd.Wait()
		close(childDone)
	}()

	s.child = cmd
	s.childDone = childDone
	s.workerPID = cmd.Process.Pid

	s.logger.Info("Worker launched", "pid", cmd.Process.Pid, "command", cmd.Path)
	s.logEvent(db.EventWorkerLaunched, fmt.Sprintf("pid=%d", cmd.Process.Pid))

	if s.cfg.StartupSettle > 0 {
		timer := time.NewTimer(s.cfg.StartupSettle)
		defer timer.Stop()
		select {
		case <-childDone:
		case <-timer.C:
		}
	}

	select {
	case <-childDone:
		code := cmd.ProcessState.ExitCode()
		s.child = nil
		s.childDone = nil
		s.workerPID = 0
		err := &StartupError{ExitCode: code, Output: out.String()}
		s.logger.Error("Worker failed to start", "exit_code", code, "output", strings.TrimSpace(err.Output))
		return err
	default:
	}
	return nil
}

// workerAliveLocked reports whether the supervised worker is still running.
// Must be called with s.mu held.
func (s *Supervisor) workerAliveLocked() bool {
	if s.childDone != nil {
		select {
		case <-s.childDone:
			return false
		default:
			return true
		}
	}
	if s.workerPID > 0 {
		return s.procs.Alive(s.workerPID)
	}
	return false
}

// monitor polls host and worker liveness until shutdown
func (s *Supervisor) monitor() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.hostAlive() {
				s.logger.Info("Host has exited, shutting down", "host", s.hostDescription())
				s.logEvent(db.EventHostExit, s.hostDescription())
				s.Shutdown()
				return
			}

			s.mu.Lock()
			alive := s.workerAliveLocked()
			pid := s.workerPID
			s.mu.Unlock()
			if !alive {
				s.logger.Warn("Worker exited unexpectedly, shutting down", "pid", pid)
				s.Shutdown()
				return
			}
		}
	}
}

// hostAlive inspects the process table; inspection errors count as alive
func (s *Supervisor) hostAlive() bool {
	if s.hostPID > 0 {
		return s.procs.Alive(s.hostPID)
	}
	pids, err := s.procs.FindByPattern(s.cfg.HostPattern)
	if err != nil {
		s.logger.Warn("Failed to check host process", "pattern", s.cfg.HostPattern, "error", err)
		return true
	}
	return len(pids) > 0
}

func (s *Supervisor) hostDescription() string {
	if s.hostPID > 0 {
		return fmt.Sprintf("pid=%d", s.hostPID)
	}
	return fmt.Sprintf("pattern=%s", s.cfg.HostPattern)
}

// Run starts the supervisor and blocks until shutdown, which SIGINT or
// SIGTERM also trigger. Signals are honoured from before the first launch,
// so one arriving during startup still runs the shutdown sequence.
func (s *Supervisor) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	quit := make(chan struct{})
	defer close(quit)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info("Received signal, shutting down", "signal", sig)
			s.Shutdown()
		case <-s.done:
		case <-quit:
		}
	}()

	if err := s.Start(); err != nil {
		if s.isStopping() {
			<-s.done
			return nil
		}
		s.cancel()
		return err
	}

	<-s.done
	return nil
}

func (s *Supervisor) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Shutdown stops the worker gracefully, kills any process matching the
// worker pattern and purges the state directory. Only the first call runs
// the sequence.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	child := s.child
	childDone := s.childDone
	pid := s.workerPID
	registryDone := s.registryDone
	s.mu.Unlock()

	s.logger.Info("Executing supervisor shutdown sequence...")
	s.cancel()

	timeout := s.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	if pid > 0 {
		var proc *os.Process
		if child != nil {
			proc = child.Process
		} else {
			proc, _ = os.FindProcess(pid)
		}
		if proc != nil {
			label := fmt.Sprintf("worker (pid %d)", pid)
			if err := gracefulTerminate(proc, timeout, label); err != nil {
				s.logger.Warn("Failed to stop worker", "pid", pid, "error", err)
			}
		}
	}
	if childDone != nil {
		select {
		case <-childDone:
		case <-time.After(time.Second):
			s.logger.Warn("Worker was not reaped in time", "pid", pid)
		}
	}

	// Catch workers that escaped the process group
	if pids, err := s.procs.FindByPattern(s.cfg.WorkerPattern); err != nil {
		s.logger.Warn("Failed to scan for remaining workers", "error", err)
	} else if len(pids) > 0 {
		killed := forceKill(pids)
		s.logger.Info("Force-killed remaining workers", "count", killed, "pids", pids)
	}

	if registryDone != nil {
		<-registryDone
	}

	if n, err := s.store.Purge(); err != nil {
		s.logger.Warn("Failed to purge state directory", "dir", s.store.Dir(), "error", err)
	} else {
		s.logger.Debug("State records purged", "count", n)
	}

	s.logEvent(db.EventStop, "")
	if s.journal != nil {
		s.journal.Flush()
	}

	s.logger.Info("Supervisor shutdown complete")
	close(s.done)
}

func (s *Supervisor) logEvent(eventType, details string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.LogEvent(db.ComponentSupervisor, eventType, details); err != nil {
		s.logger.Debug("Failed to journal event", "event", eventType, "error", err)
	}
}

// outputCapture passes worker output through while keeping its head for
// startup failure reports.
type outputCapture struct {
	mu    sync.Mutex
	w     io.Writer
	buf   bytes.Buffer
	limit int
}

func (c *outputCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		c.buf.Write(p[:room])
	}
	c.mu.Unlock()

	if c.w != nil {
		c.w.Write(p)
	}
	return len(p), nil
}

func (c *outputCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
