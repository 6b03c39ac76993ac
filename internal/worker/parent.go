package worker

import (
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"go.olrik.dev/tether/internal/core"
)

// watchSupervisor ties the worker's lifetime to the supervisor that launched it.
// The kernel death signal covers a direct parent; polling covers the rest.
func (w *Worker) watchSupervisor() {
	pid, err := strconv.Atoi(os.Getenv(core.SupervisorPIDEnv))
	if err != nil || pid <= 0 {
		w.logger.Warn("Ignoring invalid supervisor pid", "env", core.SupervisorPIDEnv, "value", os.Getenv(core.SupervisorPIDEnv))
		return
	}

	if pid == os.Getppid() {
		if err := setParentDeathSignal(); err != nil {
			w.logger.Warn("Failed to set up parent death signal, relying on polling", "error", err)
		} else {
			w.logger.Debug("Parent death signal configured", "signal", "SIGTERM")
		}
	}

	go w.pollSupervisor(pid)
}

func (w *Worker) pollSupervisor(pid int) {
	interval := w.cfg.Supervisor.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := unix.Kill(pid, 0); err != nil && err != unix.EPERM {
				w.logger.Info("Supervisor is gone, shutting down", "supervisor_pid", pid, "error", err)
				go w.Shutdown()
				return
			}
		}
	}
}
