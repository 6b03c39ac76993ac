package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessTable answers liveness and name-pattern queries against the OS
// process table.
type ProcessTable interface {
	Alive(pid int) bool
	FindByPattern(pattern string) ([]int, error)
}

// SystemProcessTable returns the ProcessTable for the running OS
func SystemProcessTable() ProcessTable {
	return systemTable{}
}

type systemTable struct{}

// Alive reports whether pid names a running, non-zombie process
func (systemTable) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if status, err := p.Status(); err == nil {
		for _, s := range status {
			if s == process.Zombie {
				return false
			}
		}
	}
	return true
}

// FindByPattern returns the PIDs whose full command line contains pattern.
// The calling process never matches.
func (systemTable) FindByPattern(pattern string) ([]int, error) {
	if pattern == "" {
		return nil, errors.New("empty process pattern")
	}

	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	myPID := os.Getpid()
	var pids []int
	for _, p := range procs {
		if int(p.Pid) == myPID {
			continue
		}
		// Processes can vanish or be unreadable between listing and inspection
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if strings.Contains(cmdline, pattern) {
			pids = append(pids, int(p.Pid))
		}
	}
	return pids, nil
}

// gracefulTerminate sends SIGTERM, waits up to timeout for the process to
// exit, then falls back to SIGKILL.
// Uses Signal(0) polling because swept processes are not our children.
func gracefulTerminate(proc *os.Process, timeout time.Duration, label string) error {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		slog.Warn(fmt.Sprintf("Failed to send SIGTERM to %s, forcing kill", label), "error", err)
		return proc.Kill()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			slog.Info(fmt.Sprintf("Process %s terminated gracefully", label))
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	slog.Warn(fmt.Sprintf("Process %s did not exit within %v, forcing kill", label, timeout))
	if err := proc.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	return nil
}

// forceKill sends SIGKILL to every pid, skipping ones already gone
func forceKill(pids []int) int {
	killed := 0
	for _, pid := range pids {
		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := proc.Signal(syscall.SIGKILL); err != nil {
			slog.Debug("Failed to kill process", "pid", pid, "error", err)
			continue
		}
		killed++
	}
	return killed
}
