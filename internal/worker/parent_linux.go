//go:build linux

package worker

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setParentDeathSignal asks the kernel to deliver SIGTERM when our parent exits
func setParentDeathSignal() error {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_PDEATHSIG) failed: %w", err)
	}
	return nil
}
