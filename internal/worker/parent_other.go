//go:build !linux

package worker

// setParentDeathSignal is a no-op: only Linux has PR_SET_PDEATHSIG.
// Supervisor polling remains in effect.
func setParentDeathSignal() error {
	return nil
}
