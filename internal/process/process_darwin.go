//go:build darwin

package process

import (
	"errors"
	"os"
	"syscall"

	"github.com/tripwire/killswitch/internal/killerr"
)

// Terminate implements Source on Darwin using the same POSIX signal
// mechanism as Linux: SIGTERM for Graceful, SIGKILL for Forceful.
func (s *GopsutilSource) Terminate(pid int32, mode Mode) error {
	if pid == s.selfPID {
		return killerr.AccessDenied
	}

	sig := syscall.SIGTERM
	if mode == Forceful {
		sig = syscall.SIGKILL
	}

	proc, err := os.FindProcess(int(pid))
	if err != nil {
		return killerr.NotFound
	}

	if err := proc.Signal(sig); err != nil {
		switch {
		case errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH):
			return killerr.NotFound
		case errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM):
			return killerr.AccessDenied
		default:
			return killerr.NewSystemError("signal "+sig.String(), err)
		}
	}
	return nil
}

// IsElevated reports whether the agent runs as root (euid 0).
func (s *GopsutilSource) IsElevated() bool {
	return os.Geteuid() == 0
}

// CriticalNames returns the process names the Policy Engine's built-in
// allow set always protects on Darwin.
func CriticalNames() []string {
	return []string{"kernel_task", "launchd", "WindowServer"}
}
