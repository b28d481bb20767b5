//go:build linux

package process

import (
	"errors"
	"os"
	"syscall"

	"github.com/tripwire/killswitch/internal/killerr"
)

// Terminate implements Source on Linux. Graceful sends SIGTERM; Forceful
// sends SIGKILL.
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

// IsElevated reports whether the agent runs as root (euid 0), the privilege
// level Linux requires to signal arbitrary processes.
func (s *GopsutilSource) IsElevated() bool {
	return os.Geteuid() == 0
}

// CriticalNames returns the process names the Policy Engine's built-in
// allow set always protects on Linux.
func CriticalNames() []string {
	return []string{"init", "systemd", "kthreadd", "kernel_task"}
}
