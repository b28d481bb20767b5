//go:build windows

package process

import (
	"syscall"

	"github.com/tripwire/killswitch/internal/killerr"
)

// Terminate implements Source on Windows. Graceful termination (a
// close-window message to the process's top-level windows) is not
// implemented by this agent, so it returns NotImplemented and the Kill
// Governor falls through to Forceful immediately with no artificial delay.
// Forceful uses TerminateProcess via the standard syscall package.
func (s *GopsutilSource) Terminate(pid int32, mode Mode) error {
	if pid == s.selfPID {
		return killerr.AccessDenied
	}

	if mode == Graceful {
		return killerr.NotImplemented
	}

	const desiredAccess = syscall.PROCESS_TERMINATE
	handle, err := syscall.OpenProcess(desiredAccess, false, uint32(pid))
	if err != nil {
		if err == syscall.ERROR_ACCESS_DENIED {
			return killerr.AccessDenied
		}
		return killerr.NotFound
	}
	defer syscall.CloseHandle(handle)

	if err := syscall.TerminateProcess(handle, 1); err != nil {
		if err == syscall.ERROR_ACCESS_DENIED {
			return killerr.AccessDenied
		}
		return killerr.NewSystemError("TerminateProcess", err)
	}
	return nil
}

// IsElevated reports whether the current process token has administrator
// privileges. Determining this precisely requires inspecting the process
// token's elevation state; this conservative implementation checks whether
// the process can open itself with PROCESS_ALL_ACCESS, which fails for a
// non-elevated token on a UAC-enabled system.
func (s *GopsutilSource) IsElevated() bool {
	handle, err := syscall.OpenProcess(syscall.PROCESS_ALL_ACCESS, false, uint32(s.selfPID))
	if err != nil {
		return false
	}
	syscall.CloseHandle(handle)
	return true
}

// CriticalNames returns the process names the Policy Engine's built-in
// allow set always protects on Windows.
func CriticalNames() []string {
	return []string{"System", "smss.exe", "csrss.exe", "wininit.exe", "services.exe", "lsass.exe", "winlogon.exe"}
}
