//go:build !linux && !darwin && !windows

package process

import "github.com/tripwire/killswitch/internal/killerr"

// Terminate implements Source on platforms with no supported termination
// primitive. It always reports NotImplemented so the Kill Governor's
// escalation logic degrades predictably instead of the agent failing to
// build.
func (s *GopsutilSource) Terminate(pid int32, mode Mode) error {
	return killerr.NotImplemented
}

// IsElevated conservatively reports false on unsupported platforms.
func (s *GopsutilSource) IsElevated() bool {
	return false
}

// CriticalNames returns no platform-specific critical process names on
// unsupported platforms; the Policy Engine's self-protection rule still
// applies regardless.
func CriticalNames() []string {
	return nil
}
