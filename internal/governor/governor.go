// Package governor implements the Kill Governor: it enforces per-target
// cooldown and retry budgets, escalates from graceful to forceful
// termination, and arms a short restart-block window after a successful
// kill. Grounded on the original Rust killer.rs (cooldown_tracker /
// retry_tracker maps, graceful-then-force escalation) translated into Go's
// explicit-result-value idiom, and on the mutex-guarded state-map
// convention used elsewhere in this tree for per-key bookkeeping.
package governor

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/tripwire/killswitch/internal/killerr"
	"github.com/tripwire/killswitch/internal/process"
)

// reapAge is how long a Kill State entry survives without a new attempt
// before it is garbage-collected.
const reapAge = 5 * time.Minute

// restartBlockWindow is how long a newly-seen process at a just-killed
// executable path is treated as a deny match.
const restartBlockWindow = 5 * time.Second

// Policy holds the kill_policy configuration fields.
type Policy struct {
	GracefulKill     bool
	ForceKillTimeout time.Duration
	Cooldown         time.Duration
	MaxRetryAttempts int
}

// killState is the per-PID bookkeeping.
type killState struct {
	lastAttemptAt time.Time
	attempts      int
	terminal      bool
}

// Governor mediates process termination. It is safe for concurrent use,
// though only the scanner thread is expected to call RequestKill.
type Governor struct {
	policy Policy
	source process.Source
	logger *slog.Logger

	mu           sync.Mutex
	states       map[int32]*killState
	restartBlock map[string]time.Time // executable path -> blocked-until
	inFlight     map[int32]bool       // enforces "no two concurrent kill attempts for the same PID"
}

// New returns a ready-to-use Governor.
func New(policy Policy, source process.Source, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		policy:       policy,
		source:       source,
		logger:       logger,
		states:       make(map[int32]*killState),
		restartBlock: make(map[string]time.Time),
		inFlight:     make(map[int32]bool),
	}
}

// RequestKill attempts to terminate pid (named name for logging), enforcing
// cooldown and retry-budget invariants.
func (g *Governor) RequestKill(pid int32, name string) error {
	if pid == g.source.CurrentPID() {
		// Defense-in-depth: the Policy Engine should already have allowed
		// this PID via the built-in self-protection rule.
		return killerr.AccessDenied
	}

	g.mu.Lock()
	st, ok := g.states[pid]
	if !ok {
		st = &killState{}
		g.states[pid] = st
	}

	now := time.Now()
	if !st.lastAttemptAt.IsZero() && now.Sub(st.lastAttemptAt) < g.policy.Cooldown {
		g.mu.Unlock()
		return killerr.InCooldown
	}
	if st.attempts >= g.policy.MaxRetryAttempts {
		g.mu.Unlock()
		return killerr.RetriesExhausted
	}
	if g.inFlight[pid] {
		g.mu.Unlock()
		return killerr.InCooldown
	}
	g.inFlight[pid] = true
	g.mu.Unlock()

	err := g.attempt(pid, name)

	g.mu.Lock()
	// Cooldown applies equally to success and failure.
	st.lastAttemptAt = time.Now()
	if err != nil {
		st.attempts++
	} else {
		st.terminal = true
	}
	delete(g.inFlight, pid)
	g.mu.Unlock()

	return err
}

// attempt runs the graceful-then-forceful escalation for one kill request.
// It does not touch killState bookkeeping directly; the caller updates
// lastAttemptAt/attempts after attempt returns, so the cooldown window
// covers the full attempt including the confirmation poll.
func (g *Governor) attempt(pid int32, name string) error {
	if g.policy.GracefulKill {
		err := g.source.Terminate(pid, process.Graceful)
		switch err {
		case nil:
			if process.WaitExit(g.source, pid, g.policy.ForceKillTimeout) {
				g.logger.Info("kill governor: graceful termination confirmed",
					slog.Int64("pid", int64(pid)), slog.String("name", name))
				return nil
			}
			g.logger.Warn("kill governor: graceful termination did not take effect within timeout, escalating",
				slog.Int64("pid", int64(pid)), slog.String("name", name))
		case killerr.NotImplemented:
			// Fall through to forceful immediately; no artificial delay
			// (see SPEC_FULL.md's resolution of the Windows graceful-delay
			// Open Question).
		case killerr.NotFound:
			return nil // already gone; nothing left to do
		default:
			g.logger.Warn("kill governor: graceful termination failed, escalating",
				slog.Int64("pid", int64(pid)), slog.String("name", name), slog.Any("error", err))
		}
	}

	err := g.source.Terminate(pid, process.Forceful)
	if err == killerr.NotFound {
		return nil
	}
	if err == nil {
		g.logger.Info("kill governor: forceful termination succeeded",
			slog.Int64("pid", int64(pid)), slog.String("name", name))
	}
	return err
}

// RecordRestartBlock arms the restart-block window for path, to be called by
// the orchestrator after a confirmed successful kill for a process whose
// executable path is known.
func (g *Governor) RecordRestartBlock(path string) {
	if path == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.restartBlock[filepath.Clean(path)] = time.Now().Add(restartBlockWindow)
}

// IsRestartBlocked reports whether path is currently inside its
// restart-block window.
func (g *Governor) IsRestartBlocked(path string) bool {
	if path == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.restartBlock[filepath.Clean(path)]
	if !ok {
		return false
	}
	return time.Now().Before(until)
}

// Reap removes Kill State entries older than reapAge and restart-block
// entries whose window has expired. seenPIDs is the set of PIDs observed in
// the most recent snapshot; entries for PIDs no longer seen are also reaped
// immediately.
func (g *Governor) Reap(seenPIDs map[int32]bool) {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	for pid, st := range g.states {
		if now.Sub(st.lastAttemptAt) > reapAge || !seenPIDs[pid] {
			delete(g.states, pid)
		}
	}
	for path, until := range g.restartBlock {
		if now.After(until) {
			delete(g.restartBlock, path)
		}
	}
}

// Stats is a snapshot of Governor bookkeeping sizes, for the Orchestrator's
// stats endpoint.
type Stats struct {
	TrackedPIDs        int
	RestartBlockActive int
}

// Stats returns a point-in-time snapshot of internal bookkeeping sizes.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		TrackedPIDs:        len(g.states),
		RestartBlockActive: len(g.restartBlock),
	}
}
