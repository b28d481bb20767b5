// Package process is the Process Source capability seam: it enumerates live
// operating-system processes and exposes the termination primitives the Kill
// Governor needs. It is the one place platform divergence lives, expressed
// as a small capability set (Snapshot, Terminate, CurrentPID, IsElevated)
// selected at build time.
package process

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/tripwire/killswitch/internal/killerr"
)

// Mode selects how Terminate asks a process to exit.
type Mode int

const (
	// Graceful asks the process to close via the OS-native polite
	// mechanism (SIGTERM on Linux and Darwin). Windows and the other
	// platforms return NotImplemented for it.
	Graceful Mode = iota
	// Forceful hard-kills the process (SIGKILL / TerminateProcess).
	Forceful
)

func (m Mode) String() string {
	if m == Graceful {
		return "graceful"
	}
	return "forceful"
}

// Record is an immutable, point-in-time view of one live process. It is
// produced by a Snapshot call and must not be retained across scan ticks —
// PIDs are not stable identifiers once a tick ends.
type Record struct {
	PID        int32
	Name       string
	Path       string // absolute executable path; empty if unknown
	ParentPID  int32
	HasParent  bool
	MemoryRSS  uint64 // bytes
	CPUPercent float64
	Status     string
	Args       []string // ordered command-line arguments, args[0] is argv[0]
	Hash       string   // populated by the orchestrator via the hasher; empty until computed
}

// CommandLine returns the process's command-line arguments joined by single
// spaces, per the Command rule matching semantics.
func (r Record) CommandLine() string {
	return strings.Join(r.Args, " ")
}

// Source is the capability set the rest of the pipeline depends on. The
// default implementation is gopsutil-backed (see NewGopsutilSource); tests
// may supply a fake.
type Source interface {
	// Snapshot returns a best-effort point-in-time list of Records. A
	// failure enumerating one process must not fail the whole snapshot;
	// partial/missing fields are acceptable, but a process that can't be
	// enumerated at all is simply omitted.
	Snapshot() ([]Record, error)
	// Terminate asks pid to exit using mode. See killerr for the result
	// taxonomy (AccessDenied, NotFound, NotImplemented, SystemError).
	Terminate(pid int32, mode Mode) error
	// CurrentPID returns this agent process's own PID.
	CurrentPID() int32
	// IsElevated reports whether the agent runs with sufficient privilege
	// to terminate arbitrary processes (root / Administrator).
	IsElevated() bool
	// Running reports whether pid is still alive. The Kill Governor polls
	// this to confirm a graceful-termination request actually took effect.
	Running(pid int32) (bool, error)
}

// GopsutilSource implements Source on top of github.com/shirou/gopsutil/v3,
// which already provides the cross-platform process-list and resource-usage
// primitives the capability seam calls for; only termination and elevation
// checks are split into platform-specific files (process_linux.go,
// process_darwin.go, process_windows.go, process_other.go).
type GopsutilSource struct {
	selfPID int32
}

// NewGopsutilSource returns a ready-to-use Source.
func NewGopsutilSource() *GopsutilSource {
	return &GopsutilSource{selfPID: int32(os.Getpid())}
}

// CurrentPID implements Source.
func (s *GopsutilSource) CurrentPID() int32 { return s.selfPID }

// Snapshot implements Source. Per-PID enrichment (path, memory, cpu,
// cmdline) is best-effort: any single failed syscall only empties that
// field, never drops the process from the result or fails the whole call.
func (s *GopsutilSource) Snapshot() ([]Record, error) {
	pids, err := process.Pids()
	if err != nil {
		return nil, fmt.Errorf("process: list pids: %w", err)
	}

	records := make([]Record, 0, len(pids))
	for _, pid := range pids {
		p, err := process.NewProcess(pid)
		if err != nil {
			// Raced with exit between Pids and NewProcess; skip.
			continue
		}

		rec := Record{PID: pid}

		if name, err := p.Name(); err == nil {
			rec.Name = name
		}
		if exe, err := p.Exe(); err == nil {
			rec.Path = exe
		}
		if ppid, err := p.Ppid(); err == nil {
			rec.ParentPID = ppid
			rec.HasParent = true
		}
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			rec.MemoryRSS = mi.RSS
		}
		if cpu, err := p.CPUPercent(); err == nil {
			rec.CPUPercent = cpu
		}
		if status, err := p.Status(); err == nil && len(status) > 0 {
			rec.Status = strings.Join(status, ",")
		}
		if args, err := p.CmdlineSlice(); err == nil {
			rec.Args = args
		}

		// A process with no resolvable name at all is almost certainly a
		// kernel thread or a race with exit; gopsutil still returns one
		// record for it, so keep it — the policy engine matches an unnamed
		// process only against Name patterns that match the empty string
		// (such as "*"), never erroring out.
		records = append(records, rec)
	}

	return records, nil
}

// Running implements Source.
func (s *GopsutilSource) Running(pid int32) (bool, error) {
	ok, err := process.PidExists(pid)
	if err != nil {
		return false, killerr.NewSystemError("check pid liveness", err)
	}
	return ok, nil
}

// WaitExit polls Running until pid disappears or timeout elapses. It is used
// by the Kill Governor to confirm a graceful termination request succeeded.
func WaitExit(s Source, pid int32, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		alive, err := s.Running(pid)
		if err != nil || !alive {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	alive, err := s.Running(pid)
	return err == nil && !alive
}
