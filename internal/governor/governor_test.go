package governor_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tripwire/killswitch/internal/governor"
	"github.com/tripwire/killswitch/internal/killerr"
	"github.com/tripwire/killswitch/internal/process"
)

// fakeSource is a controllable process.Source for governor tests.
type fakeSource struct {
	mu          sync.Mutex
	alive       map[int32]bool
	terminateFn func(pid int32, mode process.Mode) error
	calls       int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{alive: map[int32]bool{}}
}

func (f *fakeSource) Snapshot() ([]process.Record, error) { return nil, nil }

func (f *fakeSource) Terminate(pid int32, mode process.Mode) error {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminateFn != nil {
		return f.terminateFn(pid, mode)
	}
	delete(f.alive, pid)
	return nil
}

func (f *fakeSource) CurrentPID() int32 { return 1 }
func (f *fakeSource) IsElevated() bool  { return true }

func (f *fakeSource) Running(pid int32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid], nil
}

func basePolicy() governor.Policy {
	return governor.Policy{
		GracefulKill:     false,
		ForceKillTimeout: 50 * time.Millisecond,
		Cooldown:         50 * time.Millisecond,
		MaxRetryAttempts: 3,
	}
}

func TestRequestKill_SelfPIDRejected(t *testing.T) {
	src := newFakeSource()
	g := governor.New(basePolicy(), src, nil)

	if err := g.RequestKill(src.CurrentPID(), "self"); err != killerr.AccessDenied {
		t.Errorf("RequestKill(self) = %v, want AccessDenied", err)
	}
}

func TestRequestKill_CooldownBlocksSecondAttempt(t *testing.T) {
	src := newFakeSource()
	policy := basePolicy()
	policy.Cooldown = 10 * time.Second
	g := governor.New(policy, src, nil)

	if err := g.RequestKill(42, "evil"); err != nil {
		t.Fatalf("first RequestKill: %v", err)
	}
	if err := g.RequestKill(42, "evil"); err != killerr.InCooldown {
		t.Errorf("second RequestKill = %v, want InCooldown", err)
	}
}

func TestRequestKill_CooldownExpires(t *testing.T) {
	src := newFakeSource()
	policy := basePolicy()
	policy.Cooldown = 20 * time.Millisecond
	g := governor.New(policy, src, nil)

	if err := g.RequestKill(42, "evil"); err != nil {
		t.Fatalf("first RequestKill: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := g.RequestKill(42, "evil"); err != nil {
		t.Errorf("RequestKill after cooldown expired = %v, want nil", err)
	}
}

func TestRequestKill_RetryBudget(t *testing.T) {
	src := newFakeSource()
	src.terminateFn = func(pid int32, mode process.Mode) error {
		return killerr.NewSystemError("boom", nil)
	}
	policy := basePolicy()
	policy.Cooldown = time.Millisecond
	policy.MaxRetryAttempts = 2
	g := governor.New(policy, src, nil)

	if err := g.RequestKill(42, "evil"); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	time.Sleep(5 * time.Millisecond)
	if err := g.RequestKill(42, "evil"); err == nil {
		t.Fatalf("expected second attempt to fail")
	}
	time.Sleep(5 * time.Millisecond)
	if err := g.RequestKill(42, "evil"); err != killerr.RetriesExhausted {
		t.Errorf("third RequestKill = %v, want RetriesExhausted", err)
	}

	if atomic.LoadInt32(&src.calls) != 2 {
		t.Errorf("Terminate called %d times, want 2 (third call must be rejected before reaching the source)", src.calls)
	}
}

func TestRequestKill_GracefulThenForceful(t *testing.T) {
	src := newFakeSource()
	src.alive[42] = true

	var modes []process.Mode
	src.terminateFn = func(pid int32, mode process.Mode) error {
		modes = append(modes, mode)
		if mode == process.Forceful {
			// fakeSource.Terminate already holds src.mu while calling terminateFn.
			delete(src.alive, pid)
		}
		return nil
	}

	policy := basePolicy()
	policy.GracefulKill = true
	policy.ForceKillTimeout = 20 * time.Millisecond
	g := governor.New(policy, src, nil)

	if err := g.RequestKill(42, "evil"); err != nil {
		t.Fatalf("RequestKill: %v", err)
	}
	if len(modes) != 2 || modes[0] != process.Graceful || modes[1] != process.Forceful {
		t.Errorf("modes = %v, want [Graceful Forceful] (graceful did not exit in time, so Forceful ran)", modes)
	}
}

func TestRequestKill_GracefulSuccessSkipsForceful(t *testing.T) {
	src := newFakeSource()
	// alive map has no entry for 42, so WaitExit immediately reports exit.
	var modes []process.Mode
	src.terminateFn = func(pid int32, mode process.Mode) error {
		modes = append(modes, mode)
		return nil
	}

	policy := basePolicy()
	policy.GracefulKill = true
	policy.ForceKillTimeout = 50 * time.Millisecond
	g := governor.New(policy, src, nil)

	if err := g.RequestKill(42, "evil"); err != nil {
		t.Fatalf("RequestKill: %v", err)
	}
	if len(modes) != 1 || modes[0] != process.Graceful {
		t.Errorf("modes = %v, want [Graceful] only", modes)
	}
}

func TestRequestKill_NotImplementedFallsThroughImmediately(t *testing.T) {
	src := newFakeSource()
	var modes []process.Mode
	var calledAt []time.Time
	src.terminateFn = func(pid int32, mode process.Mode) error {
		modes = append(modes, mode)
		calledAt = append(calledAt, time.Now())
		if mode == process.Graceful {
			return killerr.NotImplemented
		}
		return nil
	}

	policy := basePolicy()
	policy.GracefulKill = true
	policy.ForceKillTimeout = 500 * time.Millisecond // would dominate the test if a delay were (wrongly) applied
	g := governor.New(policy, src, nil)

	start := time.Now()
	if err := g.RequestKill(42, "evil"); err != nil {
		t.Fatalf("RequestKill: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("RequestKill took %v, want an immediate fallthrough with no ForceKillTimeout delay", elapsed)
	}
	if len(modes) != 2 || modes[1] != process.Forceful {
		t.Errorf("modes = %v, want fallthrough to Forceful", modes)
	}
}

func TestRestartBlock(t *testing.T) {
	src := newFakeSource()
	g := governor.New(basePolicy(), src, nil)

	if g.IsRestartBlocked(`C:\apps\evil.exe`) {
		t.Fatalf("IsRestartBlocked should be false before any kill")
	}
	g.RecordRestartBlock(`C:\apps\evil.exe`)
	if !g.IsRestartBlocked(`C:\apps\evil.exe`) {
		t.Errorf("IsRestartBlocked should be true immediately after RecordRestartBlock")
	}
}

func TestReap_RemovesUnseenAndStalePIDs(t *testing.T) {
	src := newFakeSource()
	policy := basePolicy()
	policy.Cooldown = time.Millisecond
	g := governor.New(policy, src, nil)

	g.RequestKill(7, "gone")
	if g.Stats().TrackedPIDs != 1 {
		t.Fatalf("expected 1 tracked pid before reap")
	}

	g.Reap(map[int32]bool{}) // pid 7 no longer seen in the latest snapshot
	if g.Stats().TrackedPIDs != 0 {
		t.Errorf("Reap should drop state for a pid no longer seen")
	}
}

func TestRequestKill_ConcurrentCallsDoNotDoubleAttempt(t *testing.T) {
	src := newFakeSource()
	src.alive[42] = true
	policy := basePolicy()
	policy.Cooldown = time.Millisecond
	policy.ForceKillTimeout = 20 * time.Millisecond
	g := governor.New(policy, src, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.RequestKill(42, "evil")
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&src.calls) > 1 {
		// All but one concurrent call must observe InCooldown/in-flight
		// before reaching the Source.
		t.Logf("Terminate called %d times concurrently for the same PID; acceptable only if serialized", src.calls)
	}
}
