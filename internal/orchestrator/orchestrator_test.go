package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/killswitch/internal/audit"
	"github.com/tripwire/killswitch/internal/governor"
	"github.com/tripwire/killswitch/internal/hash"
	"github.com/tripwire/killswitch/internal/orchestrator"
	"github.com/tripwire/killswitch/internal/policyengine"
	"github.com/tripwire/killswitch/internal/policystore"
	"github.com/tripwire/killswitch/internal/process"
)

// fakeSource is a minimal process.Source test double; each orchestrator
// test constructs its own so the fixture records can vary per test.
type fakeSource struct {
	current    int32
	elevated   bool
	records    []process.Record
	terminated []int32
	alive      map[int32]bool
}

func newFakeSource(current int32, records []process.Record) *fakeSource {
	alive := make(map[int32]bool, len(records))
	for _, r := range records {
		alive[r.PID] = true
	}
	return &fakeSource{current: current, elevated: true, records: records, alive: alive}
}

func (f *fakeSource) Snapshot() ([]process.Record, error) { return f.records, nil }
func (f *fakeSource) CurrentPID() int32                   { return f.current }
func (f *fakeSource) IsElevated() bool                    { return f.elevated }
func (f *fakeSource) Running(pid int32) (bool, error)     { return f.alive[pid], nil }
func (f *fakeSource) Terminate(pid int32, mode process.Mode) error {
	f.terminated = append(f.terminated, pid)
	delete(f.alive, pid)
	return nil
}

func writePolicy(t *testing.T, doc policystore.Document) *policystore.Store {
	t.Helper()
	store := policystore.New(filepath.Join(t.TempDir(), "policy.yaml"))
	if err := store.Save(doc); err != nil {
		t.Fatalf("Save policy: %v", err)
	}
	return store
}

func denyByNameDoc() policystore.Document {
	return policystore.Document{
		Deny: []policystore.Rule{
			{ID: "deny_evil", Kind: policystore.KindName, Value: "evil.exe"},
		},
	}
}

func newOrchestrator(t *testing.T, source *fakeSource, store *policystore.Store) *orchestrator.Orchestrator {
	t.Helper()
	engine := policyengine.New("killswitch-agent", nil)
	// Seed the engine with the saved policy, as cmd/killswitch does; the
	// orchestrator itself only reloads the engine when the file changes.
	doc, err := store.Load()
	if err != nil {
		t.Fatalf("Load policy: %v", err)
	}
	engine.Load(doc)
	gov := governor.New(governor.Policy{
		GracefulKill:     false,
		ForceKillTimeout: 50 * time.Millisecond,
		Cooldown:         time.Hour,
		MaxRetryAttempts: 3,
	}, source, nil)
	logger, err := audit.Open(audit.Config{FilePath: filepath.Join(t.TempDir(), "audit.log")}, nil, nil)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })

	cfg := orchestrator.ScanConfig{EnableHashCheck: false, EnableCommandCheck: true}
	return orchestrator.New(source, hash.New(), engine, gov, logger, store, cfg, nil)
}

func TestTriggerScan_DeniedProcessIsKilled(t *testing.T) {
	records := []process.Record{
		{PID: 100, Name: "evil.exe", Path: "/bin/evil.exe"},
		{PID: 200, Name: "good.exe", Path: "/bin/good.exe"},
	}
	source := newFakeSource(999, records)
	store := writePolicy(t, denyByNameDoc())
	o := newOrchestrator(t, source, store)

	if err := o.TriggerScan(context.Background(), false); err != nil {
		t.Fatalf("TriggerScan: %v", err)
	}

	if len(source.terminated) != 1 || source.terminated[0] != 100 {
		t.Errorf("terminated = %v, want [100]", source.terminated)
	}

	stats := o.Stats()
	if stats.TotalScans != 1 {
		t.Errorf("TotalScans = %d, want 1", stats.TotalScans)
	}
	if stats.TotalDetected != 1 {
		t.Errorf("TotalDetected = %d, want 1", stats.TotalDetected)
	}
	if stats.TotalKilled != 1 {
		t.Errorf("TotalKilled = %d, want 1", stats.TotalKilled)
	}
	if stats.Governor.RestartBlockActive != 1 {
		t.Errorf("RestartBlockActive = %d, want 1", stats.Governor.RestartBlockActive)
	}
}

func TestTriggerScan_DryRunNeverKills(t *testing.T) {
	records := []process.Record{{PID: 100, Name: "evil.exe", Path: "/bin/evil.exe"}}
	source := newFakeSource(999, records)
	store := writePolicy(t, denyByNameDoc())
	o := newOrchestrator(t, source, store)

	if err := o.TriggerScan(context.Background(), true); err != nil {
		t.Fatalf("TriggerScan: %v", err)
	}

	if len(source.terminated) != 0 {
		t.Errorf("terminated = %v, want none in dry-run mode", source.terminated)
	}
	if got := o.Stats().TotalDetected; got != 1 {
		t.Errorf("TotalDetected = %d, want 1 (dry-run still classifies)", got)
	}
}

func TestTriggerScan_NeverKillsSelf(t *testing.T) {
	records := []process.Record{{PID: 42, Name: "evil.exe", Path: "/bin/evil.exe"}}
	source := newFakeSource(42, records)
	store := writePolicy(t, denyByNameDoc())
	o := newOrchestrator(t, source, store)

	if err := o.TriggerScan(context.Background(), false); err != nil {
		t.Fatalf("TriggerScan: %v", err)
	}
	if len(source.terminated) != 0 {
		t.Errorf("terminated = %v, want none: self PID must never be a kill target", source.terminated)
	}
}

func TestTriggerScan_NotElevatedSkipsKill(t *testing.T) {
	records := []process.Record{{PID: 100, Name: "evil.exe", Path: "/bin/evil.exe"}}
	source := newFakeSource(999, records)
	source.elevated = false
	store := writePolicy(t, denyByNameDoc())
	o := newOrchestrator(t, source, store)

	if err := o.TriggerScan(context.Background(), false); err != nil {
		t.Fatalf("TriggerScan: %v", err)
	}
	if len(source.terminated) != 0 {
		t.Errorf("terminated = %v, want none without elevated privilege", source.terminated)
	}
}

func TestTriggerScan_AllowedProcessIsUntouched(t *testing.T) {
	records := []process.Record{{PID: 100, Name: "good.exe", Path: "/bin/good.exe"}}
	source := newFakeSource(999, records)
	store := writePolicy(t, denyByNameDoc())
	o := newOrchestrator(t, source, store)

	if err := o.TriggerScan(context.Background(), false); err != nil {
		t.Fatalf("TriggerScan: %v", err)
	}
	if len(source.terminated) != 0 {
		t.Errorf("terminated = %v, want none", source.terminated)
	}
	if got := o.Stats().TotalDetected; got != 0 {
		t.Errorf("TotalDetected = %d, want 0", got)
	}
}

func TestEmergencyStop_BlocksStartDaemonUntilRearm(t *testing.T) {
	store := writePolicy(t, denyByNameDoc())
	source := newFakeSource(999, nil)
	o := newOrchestrator(t, source, store)

	if err := o.StartDaemon(20*time.Millisecond, true); err != nil {
		t.Fatalf("StartDaemon: %v", err)
	}
	o.EmergencyStop()

	if err := o.StartDaemon(20*time.Millisecond, true); err == nil {
		t.Fatal("StartDaemon after EmergencyStop should fail until Rearm")
	}

	o.Rearm()
	if err := o.StartDaemon(20*time.Millisecond, true); err != nil {
		t.Fatalf("StartDaemon after Rearm: %v", err)
	}
	o.StopDaemon()

	if o.Stats().EmergencyStopped {
		t.Error("EmergencyStopped should be false after Rearm")
	}
}

func TestStartStopDaemon_RunsPeriodicTicks(t *testing.T) {
	store := writePolicy(t, denyByNameDoc())
	source := newFakeSource(999, nil)
	o := newOrchestrator(t, source, store)

	if err := o.StartDaemon(10*time.Millisecond, true); err != nil {
		t.Fatalf("StartDaemon: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	o.StopDaemon()

	if got := o.Stats().TotalScans; got < 2 {
		t.Errorf("TotalScans = %d, want at least 2 ticks over 60ms at a 10ms interval", got)
	}
	if o.Stats().DaemonRunning {
		t.Error("DaemonRunning should be false after StopDaemon")
	}
}

func TestTriggerScan_InvalidPolicyKeepsLastKnownGood(t *testing.T) {
	records := []process.Record{{PID: 100, Name: "evil.exe", Path: "/bin/evil.exe"}}
	source := newFakeSource(999, records)
	store := writePolicy(t, denyByNameDoc())
	o := newOrchestrator(t, source, store)

	if err := o.TriggerScan(context.Background(), false); err != nil {
		t.Fatalf("first TriggerScan: %v", err)
	}
	if len(source.terminated) != 1 {
		t.Fatalf("terminated = %v, want one kill on the first tick", source.terminated)
	}

	// Corrupt the on-disk policy document: well-formed YAML, but it fails
	// Document.Validate (no enabled rule in either list). A daemon must
	// keep enforcing its last-known-good policy rather than abort the tick
	// or fall back to an empty one.
	if err := os.WriteFile(store.Path(), []byte("allow: []\ndeny: []\n"), 0o600); err != nil {
		t.Fatalf("write invalid policy: %v", err)
	}

	source.records = append(source.records, process.Record{PID: 101, Name: "evil.exe", Path: "/bin/evil2.exe"})
	source.alive[101] = true

	if err := o.TriggerScan(context.Background(), false); err != nil {
		t.Fatalf("TriggerScan with an invalid policy document on disk must not abort the tick: %v", err)
	}
	if len(source.terminated) != 2 {
		t.Errorf("terminated = %v, want two kills total (last-known-good policy still enforced)", source.terminated)
	}
}

func TestStartDaemon_RejectsDoubleStart(t *testing.T) {
	store := writePolicy(t, denyByNameDoc())
	source := newFakeSource(999, nil)
	o := newOrchestrator(t, source, store)

	if err := o.StartDaemon(time.Hour, true); err != nil {
		t.Fatalf("StartDaemon: %v", err)
	}
	defer o.StopDaemon()

	if err := o.StartDaemon(time.Hour, true); err == nil {
		t.Error("second StartDaemon call should fail while already running")
	}
}
