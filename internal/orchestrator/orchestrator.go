// Package orchestrator implements the Scan Orchestrator: it drives single
// and periodic scans, wires the Process Source, Artifact Hasher, Policy
// Engine, Kill Governor, Audit Log, and Policy Store together, and exposes
// start/stop/emergency-stop control.
//
// Grounded on internal/agent/agent.go's functional-options construction,
// mutex-guarded running flag, context-cancellation lifecycle, and
// wg.Wait-on-Stop shutdown sequencing, generalized from a
// watcher-fan-in/transport-forward pipeline into the scan-policy-kill tick
// loop of package orchestrator.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tripwire/killswitch/internal/audit"
	"github.com/tripwire/killswitch/internal/governor"
	"github.com/tripwire/killswitch/internal/hash"
	"github.com/tripwire/killswitch/internal/killerr"
	"github.com/tripwire/killswitch/internal/policyengine"
	"github.com/tripwire/killswitch/internal/policystore"
	"github.com/tripwire/killswitch/internal/process"
)

// Publisher is the subset of events.Bus the Orchestrator depends on.
type Publisher interface {
	Publish(topic string, payload any)
}

// ScanConfig holds the scanning.* configuration fields relevant to a tick.
type ScanConfig struct {
	EnableHashCheck    bool
	EnableCommandCheck bool
}

// Stats is a point-in-time snapshot of orchestrator counters, returned by
// the Control API's stats endpoint.
type Stats struct {
	TotalScans       int64
	TotalDetected    int64
	TotalKilled      int64
	LastScanAt       time.Time
	DaemonRunning    bool
	EmergencyStopped bool
	Governor         governor.Stats
	Audit            audit.Stats
}

// Orchestrator is the Scan Orchestrator. Create one with New.
type Orchestrator struct {
	source   process.Source
	hasher   *hash.Hasher
	engine   *policyengine.Engine
	gov      *governor.Governor
	auditLog *audit.Logger
	store    *policystore.Store
	cfg      ScanConfig
	logger   *slog.Logger
	bus      Publisher

	mu               sync.Mutex
	daemonCancel     context.CancelFunc
	daemonWG         sync.WaitGroup
	running          bool
	emergencyStopped bool

	totalScans    int64
	totalDetected int64
	totalKilled   int64
	lastScanAt    time.Time
}

// Option is a functional option for Orchestrator construction.
type Option func(*Orchestrator)

// WithBus registers the Event Bus that scan-event/daemon-status/config-event
// are published to. Omitting it disables publishing, which is useful in
// tests and the `validate`/`scan` one-shot CLI paths.
func WithBus(b Publisher) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// New constructs an Orchestrator from its required collaborators.
func New(
	source process.Source,
	hasher *hash.Hasher,
	engine *policyengine.Engine,
	gov *governor.Governor,
	auditLog *audit.Logger,
	store *policystore.Store,
	cfg ScanConfig,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		source:   source,
		hasher:   hasher,
		engine:   engine,
		gov:      gov,
		auditLog: auditLog,
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) publish(topic string, payload any) {
	if o.bus != nil {
		o.bus.Publish(topic, payload)
	}
}

// refreshPolicy reloads the Policy Store (a no-op when the file hasn't
// changed) and, if the document changed, reloads the Policy Engine and
// emits ConfigChanged. A ConfigInvalid error (the document failed
// validation) is not propagated: the last-known-good policy stays active,
// a SystemEvent is emitted at severity error, and the tick continues, per
// the error taxonomy's non-fatal-for-daemon handling of ConfigInvalid.
func (o *Orchestrator) refreshPolicy() error {
	changed := o.store.Changed()
	doc, err := o.store.Load()
	if err != nil {
		if errors.Is(err, killerr.ConfigInvalid) {
			o.auditLog.Append(audit.SystemEvent("policy_invalid", audit.SeverityError,
				fmt.Sprintf("policy document invalid, keeping last-known-good policy: %v", err)))
			return nil
		}
		return fmt.Errorf("orchestrator: load policy: %w", err)
	}
	if !changed {
		return nil
	}

	warnings := o.engine.Load(doc)
	for _, w := range warnings {
		o.auditLog.Append(audit.SystemEvent("policy_warning", audit.SeverityWarn, w.Message))
	}
	o.auditLog.Append(audit.ConfigChanged("policy_store", "policy document reloaded"))
	o.publish("config-event", doc)
	return nil
}

// TriggerScan runs one scan tick: refresh policy, snapshot, evaluate and act
// on every process, emit events. dryRun classifies without ever invoking the
// Governor; ctx cancellation is observed between processes (never
// mid-termination).
func (o *Orchestrator) TriggerScan(ctx context.Context, dryRun bool) error {
	start := time.Now()

	if err := o.refreshPolicy(); err != nil {
		return err
	}

	o.auditLog.Append(audit.ScanStarted())
	o.publish("scan-event", audit.ScanStarted())

	records, err := o.source.Snapshot()
	if err != nil {
		return fmt.Errorf("orchestrator: snapshot: %w", err)
	}

	selfPID := o.source.CurrentPID()
	seen := make(map[int32]bool, len(records))
	var detected, killed int

	for _, rec := range records {
		seen[rec.PID] = true

		select {
		case <-ctx.Done():
			goto done
		default:
		}

		if rec.PID == selfPID {
			continue
		}
		if !o.cfg.EnableCommandCheck {
			rec.Args = nil
		}
		if o.cfg.EnableHashCheck && rec.Path != "" {
			if digest, ok := o.hasher.Hash(rec.Path); ok {
				rec.Hash = digest
			}
		}

		verdict := o.classify(rec)
		if verdict.Outcome != policyengine.Deny {
			continue
		}

		detected++
		o.auditLog.Append(audit.ThreatDetected(rec.PID, rec.Name, verdict.RuleID))
		o.publish("scan-event", audit.ThreatDetected(rec.PID, rec.Name, verdict.RuleID))

		if dryRun || !o.source.IsElevated() {
			o.auditLog.Append(audit.ProcessKilled(rec.PID, rec.Name, false, "restricted"))
			continue
		}

		if err := o.gov.RequestKill(rec.PID, rec.Name); err != nil {
			o.auditLog.Append(audit.ProcessKilled(rec.PID, rec.Name, false, err.Error()))
			continue
		}
		killed++
		o.gov.RecordRestartBlock(rec.Path)
		o.auditLog.Append(audit.ProcessKilled(rec.PID, rec.Name, true, ""))
	}
done:

	o.gov.Reap(seen)

	elapsed := time.Since(start)
	completed := audit.ScanCompleted(len(records), detected, killed, elapsed)
	o.auditLog.Append(completed)
	o.publish("scan-event", completed)

	o.mu.Lock()
	o.totalScans++
	o.totalDetected += int64(detected)
	o.totalKilled += int64(killed)
	o.lastScanAt = time.Now()
	o.mu.Unlock()

	return nil
}

// classify evaluates rec, first checking the restart-block window (treated
// as if a deny rule matched, with rule id restart_block).
func (o *Orchestrator) classify(rec process.Record) policyengine.Verdict {
	if rec.Path != "" && o.gov.IsRestartBlocked(rec.Path) {
		return policyengine.Verdict{Outcome: policyengine.Deny, RuleID: policyengine.RestartBlockRuleID}
	}
	return o.engine.Evaluate(rec)
}

// StartDaemon begins a periodic scan loop at the given interval, running
// until StopDaemon or EmergencyStop is called. It returns an error if the
// daemon is already running or the agent is emergency-stopped and has not
// been re-armed.
func (o *Orchestrator) StartDaemon(interval time.Duration, dryRun bool) error {
	o.mu.Lock()
	if o.emergencyStopped {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: emergency-stopped, call Rearm before starting the daemon again")
	}
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: daemon already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.daemonCancel = cancel
	o.running = true
	o.mu.Unlock()

	o.auditLog.Append(audit.SystemEvent("daemon", audit.SeverityInfo, "daemon started"))
	o.publish("daemon-status", "started")

	o.daemonWG.Add(1)
	go o.loop(ctx, interval, dryRun)
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, interval time.Duration, dryRun bool) {
	defer o.daemonWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := o.TriggerScan(ctx, dryRun); err != nil {
			o.logger.Error("orchestrator: scan tick failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StopDaemon signals the scan loop to stop and waits for it to exit; a tick
// in progress ends after the process it is handling. It is safe to call when
// the daemon is not running.
func (o *Orchestrator) StopDaemon() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.daemonCancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.daemonWG.Wait()

	o.auditLog.Append(audit.SystemEvent("daemon", audit.SeverityInfo, "daemon stopped"))
	o.publish("daemon-status", "stopped")
}

// EmergencyStop hard-stops the daemon, emits a high-severity SystemEvent,
// and refuses subsequent StartDaemon calls until Rearm is called.
func (o *Orchestrator) EmergencyStop() {
	o.StopDaemon()

	o.mu.Lock()
	o.emergencyStopped = true
	o.mu.Unlock()

	o.auditLog.Append(audit.SystemEvent("emergency_stop", audit.SeverityError, "emergency stop engaged"))
	o.publish("daemon-status", "emergency-stopped")
}

// Rearm clears the emergency-stop flag so StartDaemon can be called again.
func (o *Orchestrator) Rearm() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emergencyStopped = false
}

// Stats returns a point-in-time snapshot of orchestrator, Governor, and
// Audit Log counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{
		TotalScans:       o.totalScans,
		TotalDetected:    o.totalDetected,
		TotalKilled:      o.totalKilled,
		LastScanAt:       o.lastScanAt,
		DaemonRunning:    o.running,
		EmergencyStopped: o.emergencyStopped,
		Governor:         o.gov.Stats(),
		Audit:            o.auditLog.Stats(),
	}
}
