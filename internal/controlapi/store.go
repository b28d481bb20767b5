package controlapi

import (
	"context"
	"time"

	"github.com/tripwire/killswitch/internal/audit"
	"github.com/tripwire/killswitch/internal/events"
	"github.com/tripwire/killswitch/internal/orchestrator"
	"github.com/tripwire/killswitch/internal/policystore"
)

// Scanner is the subset of *orchestrator.Orchestrator the Control API
// depends on. Defining it as an interface lets handlers be tested without a
// live process source or audit log.
type Scanner interface {
	TriggerScan(ctx context.Context, dryRun bool) error
	StartDaemon(interval time.Duration, dryRun bool) error
	StopDaemon()
	EmergencyStop()
	Rearm()
	Stats() orchestrator.Stats
}

// PolicyStore is the subset of *policystore.Store the Control API depends on.
type PolicyStore interface {
	Load() (policystore.Document, error)
	Save(doc policystore.Document) error
}

// AuditStore is the subset of *audit.Logger the Control API depends on.
type AuditStore interface {
	Recent(limit int) []audit.Entry
	ByKind(kind audit.Kind, limit int) ([]audit.Entry, error)
	ByTime(start, end time.Time) ([]audit.Entry, error)
}

// EventBus is the subset of *events.Bus the SSE handler depends on.
type EventBus interface {
	Subscribe(id string) *events.Subscriber
	Unsubscribe(id string)
}
