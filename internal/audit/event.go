package audit

import "time"

// Kind tags the payload carried by an Event record.
type Kind string

const (
	KindScanStarted    Kind = "ScanStarted"
	KindScanCompleted  Kind = "ScanCompleted"
	KindThreatDetected Kind = "ThreatDetected"
	KindProcessKilled  Kind = "ProcessKilled"
	KindConfigChanged  Kind = "ConfigChanged"
	KindSystemEvent    Kind = "SystemEvent"
	KindAppStarted     Kind = "AppStarted"
	KindAppStopped     Kind = "AppStopped"
)

// Severity is the severity of a SystemEvent.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is a tagged record with a UTC timestamp and a payload determined by
// Kind. Only the fields relevant to Kind are populated; the rest are left at
// their zero value (and omitted from the JSON and compact encodings).
type Event struct {
	Kind      Kind      `json:"event_type"`
	Timestamp time.Time `json:"ts"`

	// ScanCompleted
	Scanned   int   `json:"scanned,omitempty"`
	Detected  int   `json:"detected,omitempty"`
	Killed    int   `json:"killed,omitempty"`
	ElapsedMS int64 `json:"elapsed_ms,omitempty"`

	// ThreatDetected / ProcessKilled
	PID    int32  `json:"pid,omitempty"`
	Name   string `json:"name,omitempty"`
	RuleID string `json:"rule,omitempty"`

	// ProcessKilled
	Success bool   `json:"success,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// ConfigChanged
	Actor string `json:"actor,omitempty"`
	Diff  string `json:"diff,omitempty"`

	// SystemEvent
	SystemKind string   `json:"system_kind,omitempty"`
	Severity   Severity `json:"severity,omitempty"`
	Message    string   `json:"message,omitempty"`

	// AppStarted / AppStopped
	Version  string `json:"version,omitempty"`
	Elevated bool   `json:"elevated,omitempty"`
}

func ScanStarted() Event {
	return Event{Kind: KindScanStarted}
}

func ScanCompleted(scanned, detected, killed int, elapsed time.Duration) Event {
	return Event{
		Kind:      KindScanCompleted,
		Scanned:   scanned,
		Detected:  detected,
		Killed:    killed,
		ElapsedMS: elapsed.Milliseconds(),
	}
}

func ThreatDetected(pid int32, name, ruleID string) Event {
	return Event{Kind: KindThreatDetected, PID: pid, Name: name, RuleID: ruleID}
}

func ProcessKilled(pid int32, name string, success bool, reason string) Event {
	return Event{Kind: KindProcessKilled, PID: pid, Name: name, Success: success, Reason: reason}
}

func ConfigChanged(actor, diff string) Event {
	return Event{Kind: KindConfigChanged, Actor: actor, Diff: diff}
}

func SystemEvent(kind string, severity Severity, message string) Event {
	return Event{Kind: KindSystemEvent, SystemKind: kind, Severity: severity, Message: message}
}

func AppStarted(version string, elevated bool) Event {
	return Event{Kind: KindAppStarted, Version: version, Elevated: elevated}
}

func AppStopped(reason string) Event {
	return Event{Kind: KindAppStopped, Reason: reason}
}
