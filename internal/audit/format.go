package audit

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Format selects the on-disk line encoding for the rotating file sink.
type Format string

const (
	FormatJSON    Format = "json"
	FormatText    Format = "text"
	FormatCompact Format = "compact"
)

// shortCode is the compact-format tag for each Kind, e.g. "12:03:44 KILL
// 4212 OK".
func shortCode(k Kind) string {
	switch k {
	case KindScanStarted:
		return "SCANSTART"
	case KindScanCompleted:
		return "SCANDONE"
	case KindThreatDetected:
		return "THREAT"
	case KindProcessKilled:
		return "KILL"
	case KindConfigChanged:
		return "CONFIG"
	case KindSystemEvent:
		return "SYS"
	case KindAppStarted:
		return "START"
	case KindAppStopped:
		return "STOP"
	default:
		return strings.ToUpper(string(k))
	}
}

// formatLine renders e in the requested format as a single line, without a
// trailing newline.
func formatLine(f Format, e Event) (string, error) {
	switch f {
	case FormatText:
		return formatText(e), nil
	case FormatCompact:
		return formatCompact(e), nil
	case FormatJSON, "":
		raw, err := json.Marshal(e)
		if err != nil {
			return "", fmt.Errorf("audit: marshal event: %w", err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("audit: unknown log format %q", f)
	}
}

func formatText(e Event) string {
	ts := e.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC")
	pairs := kvPairs(e)
	return fmt.Sprintf("[%s] %s - %s", ts, e.Kind, strings.Join(pairs, " "))
}

func formatCompact(e Event) string {
	ts := e.Timestamp.UTC().Format("15:04:05")
	code := shortCode(e.Kind)
	switch e.Kind {
	case KindProcessKilled:
		result := "FAIL"
		if e.Success {
			result = "OK"
		}
		return fmt.Sprintf("%s %s %d %s", ts, code, e.PID, result)
	case KindThreatDetected:
		return fmt.Sprintf("%s %s %d %s", ts, code, e.PID, e.RuleID)
	case KindScanCompleted:
		return fmt.Sprintf("%s %s scanned=%d detected=%d killed=%d", ts, code, e.Scanned, e.Detected, e.Killed)
	case KindSystemEvent:
		return fmt.Sprintf("%s %s %s", ts, code, e.Severity)
	default:
		return fmt.Sprintf("%s %s", ts, code)
	}
}

func kvPairs(e Event) []string {
	var pairs []string
	add := func(k, v string) { pairs = append(pairs, k+"="+v) }

	switch e.Kind {
	case KindScanCompleted:
		add("scanned", fmt.Sprint(e.Scanned))
		add("detected", fmt.Sprint(e.Detected))
		add("killed", fmt.Sprint(e.Killed))
		add("elapsed_ms", fmt.Sprint(e.ElapsedMS))
	case KindThreatDetected:
		add("pid", fmt.Sprint(e.PID))
		add("name", e.Name)
		add("rule", e.RuleID)
	case KindProcessKilled:
		add("pid", fmt.Sprint(e.PID))
		add("name", e.Name)
		add("success", fmt.Sprint(e.Success))
		add("reason", e.Reason)
	case KindConfigChanged:
		add("actor", e.Actor)
		add("diff", e.Diff)
	case KindSystemEvent:
		add("kind", e.SystemKind)
		add("severity", string(e.Severity))
		add("message", e.Message)
	case KindAppStarted:
		add("version", e.Version)
		add("elevated", fmt.Sprint(e.Elevated))
	case KindAppStopped:
		add("reason", e.Reason)
	}
	return pairs
}
