// Package policyengine compiles a policy document into a reusable evaluator
// and classifies Process Records against it. Evaluation order and
// precedence are: built-in allow rules, then user allow rules, then user
// deny rules, first match wins, allow strictly dominates deny.
package policyengine

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/tripwire/killswitch/internal/policystore"
	"github.com/tripwire/killswitch/internal/process"
)

// Outcome is the kind of Verdict returned by Evaluate.
type Outcome int

const (
	Unmatched Outcome = iota
	Allow
	Deny
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "ALLOW"
	case Deny:
		return "DENY"
	default:
		return "UNMATCHED"
	}
}

// Verdict is the result of evaluating a Record against the policy.
type Verdict struct {
	Outcome Outcome
	RuleID  string // empty when Outcome == Unmatched
}

// RestartBlockRuleID is the synthetic deny rule id assigned to a process
// killed solely because its executable path is inside the restart-block
// window.
const RestartBlockRuleID = "restart_block"

// Warning is emitted the first time a policy load encounters a rule with an
// unparsable regex pattern.
type Warning struct {
	RuleID  string
	Message string
}

// Engine evaluates Records against a loaded Document plus a fixed set of
// built-in allow rules that cannot be overridden or removed by policy
// edits: the agent's own executable name and a platform-specific set of
// critical OS process names.
//
// Engine is safe for concurrent use; Load may run concurrently with
// Evaluate (the orchestrator's scanner thread is the only writer in
// practice, but tests and the control API may read concurrently).
type Engine struct {
	builtins []policystore.Rule

	mu  sync.RWMutex
	doc policystore.Document

	reMu    sync.Mutex
	reCache map[string]*regexp.Regexp
}

// New returns an Engine whose built-in allow set consists of selfExeName
// (the running agent's own executable/process name) plus criticalNames (a
// platform-specific list of OS processes that must never be terminated).
func New(selfExeName string, criticalNames []string) *Engine {
	builtins := make([]policystore.Rule, 0, 1+len(criticalNames))
	builtins = append(builtins, policystore.Rule{
		ID:          "builtin_self",
		Kind:        policystore.KindName,
		Value:       selfExeName,
		Description: "the running agent's own executable",
	})
	for _, name := range criticalNames {
		builtins = append(builtins, policystore.Rule{
			ID:          "builtin_critical_" + sanitizeID(name),
			Kind:        policystore.KindName,
			Value:       name,
			Description: "critical OS process",
		})
	}
	return &Engine{
		builtins: builtins,
		reCache:  make(map[string]*regexp.Regexp),
	}
}

func sanitizeID(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

// Load replaces the active policy document. It returns one Warning per rule
// with an unparsable Command regex pattern, found across both lists; those
// rules are retained (disabled-on-match, not removed) so policy edits don't
// silently drop an operator's intended rule.
func (e *Engine) Load(doc policystore.Document) []Warning {
	var warnings []Warning
	check := func(rules []policystore.Rule) {
		for _, r := range rules {
			if r.Kind != policystore.KindCommand || !r.IsEnabled() {
				continue
			}
			if _, err := e.compileRegex(r.Value); err != nil {
				warnings = append(warnings, Warning{
					RuleID:  r.ID,
					Message: fmt.Sprintf("invalid command regex %q: %v", r.Value, err),
				})
			}
		}
	}
	check(doc.Allow)
	check(doc.Deny)

	e.mu.Lock()
	e.doc = doc
	e.mu.Unlock()

	return warnings
}

// Evaluate classifies rec against the built-in allow rules, then the user
// allow list, then the user deny list, in that order, returning the first
// match. Disabled rules are skipped. A rule with an unparsable regex
// pattern never matches.
func (e *Engine) Evaluate(rec process.Record) Verdict {
	e.mu.RLock()
	doc := e.doc
	e.mu.RUnlock()

	if id, ok := e.firstMatch(e.builtins, rec); ok {
		return Verdict{Outcome: Allow, RuleID: id}
	}
	if id, ok := e.firstMatch(doc.Allow, rec); ok {
		return Verdict{Outcome: Allow, RuleID: id}
	}
	if id, ok := e.firstMatch(doc.Deny, rec); ok {
		return Verdict{Outcome: Deny, RuleID: id}
	}
	return Verdict{Outcome: Unmatched}
}

func (e *Engine) firstMatch(rules []policystore.Rule, rec process.Record) (string, bool) {
	for _, r := range rules {
		if !r.IsEnabled() {
			continue
		}
		if e.matches(r, rec) {
			return r.ID, true
		}
	}
	return "", false
}

func (e *Engine) matches(r policystore.Rule, rec process.Record) bool {
	switch r.Kind {
	case policystore.KindName:
		return globMatch(r.Value, rec.Name)
	case policystore.KindPath:
		if rec.Path == "" {
			return false
		}
		return globMatch(r.Value, rec.Path)
	case policystore.KindHash:
		if rec.Hash == "" {
			return false
		}
		return strings.EqualFold(r.Value, rec.Hash)
	case policystore.KindCommand:
		re, err := e.compileRegex(r.Value)
		if err != nil {
			return false
		}
		return re.MatchString(rec.CommandLine())
	default:
		return false
	}
}

// globMatch compares a case-insensitive glob pattern (filepath.Match-style
// '*'/'?' wildcards, no character classes) against target.
func globMatch(pattern, target string) bool {
	ok, err := filepath.Match(strings.ToLower(pattern), strings.ToLower(target))
	return err == nil && ok
}

// compileRegex compiles pattern once and caches it by pattern string, so it
// is reused across evaluations.
func (e *Engine) compileRegex(pattern string) (*regexp.Regexp, error) {
	e.reMu.Lock()
	defer e.reMu.Unlock()

	if re, ok := e.reCache[pattern]; ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.reCache[pattern] = re
	return re, nil
}
