package policyengine_test

import (
	"testing"

	"github.com/tripwire/killswitch/internal/policyengine"
	"github.com/tripwire/killswitch/internal/policystore"
	"github.com/tripwire/killswitch/internal/process"
)

func TestEvaluate_DenyByName_CaseInsensitive(t *testing.T) {
	e := policyengine.New("agent.exe", nil)
	e.Load(policystore.Document{
		Deny: []policystore.Rule{{ID: "evil", Kind: policystore.KindName, Value: "evil.exe"}},
	})

	v := e.Evaluate(process.Record{PID: 1111, Name: "Evil.EXE"})
	if v.Outcome != policyengine.Deny || v.RuleID != "evil" {
		t.Errorf("Evaluate() = %+v, want Deny/evil", v)
	}
}

func TestEvaluate_AllowDominatesDeny(t *testing.T) {
	e := policyengine.New("agent.exe", nil)
	e.Load(policystore.Document{
		Allow: []policystore.Rule{{ID: "chrome", Kind: policystore.KindName, Value: "chrome.exe"}},
		Deny:  []policystore.Rule{{ID: "chrome-path", Kind: policystore.KindPath, Value: `C:\apps\chrome.exe`}},
	})

	v := e.Evaluate(process.Record{PID: 22, Name: "chrome.exe", Path: `C:\apps\chrome.exe`})
	if v.Outcome != policyengine.Allow || v.RuleID != "chrome" {
		t.Errorf("Evaluate() = %+v, want Allow/chrome", v)
	}
}

func TestEvaluate_SelfProtection(t *testing.T) {
	e := policyengine.New("agent.exe", nil)
	e.Load(policystore.Document{
		Deny: []policystore.Rule{{ID: "catch-all", Kind: policystore.KindName, Value: "*"}},
	})

	v := e.Evaluate(process.Record{PID: 1, Name: "agent.exe"})
	if v.Outcome != policyengine.Allow || v.RuleID != "builtin_self" {
		t.Errorf("Evaluate() = %+v, want Allow/builtin_self", v)
	}
}

func TestEvaluate_CriticalProcessCannotBeOverridden(t *testing.T) {
	e := policyengine.New("agent.exe", []string{"lsass.exe"})
	e.Load(policystore.Document{
		Deny: []policystore.Rule{{ID: "kill-lsass", Kind: policystore.KindName, Value: "lsass.exe"}},
	})

	v := e.Evaluate(process.Record{PID: 99, Name: "lsass.exe"})
	if v.Outcome != policyengine.Allow {
		t.Errorf("Evaluate() = %+v, want Allow (builtin critical-process protection)", v)
	}
}

func TestEvaluate_DeclarationOrderBreaksTies(t *testing.T) {
	e := policyengine.New("agent.exe", nil)
	e.Load(policystore.Document{
		Deny: []policystore.Rule{
			{ID: "first", Kind: policystore.KindName, Value: "*.exe"},
			{ID: "second", Kind: policystore.KindName, Value: "bad.exe"},
		},
	})

	v := e.Evaluate(process.Record{PID: 1, Name: "bad.exe"})
	if v.RuleID != "first" {
		t.Errorf("Evaluate() RuleID = %q, want %q (lower index wins)", v.RuleID, "first")
	}
}

func TestEvaluate_DisabledRuleIsSkipped(t *testing.T) {
	disabled := false
	e := policyengine.New("agent.exe", nil)
	e.Load(policystore.Document{
		Deny: []policystore.Rule{
			{ID: "off", Kind: policystore.KindName, Value: "bad.exe", Enabled: &disabled},
			{ID: "on", Kind: policystore.KindName, Value: "*"},
		},
	})

	v := e.Evaluate(process.Record{PID: 1, Name: "bad.exe"})
	if v.RuleID != "on" {
		t.Errorf("Evaluate() RuleID = %q, want %q", v.RuleID, "on")
	}
}

func TestEvaluate_PathRuleRequiresKnownPath(t *testing.T) {
	e := policyengine.New("agent.exe", nil)
	e.Load(policystore.Document{
		Deny: []policystore.Rule{{ID: "path-rule", Kind: policystore.KindPath, Value: "/bin/evil"}},
	})

	v := e.Evaluate(process.Record{PID: 1, Name: "evil", Path: ""})
	if v.Outcome != policyengine.Unmatched {
		t.Errorf("Evaluate() = %+v, want Unmatched for process with no known path", v)
	}
}

func TestEvaluate_HashRule(t *testing.T) {
	e := policyengine.New("agent.exe", nil)
	digest := "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"
	e.Load(policystore.Document{
		Deny: []policystore.Rule{{ID: "hash-rule", Kind: policystore.KindHash, Value: digest}},
	})

	match := e.Evaluate(process.Record{PID: 1, Name: "x", Hash: digest})
	if match.Outcome != policyengine.Deny {
		t.Errorf("Evaluate() with matching hash = %+v, want Deny", match)
	}

	noHash := e.Evaluate(process.Record{PID: 2, Name: "x"})
	if noHash.Outcome != policyengine.Unmatched {
		t.Errorf("Evaluate() with no computed hash = %+v, want Unmatched", noHash)
	}
}

func TestEvaluate_CommandRegex(t *testing.T) {
	e := policyengine.New("agent.exe", nil)
	e.Load(policystore.Document{
		Deny: []policystore.Rule{{ID: "cmd-rule", Kind: policystore.KindCommand, Value: `--malicious\b`}},
	})

	v := e.Evaluate(process.Record{PID: 1, Name: "x", Args: []string{"x", "--malicious", "--flag"}})
	if v.Outcome != policyengine.Deny {
		t.Errorf("Evaluate() = %+v, want Deny", v)
	}

	v2 := e.Evaluate(process.Record{PID: 2, Name: "x", Args: []string{"x", "--benign"}})
	if v2.Outcome != policyengine.Unmatched {
		t.Errorf("Evaluate() = %+v, want Unmatched", v2)
	}
}

func TestLoad_InvalidRegexProducesWarningAndNeverMatches(t *testing.T) {
	e := policyengine.New("agent.exe", nil)
	warnings := e.Load(policystore.Document{
		Deny: []policystore.Rule{{ID: "bad-regex", Kind: policystore.KindCommand, Value: "(unterminated"}},
	})
	if len(warnings) != 1 || warnings[0].RuleID != "bad-regex" {
		t.Fatalf("Load() warnings = %+v, want one warning for bad-regex", warnings)
	}

	v := e.Evaluate(process.Record{PID: 1, Name: "x", Args: []string{"whatever"}})
	if v.Outcome != policyengine.Unmatched {
		t.Errorf("Evaluate() with an invalid regex rule = %+v, want Unmatched", v)
	}
}

func TestEvaluate_GlobWildcard(t *testing.T) {
	e := policyengine.New("agent.exe", nil)
	e.Load(policystore.Document{
		Deny: []policystore.Rule{{ID: "glob", Kind: policystore.KindName, Value: "mine*.exe"}},
	})

	v := e.Evaluate(process.Record{PID: 1, Name: "miner.exe"})
	if v.Outcome != policyengine.Deny {
		t.Errorf("Evaluate() = %+v, want Deny for glob match", v)
	}
}
