// Package policystore serializes the kill-switch policy document to and from
// a persistent YAML or JSON file and hot-reloads it cheaply: Load only
// re-parses the file when its modification time or size has changed since
// the last successful load. Save is atomic (write-temp-then-rename).
package policystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/killswitch/internal/killerr"
)

// RuleKind is the match dimension a Rule evaluates.
type RuleKind string

const (
	KindName    RuleKind = "name"
	KindPath    RuleKind = "path"
	KindHash    RuleKind = "hash"
	KindCommand RuleKind = "command"
)

var validKinds = map[RuleKind]bool{
	KindName:    true,
	KindPath:    true,
	KindHash:    true,
	KindCommand: true,
}

// Rule is a single allow or deny rule. The schema is intentionally flat
// (one Value field reused across kinds) rather than a tagged-union per kind,
// so it round-trips through both YAML and JSON without custom marshalling
// code.
type Rule struct {
	ID          string    `yaml:"id" json:"id"`
	Kind        RuleKind  `yaml:"rule_type" json:"rule_type"`
	Value       string    `yaml:"value" json:"value"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     *bool     `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Severity    string    `yaml:"severity,omitempty" json:"severity,omitempty"`
	AutoAction  string    `yaml:"auto_action,omitempty" json:"auto_action,omitempty"`
	Tags        []string  `yaml:"tags,omitempty" json:"tags,omitempty"`
	CreatedAt   time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt   time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// IsEnabled reports whether the rule participates in evaluation. A nil
// Enabled field defaults to true.
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Document is the on-disk policy document: two ordered rule lists.
type Document struct {
	Allow []Rule `yaml:"allow" json:"allow"`
	Deny  []Rule `yaml:"deny" json:"deny"`
}

// Validate checks the document's structural invariants: rule IDs must be
// unique within the document, and at least one enabled rule must exist
// across both lists.
func (d Document) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(d.Allow)+len(d.Deny))
	anyEnabled := false

	check := func(list string, rules []Rule) {
		for i, r := range rules {
			prefix := fmt.Sprintf("%s[%d]", list, i)
			if r.ID == "" {
				errs = append(errs, fmt.Errorf("%s: id is required", prefix))
			} else if seen[r.ID] {
				errs = append(errs, fmt.Errorf("%s: duplicate rule id %q", prefix, r.ID))
			} else {
				seen[r.ID] = true
			}
			if !validKinds[r.Kind] {
				errs = append(errs, fmt.Errorf("%s: rule_type %q must be one of: name, path, hash, command", prefix, r.Kind))
			}
			if r.Value == "" {
				errs = append(errs, fmt.Errorf("%s: value is required", prefix))
			}
			if r.IsEnabled() {
				anyEnabled = true
			}
		}
	}
	check("allow", d.Allow)
	check("deny", d.Deny)

	if !anyEnabled {
		errs = append(errs, errors.New("policy document must contain at least one enabled rule across allow and deny"))
	}

	return errors.Join(errs...)
}

// Store loads, saves, and hot-reloads a Document at a fixed path. The zero
// value is not usable; construct with New.
type Store struct {
	path string

	mu       sync.Mutex
	cached   Document
	modTime  time.Time
	size     int64
	loadedAt time.Time
}

// New creates a Store bound to path. The file need not exist yet; the first
// Load call will fail until Save has been called at least once, unless the
// caller pre-seeds the file out of band.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load returns the current Document, re-reading and re-validating the file
// only if its mtime or size has changed since the last Load or Save. This
// keeps the Orchestrator's per-tick reload cheap.
func (s *Store) Load() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return Document{}, fmt.Errorf("policystore: stat %q: %w", s.path, err)
	}

	if !s.loadedAt.IsZero() && info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return s.cached, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return Document{}, fmt.Errorf("policystore: read %q: %w", s.path, err)
	}

	doc, err := unmarshal(s.path, data)
	if err != nil {
		return Document{}, fmt.Errorf("policystore: parse %q: %w", s.path, err)
	}

	if err := doc.Validate(); err != nil {
		return Document{}, fmt.Errorf("policystore: validate %q: %w: %w", s.path, killerr.ConfigInvalid, err)
	}

	s.cached = doc
	s.modTime = info.ModTime()
	s.size = info.Size()
	s.loadedAt = time.Now()

	return doc, nil
}

// Changed reports whether the backing file's mtime/size differ from the
// last successful Load, without re-reading or re-parsing it. The
// Orchestrator uses this to decide whether a reload is worth attempting.
func (s *Store) Changed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return false
	}
	return s.loadedAt.IsZero() || !info.ModTime().Equal(s.modTime) || info.Size() != s.size
}

// Save validates doc and atomically persists it to the backing path
// (write-temp-then-rename), then updates the cache so the next Load is a
// cache hit.
func (s *Store) Save(doc Document) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("policystore: validate: %w: %w", killerr.ConfigInvalid, err)
	}

	data, err := marshal(s.path, doc)
	if err != nil {
		return fmt.Errorf("policystore: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".policy-*.tmp")
	if err != nil {
		return fmt.Errorf("policystore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("policystore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("policystore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("policystore: rename into place: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
		s.size = info.Size()
	}
	s.cached = doc
	s.loadedAt = time.Now()

	return nil
}

func unmarshal(path string, data []byte) (Document, error) {
	var doc Document
	if isJSON(path) {
		return doc, json.Unmarshal(data, &doc)
	}
	return doc, yaml.Unmarshal(data, &doc)
}

func marshal(path string, doc Document) ([]byte, error) {
	if isJSON(path) {
		return json.MarshalIndent(doc, "", "  ")
	}
	return yaml.Marshal(doc)
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
