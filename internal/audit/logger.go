// Package audit implements the Audit Log: an append-only event stream
// backed by a 10,000-entry in-memory ring buffer, a rotating line-oriented
// file sink, and an HMAC-SHA256 integrity chain, plus an optional
// SQLite-backed index for by_kind/by_time queries beyond the ring buffer's
// horizon.
//
// The file sink is opened with O_APPEND|O_CREATE|O_WRONLY and sequence
// numbers are mutex-serialised. The integrity chain is HMAC-SHA256 rather
// than a persisted hash chain: the chain key is a 32-byte value generated at
// startup and never written to disk, so integrity is only checkable within
// one agent lifetime, trading cross-restart verifiability for a key that can
// never be read off the disk it protects.
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tripwire/killswitch/internal/killerr"
)

const ringCapacity = 10000

// Publisher is the subset of events.Bus the Logger depends on. Declaring it
// locally keeps this package independent of internal/events and lets tests
// supply a stub.
type Publisher interface {
	Publish(topic string, payload any)
}

// Config configures a Logger's file sink.
type Config struct {
	FilePath       string
	Format         Format
	RotationSizeMB int
	MaxFiles       int
	// IndexPath, if non-empty, enables the SQLite-backed query index.
	// Pass "" to run ring-buffer-only.
	IndexPath string
}

// Entry is one appended audit event together with its assigned sequence
// number and HMAC integrity tag.
type Entry struct {
	Seq   int64
	Event Event
	HMAC  string
}

// Stats is the counters returned by Logger.Stats.
type Stats struct {
	TotalAppended int64
	RingSize      int
	RingDropped   int64
}

// Logger is the Audit Log. Create one with Open; it is safe for concurrent
// use.
type Logger struct {
	cfg     Config
	hmacKey []byte
	logger  *slog.Logger
	bus     Publisher

	mu        sync.Mutex
	file      *os.File
	sidecar   *os.File
	size      int64
	ring      *ringBuffer
	index     *sqliteIndex
	seq       int64
	lastTS    time.Time
	total     int64
	ioErrOnce sync.Once
}

// Open creates or appends to the file sink described by cfg and generates a
// fresh, in-memory-only 32-byte HMAC key. Pass a non-nil bus to have every
// Append also publish a "new_log_entry" event.
func Open(cfg Config, logger *slog.Logger, bus Publisher) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 5
	}
	if cfg.RotationSizeMB <= 0 {
		cfg.RotationSizeMB = 100
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("audit: generate hmac key: %w", err)
	}

	l := &Logger{
		cfg:     cfg,
		hmacKey: key,
		logger:  logger,
		bus:     bus,
		ring:    newRingBuffer(ringCapacity),
	}

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("audit: create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("audit: open log file %q: %w", cfg.FilePath, err)
		}
		sc, err := os.OpenFile(sidecarPath(cfg.FilePath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("audit: open hmac sidecar %q: %w", sidecarPath(cfg.FilePath), err)
		}
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			_ = sc.Close()
			return nil, fmt.Errorf("audit: stat log file: %w", err)
		}
		l.file = f
		l.sidecar = sc
		l.size = info.Size()
	}

	if cfg.IndexPath != "" {
		idx, err := openSQLiteIndex(cfg.IndexPath)
		if err != nil {
			return nil, err
		}
		l.index = idx
	}

	return l, nil
}

func sidecarPath(path string) string {
	return path + ".hmac"
}

// Append appends e to the ring buffer, the file sink, and the query index
// (when configured), assigning it the next sequence number and an
// HMAC-SHA256 integrity tag.
//
// If e.Timestamp is zero it is set to time.Now().UTC(). If it would be
// earlier than the previous Event's timestamp it is bumped forward so the
// monotonic-timestamp invariant holds.
func (l *Logger) Append(e Event) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if !l.lastTS.IsZero() && ts.Before(l.lastTS) {
		ts = l.lastTS
	}
	e.Timestamp = ts
	l.lastTS = ts

	l.seq++
	entry := Entry{Seq: l.seq, Event: e, HMAC: l.computeHMAC(l.seq, e)}

	l.ring.push(entry)
	l.total++

	if l.file != nil {
		if err := l.writeEntry(entry); err != nil {
			ioErr := killerr.NewIoError(err)
			l.ioErrOnce.Do(func() {
				fmt.Fprintf(os.Stderr, "audit: %v (falling back to in-memory ring only)\n", ioErr)
			})
			return entry, ioErr
		}
	}

	if l.index != nil {
		if err := l.index.insert(entry); err != nil {
			l.logger.Warn("audit: index insert failed", slog.Any("error", err))
		}
	}

	if l.bus != nil {
		l.bus.Publish("new_log_entry", entry)
	}

	return entry, nil
}

// computeHMAC tags a canonical serialization of (seq, event) with
// HMAC-SHA256 under the in-memory key.
func (l *Logger) computeHMAC(seq int64, e Event) string {
	canonical := struct {
		Seq   int64 `json:"seq"`
		Event Event `json:"event"`
	}{seq, e}
	raw, err := json.Marshal(canonical)
	if err != nil {
		// Event's fields are all JSON-serialisable; unreachable in practice.
		panic(fmt.Sprintf("audit: marshal canonical entry: %v", err))
	}
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

// writeEntry writes one log line plus its sidecar HMAC tag, rotating first
// if the write would exceed the configured rotation size.
func (l *Logger) writeEntry(entry Entry) error {
	line, err := formatLine(l.cfg.Format, entry.Event)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	line += "\n"

	maxBytes := int64(l.cfg.RotationSizeMB) * 1024 * 1024
	if l.size+int64(len(line)) > maxBytes {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	if _, err := l.file.WriteString(line); err != nil {
		return fmt.Errorf("audit: write log entry: %w", err)
	}
	sidecarLine := fmt.Sprintf("%d %s\n", entry.Seq, entry.HMAC)
	if _, err := l.sidecar.WriteString(sidecarLine); err != nil {
		return fmt.Errorf("audit: write hmac sidecar: %w", err)
	}
	l.size += int64(len(line))
	return nil
}

// rotate renames the current log file (and its sidecar) to the ".1" suffix,
// shifting any existing numbered files up to MaxFiles, then opens a fresh
// file at the base path. Rotation is atomic from a reader's perspective: the
// rename is the only operation visible to a concurrent reader of the base
// path.
func (l *Logger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("audit: close log file for rotation: %w", err)
	}
	if err := l.sidecar.Close(); err != nil {
		return fmt.Errorf("audit: close hmac sidecar for rotation: %w", err)
	}

	if err := rotateChain(l.cfg.FilePath, l.cfg.MaxFiles); err != nil {
		return err
	}
	if err := rotateChain(sidecarPath(l.cfg.FilePath), l.cfg.MaxFiles); err != nil {
		return err
	}

	f, err := os.OpenFile(l.cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: reopen log file after rotation: %w", err)
	}
	sc, err := os.OpenFile(sidecarPath(l.cfg.FilePath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("audit: reopen hmac sidecar after rotation: %w", err)
	}
	l.file = f
	l.sidecar = sc
	l.size = 0
	return nil
}

// rotateChain shifts base, base.1,..., base.(max-2) up by one suffix,
// dropping whatever would become base.(max-1)+1, then renames base out of
// the way to base.1.
func rotateChain(base string, max int) error {
	oldest := fmt.Sprintf("%s.%d", base, max-1)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("audit: remove oldest rotation %q: %w", oldest, err)
		}
	}
	for n := max - 2; n >= 1; n-- {
		from := fmt.Sprintf("%s.%d", base, n)
		to := fmt.Sprintf("%s.%d", base, n+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("audit: rotate %q -> %q: %w", from, to, err)
			}
		}
	}
	if err := os.Rename(base, base+".1"); err != nil {
		return fmt.Errorf("audit: rotate %q -> %q.1: %w", base, base, err)
	}
	return nil
}

// Recent returns up to limit of the most recently appended events, oldest
// first, served from the in-memory ring buffer. A non-positive limit
// returns every entry currently held.
func (l *Logger) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.snapshot(limit)
}

// ByKind returns up to limit events of the given kind, oldest first. When
// the index is configured it is queried directly (so results can exceed the
// ring buffer's horizon); otherwise the ring buffer is filtered in place.
func (l *Logger) ByKind(kind Kind, limit int) ([]Entry, error) {
	l.mu.Lock()
	idx := l.index
	l.mu.Unlock()

	if idx != nil {
		return idx.byKind(kind, limit)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.ring.all() {
		if e.Event.Kind == kind {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ByTime returns every event with a timestamp in [start, end], oldest
// first, preferring the index when configured.
func (l *Logger) ByTime(start, end time.Time) ([]Entry, error) {
	l.mu.Lock()
	idx := l.index
	l.mu.Unlock()

	if idx != nil {
		return idx.byTime(start, end)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.ring.all() {
		ts := e.Event.Timestamp
		if !ts.Before(start) && !ts.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Export writes the current ring buffer contents to path in the given
// format, one line per event.
func (l *Logger) Export(path string, format Format) error {
	l.mu.Lock()
	entries := l.ring.all()
	l.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: export create %q: %w", path, err)
	}
	defer f.Close()

	for _, e := range entries {
		line, err := formatLine(format, e.Event)
		if err != nil {
			return fmt.Errorf("audit: export: %w", err)
		}
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("audit: export write: %w", err)
		}
	}
	return nil
}

// Clear empties the in-memory ring buffer and the query index (when
// configured). It never touches the append-only file sink: the on-disk
// chain stays intact so a prior Clear cannot be used to hide tampering.
func (l *Logger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring.clear()
	if l.index != nil {
		return l.index.clear()
	}
	return nil
}

// Stats returns point-in-time counters.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TotalAppended: l.total,
		RingSize:      l.ring.size,
		RingDropped:   l.ring.dropped,
	}
}

// Key returns a copy of the in-memory HMAC key, for passing to VerifyFile.
// The key is never persisted and is lost when the process exits.
func (l *Logger) Key() []byte {
	key := make([]byte, len(l.hmacKey))
	copy(key, l.hmacKey)
	return key
}

// Close flushes and closes the file sink and query index.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	if l.file != nil {
		if err := l.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.sidecar != nil {
		if err := l.sidecar.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.index != nil {
		if err := l.index.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// VerifyFile re-derives the HMAC tag for every line in path using key and
// compares it against the parallel sidecar stream. It returns the first
// mismatch found, or nil if every line's tag matches.
func VerifyFile(path string, format Format, key []byte) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	tags, err := readSidecarTags(sidecarPath(path))
	if err != nil {
		return err
	}
	if len(lines) != len(tags) {
		return fmt.Errorf("audit: verify %q: %d log lines but %d sidecar tags", path, len(lines), len(tags))
	}

	for i, line := range lines {
		e, err := parseLine(format, line)
		if err != nil {
			return fmt.Errorf("audit: verify %q: line %d: %w", path, i+1, err)
		}
		seq, wantTag := tags[i].seq, tags[i].tag
		canonical := struct {
			Seq   int64 `json:"seq"`
			Event Event `json:"event"`
		}{seq, e}
		raw, err := json.Marshal(canonical)
		if err != nil {
			return fmt.Errorf("audit: verify %q: marshal line %d: %w", path, i+1, err)
		}
		mac := hmac.New(sha256.New, key)
		mac.Write(raw)
		got := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(got), []byte(wantTag)) {
			return fmt.Errorf("audit: verify %q: hmac mismatch at line %d (seq %d)", path, i+1, seq)
		}
	}
	return nil
}
