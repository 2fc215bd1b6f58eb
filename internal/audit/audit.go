// Package audit is the append-only trail of every mutating tool invocation
// and every autonomous-pipeline transition. One JSON record per line;
// writes are serialized; the file is never rewritten.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one audit line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`  // session id, job id, or "operator"
	Action    string    `json:"action"` // tool name or pipeline transition
	Target    string    `json:"target"` // path, commit, URL, delivery id
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// Log appends entries to a single file.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open creates or opens the audit log at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	return &Log{f: f, path: path}, nil
}

// Append writes one entry. The timestamp is stamped here if unset.
func (l *Log) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

// Record is the fire-and-forget variant used on hot paths; failures to
// audit are themselves not fatal but must not be silent.
func (l *Log) Record(actor, action, target, outcome, detail string) {
	_ = l.Append(Entry{Actor: actor, Action: action, Target: target, Outcome: outcome, Detail: detail})
}

// Close flushes and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Path returns the log location.
func (l *Log) Path() string { return l.path }
