// Package webhook verifies GitHub webhook deliveries and drives the
// autonomous clone-analyze-patch-test-PR pipeline under a hard guardrail
// policy. The webhook sender only ever sees an ack; all processing happens
// off the hot path.
package webhook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusReceived  Status = "received"
	StatusAnalyzing Status = "analyzing"
	StatusPatching  Status = "patching"
	StatusTesting   Status = "testing"
	StatusPosting   Status = "posting"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// Job is one webhook-triggered autonomous task. The delivery identifier is
// the idempotency key; snapshots under <data>/jobs survive restarts.
type Job struct {
	DeliveryID string    `json:"delivery_id"`
	Event      string    `json:"event"` // pull_request | issue | push
	Repository string    `json:"repository"`
	Principal  string    `json:"principal"`
	Status     Status    `json:"status"`
	Created    time.Time `json:"created"`
	Completed  time.Time `json:"completed,omitempty"`
	Outcome    string    `json:"outcome,omitempty"` // PR URL or rejection reason
	SessionID  string    `json:"session_id,omitempty"`

	// Payload fields the pipeline needs.
	CloneURL string `json:"clone_url,omitempty"`
	Title    string `json:"title,omitempty"`
	Body     string `json:"body,omitempty"`
}

// JobStore persists job snapshots for idempotency and replay.
type JobStore struct {
	dir string
	mu  sync.Mutex
}

// NewJobStore opens the snapshot directory.
func NewJobStore(dir string) (*JobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("webhook: create jobs dir: %w", err)
	}
	return &JobStore{dir: dir}, nil
}

func (s *JobStore) path(deliveryID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, deliveryID)
	return filepath.Join(s.dir, name+".json")
}

// Get loads a snapshot; ok is false when no delivery with this id exists.
func (s *JobStore) Get(deliveryID string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(deliveryID))
	if err != nil {
		return nil, false
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, false
	}
	return &j, true
}

// Save writes the snapshot atomically.
func (s *JobStore) Save(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	p := s.path(j.DeliveryID)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// Prune removes snapshots whose jobs were created before the cutoff. Returns
// the number removed.
func (s *JobStore) Prune(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		full := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			continue
		}
		if j.Created.Before(cutoff) {
			if err := os.Remove(full); err == nil {
				pruned++
			}
		}
	}
	return pruned, nil
}
