// Package sessions tracks live gateway sessions: one entry per open channel
// owning its cancellation token and counters. Messages within a session are
// processed strictly serially; a session with a detached autonomous job
// survives its channel closing until the job lets go.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one live conversation.
type Session struct {
	ID      string
	Created time.Time

	cancel context.CancelFunc
	ctx    context.Context

	// serial admits one in-flight turn at a time.
	serial chan struct{}

	mu           sync.Mutex
	turnIndex    int
	toolsInvoked int
	detachedJobs int
	closed       bool
}

// Context is cancelled when the session's channel closes.
func (s *Session) Context() context.Context { return s.ctx }

// Acquire blocks until the previous turn finished (strict FIFO within a
// session). Returns false when the session or ctx is done.
func (s *Session) Acquire(ctx context.Context) bool {
	select {
	case s.serial <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-s.ctx.Done():
		return false
	}
}

// Release admits the next turn.
func (s *Session) Release() {
	select {
	case <-s.serial:
	default:
	}
}

// NextTurnIndex reserves the next strictly-increasing turn index.
func (s *Session) NextTurnIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.turnIndex
	s.turnIndex++
	return idx
}

// SetTurnIndex fast-forwards the counter past persisted history.
func (s *Session) SetTurnIndex(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx > s.turnIndex {
		s.turnIndex = idx
	}
}

// CountTool bumps the per-session tool counter.
func (s *Session) CountTool() {
	s.mu.Lock()
	s.toolsInvoked++
	s.mu.Unlock()
}

// Stats returns the session counters.
func (s *Session) Stats() (turns, toolCalls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnIndex, s.toolsInvoked
}

// AttachJob pins the session past channel close.
func (s *Session) AttachJob() {
	s.mu.Lock()
	s.detachedJobs++
	s.mu.Unlock()
}

// DetachJob releases one pin and reports whether the session may now be
// destroyed (channel already closed, no jobs left).
func (s *Session) DetachJob() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detachedJobs > 0 {
		s.detachedJobs--
	}
	return s.closed && s.detachedJobs == 0
}

// Manager is the in-memory table of active sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session table.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create registers a new session with an unguessable identifier.
func (m *Manager) Create() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:      uuid.NewString(),
		Created: time.Now().UTC(),
		cancel:  cancel,
		ctx:     ctx,
		serial:  make(chan struct{}, 1),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get looks up a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// CloseChannel fires the session's cancellation token. The session is
// removed immediately unless a detached job still holds it.
func (m *Manager) CloseChannel(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.closed = true
	keep := s.detachedJobs > 0
	s.mu.Unlock()
	if !keep {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	s.cancel()
}

// ReleaseJob is called when a detached job completes; it destroys the
// session if its channel is already gone.
func (m *Manager) ReleaseJob(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	if s.DetachJob() {
		delete(m.sessions, id)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
