package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore keeps one JSON file per session under a storage directory.
// All sessions are loaded when the store opens and flushed on every append; the write path is
// a temp-file rename so a crash never truncates history.
type FileStore struct {
	dir string

	mu       sync.RWMutex
	sessions map[string]*fileSession
}

type fileSession struct {
	Session string    `json:"session"`
	Turns   []Turn    `json:"turns"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// NewFileStore opens (creating if needed) the storage directory.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	s := &FileStore{dir: dir, sessions: make(map[string]*fileSession)}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var fs fileSession
		if err := json.Unmarshal(data, &fs); err != nil {
			continue
		}
		s.sessions[fs.Session] = &fs
	}
	return nil
}

func (s *FileStore) Append(turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, ok := s.sessions[turn.Session]
	if !ok {
		fs = &fileSession{Session: turn.Session, Created: time.Now().UTC()}
		s.sessions[turn.Session] = fs
	}

	want := len(fs.Turns)
	if turn.Index != want {
		return fmt.Errorf("store: turn index %d for session %s, expected %d", turn.Index, turn.Session, want)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	fs.Turns = append(fs.Turns, turn)
	fs.Updated = time.Now().UTC()
	return s.flush(fs)
}

func (s *FileStore) flush(fs *fileSession) error {
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return err
	}
	name := sanitizeName(fs.Session) + ".json"
	tmp := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dir, name))
}

func (s *FileStore) History(session string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fs, ok := s.sessions[session]
	if !ok {
		return nil, nil
	}
	out := make([]Turn, len(fs.Turns))
	copy(out, fs.Turns)
	return out, nil
}

func (s *FileStore) NextIndex(session string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if fs, ok := s.sessions[session]; ok {
		return len(fs.Turns), nil
	}
	return 0, nil
}

func (s *FileStore) List() ([]SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, fs := range s.sessions {
		out = append(out, SessionInfo{
			Session:   fs.Session,
			TurnCount: len(fs.Turns),
			Created:   fs.Created,
			Updated:   fs.Updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })
	return out, nil
}

func (s *FileStore) Delete(session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session)
	path := filepath.Join(s.dir, sanitizeName(session)+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
