package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeBackends(t *testing.T) map[string]TurnStore {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]TurnStore{"file": fileStore, "sqlite": sqliteStore}
}

func TestAppendAndHistory(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(Turn{Session: "s1", Role: "user", Content: "hi", Index: 0}))
			require.NoError(t, s.Append(Turn{Session: "s1", Role: "assistant", Content: "hello", Index: 1}))

			turns, err := s.History("s1")
			require.NoError(t, err)
			require.Len(t, turns, 2)
			assert.Equal(t, "hi", turns[0].Content)
			assert.Equal(t, 0, turns[0].Index)
			assert.Equal(t, "hello", turns[1].Content)
			assert.Equal(t, 1, turns[1].Index)
		})
	}
}

func TestTurnIndexStrictlyIncreasing(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(Turn{Session: "s2", Role: "user", Content: "a", Index: 0}))

			// Stale and skipped indexes are both rejected.
			assert.Error(t, s.Append(Turn{Session: "s2", Role: "user", Content: "b", Index: 0}))
			assert.Error(t, s.Append(Turn{Session: "s2", Role: "user", Content: "c", Index: 5}))

			next, err := s.NextIndex("s2")
			require.NoError(t, err)
			assert.Equal(t, 1, next)
		})
	}
}

func TestIndexesIndependentPerSession(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(Turn{Session: "a", Role: "user", Content: "x", Index: 0}))
			require.NoError(t, s.Append(Turn{Session: "b", Role: "user", Content: "y", Index: 0}))

			next, err := s.NextIndex("a")
			require.NoError(t, err)
			assert.Equal(t, 1, next)
		})
	}
}

func TestListAndDelete(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(Turn{Session: "gone", Role: "user", Content: "x", Index: 0}))

			infos, err := s.List()
			require.NoError(t, err)
			require.Len(t, infos, 1)
			assert.Equal(t, "gone", infos[0].Session)
			assert.Equal(t, 1, infos[0].TurnCount)

			require.NoError(t, s.Delete("gone"))
			infos, err = s.List()
			require.NoError(t, err)
			assert.Empty(t, infos)
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Append(Turn{Session: "persist", Role: "user", Content: "saved", Index: 0}))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	turns, err := reopened.History("persist")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "saved", turns[0].Content)
}
