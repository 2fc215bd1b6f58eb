package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAssignsUniqueIDs(t *testing.T) {
	m := NewManager()
	a := m.Create()
	b := m.Create()
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, m.Count())
}

func TestTurnIndexesStrictlyIncreasing(t *testing.T) {
	m := NewManager()
	s := m.Create()
	assert.Equal(t, 0, s.NextTurnIndex())
	assert.Equal(t, 1, s.NextTurnIndex())
	assert.Equal(t, 2, s.NextTurnIndex())
}

func TestSerialAdmission(t *testing.T) {
	m := NewManager()
	s := m.Create()

	require.True(t, s.Acquire(context.Background()))

	// Second acquire must block until release.
	acquired := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		acquired <- s.Acquire(ctx)
	}()
	assert.False(t, <-acquired, "second turn admitted while first in flight")

	s.Release()
	require.True(t, s.Acquire(context.Background()))
	s.Release()
}

func TestCloseChannelCancelsContext(t *testing.T) {
	m := NewManager()
	s := m.Create()

	m.CloseChannel(s.ID)

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("session context not cancelled on channel close")
	}
	_, ok := m.Get(s.ID)
	assert.False(t, ok, "session must be removed when no job holds it")
}

func TestDetachedJobKeepsSessionAlive(t *testing.T) {
	m := NewManager()
	s := m.Create()
	s.AttachJob()

	m.CloseChannel(s.ID)
	_, ok := m.Get(s.ID)
	assert.True(t, ok, "session with a detached job survives channel close")

	m.ReleaseJob(s.ID)
	_, ok = m.Get(s.ID)
	assert.False(t, ok, "session destroyed once the job lets go")
}

func TestReleaseJobBeforeClose(t *testing.T) {
	m := NewManager()
	s := m.Create()
	s.AttachJob()

	m.ReleaseJob(s.ID)
	_, ok := m.Get(s.ID)
	assert.True(t, ok, "open channel keeps the session")
}
