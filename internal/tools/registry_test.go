package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devforgehq/forged/internal/audit"
	"github.com/devforgehq/forged/internal/fault"
)

func newTestRegistry(t *testing.T) (*Registry, *audit.Log, string) {
	t.Helper()
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")
	log, err := audit.Open(auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	reg := NewRegistry(RegistryConfig{
		Audit:          log,
		MaxInflight:    4,
		DefaultTimeout: time.Second,
		MaxTimeout:     5 * time.Second,
	})
	return reg, log, auditPath
}

func registerFSTools(t *testing.T, reg *Registry, workspace string) {
	t.Helper()
	policy := NewPathPolicy(workspace, nil)
	require.NoError(t, reg.Register(NewReadFileTool(policy)))
	require.NoError(t, reg.Register(NewWriteFileTool(policy)))
	require.NoError(t, reg.Register(NewListFilesTool(policy)))
	reg.Freeze()
}

func readAuditLines(t *testing.T, path string) []audit.Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []audit.Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e audit.Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestInvokeValidatesArguments(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	registerFSTools(t, reg, t.TempDir())

	res := reg.Invoke(context.Background(), Invocation{
		Tool:  "read_file",
		Args:  map[string]any{}, // missing required "path"
		Actor: "test",
	})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(res.Err))
}

func TestInvokeUnknownTool(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	registerFSTools(t, reg, t.TempDir())

	res := reg.Invoke(context.Background(), Invocation{Tool: "nope", Actor: "test"})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(res.Err))
}

func TestInvokeEnforcesWhitelist(t *testing.T) {
	reg, _, auditPath := newTestRegistry(t)
	ws := t.TempDir()
	registerFSTools(t, reg, ws)

	res := reg.Invoke(context.Background(), Invocation{
		Tool:      "write_file",
		Args:      map[string]any{"path": "a.txt", "content": "hi"},
		Actor:     "sess-1",
		Whitelist: []string{"read_file"},
	})
	require.NotNil(t, res.Err)
	assert.Equal(t, fault.KindNotPermitted, fault.KindOf(res.Err))

	// The attempt is recorded.
	entries := readAuditLines(t, auditPath)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "write_file", last.Action)
	assert.Equal(t, "denied", last.Outcome)
	assert.Equal(t, "sess-1", last.Actor)

	// And nothing was written.
	_, err := os.Stat(filepath.Join(ws, "a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestMutatingInvocationAudited(t *testing.T) {
	reg, _, auditPath := newTestRegistry(t)
	ws := t.TempDir()
	registerFSTools(t, reg, ws)

	res := reg.Invoke(context.Background(), Invocation{
		Tool:  "write_file",
		Args:  map[string]any{"path": "out.txt", "content": "data"},
		Actor: "sess-2",
	})
	require.False(t, res.IsError, res.ForLLM)

	entries := readAuditLines(t, auditPath)
	require.Len(t, entries, 1)
	assert.Equal(t, "write_file", entries[0].Action)
	assert.Equal(t, "ok", entries[0].Outcome)
}

func TestReadInvocationNotAudited(t *testing.T) {
	reg, _, auditPath := newTestRegistry(t)
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "f.txt"), []byte("x"), 0o644))
	registerFSTools(t, reg, ws)

	res := reg.Invoke(context.Background(), Invocation{
		Tool:  "read_file",
		Args:  map[string]any{"path": "f.txt"},
		Actor: "sess-3",
	})
	require.False(t, res.IsError, res.ForLLM)
	assert.Empty(t, readAuditLines(t, auditPath))
}

func TestSensitivePathDenied(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	registerFSTools(t, reg, t.TempDir())

	res := reg.Invoke(context.Background(), Invocation{
		Tool:  "write_file",
		Args:  map[string]any{"path": ".env", "content": "SECRET=1"},
		Actor: "test",
	})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.KindNotPermitted, fault.KindOf(res.Err))
}

func TestRegistryFrozenAfterFreeze(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	registerFSTools(t, reg, t.TempDir())

	policy := NewPathPolicy(t.TempDir(), nil)
	assert.Error(t, reg.Register(NewReadFileTool(policy)))
}

func TestDefinitionsHonorWhitelist(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	registerFSTools(t, reg, t.TempDir())

	all := reg.Definitions(nil)
	assert.Len(t, all, 3)

	some := reg.Definitions([]string{"read_file"})
	require.Len(t, some, 1)
	assert.Equal(t, "read_file", some[0].Name)
}
