package tools

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devforgehq/forged/internal/fault"
)

func TestShellRunnerWhitelist(t *testing.T) {
	r := NewShellRunner(t.TempDir(), []string{"git"})

	assert.True(t, r.Allowed("git"))
	assert.False(t, r.Allowed("rm"))
	assert.False(t, r.Allowed("bash"))
	assert.False(t, r.Allowed("sh"))

	_, err := r.Run(context.Background(), []string{"rm", "-rf", "/"})
	assert.Error(t, err)

	_, err = r.Run(context.Background(), nil)
	assert.Error(t, err)
}

func TestShellRunnerExecutesWhitelisted(t *testing.T) {
	if _, err := exec.LookPath("ls"); err != nil {
		t.Skip("ls not available")
	}
	r := NewShellRunner(t.TempDir(), []string{"ls"})

	out, err := r.Run(context.Background(), []string{"ls", "-a"})
	require.NoError(t, err)
	assert.Contains(t, out, ".")
}

func TestRunShellToolDeniesNonWhitelisted(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	runner := NewShellRunner(t.TempDir(), []string{"git"})
	require.NoError(t, reg.Register(NewRunShellTool(runner)))
	reg.Freeze()

	res := reg.Invoke(context.Background(), Invocation{
		Tool:  "run_shell",
		Args:  map[string]any{"argv": []any{"curl", "http://evil"}},
		Actor: "test",
	})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.KindNotPermitted, fault.KindOf(res.Err))
}

func TestRunShellToolRejectsEmptyArgv(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	runner := NewShellRunner(t.TempDir(), []string{"git"})
	require.NoError(t, reg.Register(NewRunShellTool(runner)))
	reg.Freeze()

	res := reg.Invoke(context.Background(), Invocation{
		Tool:  "run_shell",
		Args:  map[string]any{"argv": []any{}},
		Actor: "test",
	})
	assert.True(t, res.IsError)
}

func TestHTTPToolDenyList(t *testing.T) {
	tool := NewHTTPRequestTool([]string{"localhost", "127.0.0.1", "internal.example.com"}, 1<<20)

	res := tool.Execute(context.Background(), map[string]any{
		"method": "GET", "url": "http://localhost:8080/admin",
	})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.KindNotPermitted, fault.KindOf(res.Err))

	res = tool.Execute(context.Background(), map[string]any{
		"method": "GET", "url": "http://api.internal.example.com/x",
	})
	assert.True(t, res.IsError, "subdomain of denied host must be denied")

	res = tool.Execute(context.Background(), map[string]any{
		"method": "GET", "url": "ftp://example.com/x",
	})
	assert.True(t, res.IsError, "non-http scheme must be rejected")
}
