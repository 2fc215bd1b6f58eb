package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devforgehq/forged/internal/agent"
	"github.com/devforgehq/forged/internal/audit"
	"github.com/devforgehq/forged/internal/config"
	"github.com/devforgehq/forged/internal/llm"
	"github.com/devforgehq/forged/internal/metrics"
	"github.com/devforgehq/forged/internal/tools"
)

// scriptProvider replies from a fixed script, cycling on exhaustion.
type scriptProvider struct {
	mu      sync.Mutex
	replies []string
	i       int
	calls   int
}

func (s *scriptProvider) Name() string         { return "script" }
func (s *scriptProvider) DefaultModel() string { return "script" }

func (s *scriptProvider) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.replies) == 0 {
		return ""
	}
	r := s.replies[s.i%len(s.replies)]
	s.i++
	return r
}

func (s *scriptProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: s.next(), FinishReason: "stop"}, nil
}

func (s *scriptProvider) Stream(ctx context.Context, req llm.Request, onChunk func(llm.Chunk)) (*llm.Response, error) {
	content := s.next()
	onChunk(llm.Chunk{Content: content})
	onChunk(llm.Chunk{Done: true})
	return &llm.Response{Content: content, FinishReason: "stop"}, nil
}

// scriptedRunner reports the scripted pass/fail sequence.
type scriptedRunner struct {
	mu      sync.Mutex
	results []bool
	i       int
}

func (r *scriptedRunner) RunTests(ctx context.Context, path string) (bool, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	passed := false
	if r.i < len(r.results) {
		passed = r.results[r.i]
	}
	r.i++
	if passed {
		return true, "ok\tall tests passed", nil
	}
	return false, "FAIL: TestF expected 5, got -1", nil
}

// fakeCommitTool records git_commit invocations without needing a git binary.
type fakeCommitTool struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCommitTool) Name() string                 { return "git_commit" }
func (f *fakeCommitTool) Description() string          { return "fake commit" }
func (f *fakeCommitTool) Capability() tools.Capability { return tools.CapGitMutate }
func (f *fakeCommitTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"message": map[string]any{"type": "string"}},
		"required":   []string{"message"},
	}
}
func (f *fakeCommitTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return tools.NewResult("committed")
}

func newFixFixture(t *testing.T, autoCommit bool) (*Orchestrator, *scriptProvider, *fakeCommitTool) {
	t.Helper()
	log, err := audit.Open(t.TempDir() + "/audit.log")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	reg := tools.NewRegistry(tools.RegistryConfig{Audit: log, MaxInflight: 4, DefaultTimeout: time.Second, MaxTimeout: time.Second})
	commit := &fakeCommitTool{}
	require.NoError(t, reg.Register(commit))
	reg.Freeze()

	provider := &scriptProvider{replies: []string{"I cannot produce a diff for this."}}
	loop := agent.New(agent.Config{Provider: provider, Registry: reg, MaxToolCalls: 4})

	pipeCfg := config.PipelineConfig{FixIterations: 5, AutoCommit: autoCommit}
	orch := New(loop, reg, metrics.New(), pipeCfg, config.RolesConfig{})
	return orch, provider, commit
}

func TestTestAndFixStopsWhenTestsPass(t *testing.T) {
	orch, provider, commit := newFixFixture(t, false)
	runner := &scriptedRunner{results: []bool{false, false, true}}

	task, err := orch.TestAndFix(context.Background(), FixOptions{SessionID: "s", Runner: runner})
	require.NoError(t, err)
	assert.Equal(t, "ok", task.Outcome)
	assert.Contains(t, task.Final, "tests passing after 2 iteration(s)")
	assert.Equal(t, 2, provider.calls, "coder consulted once per failing round")
	assert.Equal(t, 0, commit.calls, "auto-commit is off by default")
}

func TestTestAndFixImmediatePass(t *testing.T) {
	orch, provider, _ := newFixFixture(t, false)
	runner := &scriptedRunner{results: []bool{true}}

	task, err := orch.TestAndFix(context.Background(), FixOptions{SessionID: "s", Runner: runner})
	require.NoError(t, err)
	assert.Equal(t, "ok", task.Outcome)
	assert.Equal(t, 0, provider.calls)
}

func TestTestAndFixExhaustsIterations(t *testing.T) {
	orch, provider, _ := newFixFixture(t, false)
	runner := &scriptedRunner{results: []bool{false, false, false, false, false, false, false}}

	task, err := orch.TestAndFix(context.Background(), FixOptions{SessionID: "s", Runner: runner})
	require.NoError(t, err)
	assert.Equal(t, "unfixed", task.Outcome)
	assert.Contains(t, task.Final, "FAIL: TestF")
	assert.Equal(t, 5, provider.calls, "exactly the iteration cap of coder rounds")
}

func TestTestAndFixAutoCommitOptIn(t *testing.T) {
	orch, _, commit := newFixFixture(t, false)
	runner := &scriptedRunner{results: []bool{true}}

	_, err := orch.TestAndFix(context.Background(), FixOptions{SessionID: "s", Runner: runner, AutoCommit: true})
	require.NoError(t, err)
	assert.Equal(t, 1, commit.calls)
}

func TestTestAndFixRequiresRunner(t *testing.T) {
	orch, _, _ := newFixFixture(t, false)
	_, err := orch.TestAndFix(context.Background(), FixOptions{SessionID: "s"})
	assert.Error(t, err)
}

func TestExtractDiff(t *testing.T) {
	bare := "--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-a\n+b\n"
	assert.Equal(t, strings.TrimSpace(bare), ExtractDiff(bare))

	fenced := "Here is the fix:\n```diff\n" + bare + "```\ntrailing prose"
	assert.Equal(t, strings.TrimSpace(bare), ExtractDiff(fenced))

	gitStyle := "diff --git a/x.go b/x.go\n" + bare
	assert.Contains(t, ExtractDiff(gitStyle), "diff --git")

	assert.Empty(t, ExtractDiff("no diff here at all"))
}
