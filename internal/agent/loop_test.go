package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/devforgehq/forged/internal/audit"
	"github.com/devforgehq/forged/internal/llm"
	"github.com/devforgehq/forged/internal/roles"
	"github.com/devforgehq/forged/internal/tools"
)

// toolCallingProvider asks for n tool calls, then answers.
type toolCallingProvider struct {
	mu        sync.Mutex
	toolCalls int
	issued    int
	requests  []llm.Request
}

func (p *toolCallingProvider) Name() string         { return "toolcaller" }
func (p *toolCallingProvider) DefaultModel() string { return "toolcaller" }

func (p *toolCallingProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.issued < p.toolCalls {
		p.issued++
		return &llm.Response{
			FinishReason: "tool_calls",
			ToolCalls: []llm.ToolCall{{
				ID:        "call-n",
				Name:      "echo",
				Arguments: map[string]any{"text": "ping"},
			}},
		}, nil
	}
	return &llm.Response{Content: "final answer", FinishReason: "stop"}, nil
}

func (p *toolCallingProvider) Stream(ctx context.Context, req llm.Request, onChunk func(llm.Chunk)) (*llm.Response, error) {
	resp, err := p.Complete(ctx, req)
	if err == nil && resp.Content != "" {
		onChunk(llm.Chunk{Content: resp.Content})
	}
	return resp, err
}

// echoTool is a trivial registered tool for loop tests.
type echoTool struct {
	mu    sync.Mutex
	calls int
}

func (e *echoTool) Name() string                 { return "echo" }
func (e *echoTool) Description() string          { return "echo text back" }
func (e *echoTool) Capability() tools.Capability { return tools.CapReadFS }
func (e *echoTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []string{"text"},
	}
}
func (e *echoTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	text, _ := args["text"].(string)
	return tools.NewResult("echo: " + text)
}

func newLoopFixture(t *testing.T, provider llm.Provider) (*Loop, *echoTool) {
	t.Helper()
	log, err := audit.Open(t.TempDir() + "/audit.log")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	reg := tools.NewRegistry(tools.RegistryConfig{Audit: log, MaxInflight: 4, DefaultTimeout: time.Second, MaxTimeout: time.Second})
	echo := &echoTool{}
	require.NoError(t, reg.Register(echo))
	reg.Freeze()

	loop := New(Config{Provider: provider, Registry: reg, MaxToolCalls: 4})
	return loop, echo
}

func developerWithEcho() roles.Role {
	r, _ := roles.Get(roles.Developer)
	r.Tools = []string{"echo"}
	return r
}

func TestLoopExecutesToolCalls(t *testing.T) {
	provider := &toolCallingProvider{toolCalls: 2}
	loop, echo := newLoopFixture(t, provider)

	res, err := loop.Run(context.Background(), Request{
		Role:      developerWithEcho(),
		SessionID: "s",
		Input:     "do the thing",
	})
	require.NoError(t, err)
	assert.Equal(t, "final answer", res.Content)
	assert.Equal(t, 2, res.ToolCalls)
	assert.Equal(t, 2, echo.calls)

	// The tool result went back into the conversation as a tool turn.
	last := provider.requests[len(provider.requests)-1]
	var sawToolTurn bool
	for _, m := range last.Messages {
		if m.Role == "tool" && m.Content == "echo: ping" {
			sawToolTurn = true
		}
	}
	assert.True(t, sawToolTurn)
}

func TestLoopEnforcesToolBudget(t *testing.T) {
	provider := &toolCallingProvider{toolCalls: 100}
	loop, echo := newLoopFixture(t, provider)

	res, err := loop.Run(context.Background(), Request{
		Role:      developerWithEcho(),
		SessionID: "s",
		Input:     "loop forever",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ToolCalls, "per-role tool budget")
	assert.Equal(t, 4, echo.calls)
}

func TestLoopNoToolsForRestrictedRole(t *testing.T) {
	provider := &toolCallingProvider{toolCalls: 0}
	loop, _ := newLoopFixture(t, provider)

	role, err := roles.Get(roles.Completer)
	require.NoError(t, err)
	_, err = loop.Run(context.Background(), Request{Role: role, SessionID: "s", Input: "complete me"})
	require.NoError(t, err)

	// Completer has an empty (non-nil) whitelist, so "no tools offered" is
	// decided by the role record; the request must not advertise definitions.
	first := provider.requests[0]
	assert.Empty(t, first.Tools)
}

func TestLoopRespectsSemaphore(t *testing.T) {
	provider := &toolCallingProvider{}
	log, err := audit.Open(t.TempDir() + "/audit.log")
	require.NoError(t, err)
	defer log.Close()

	sem := semaphore.NewWeighted(1)
	require.NoError(t, sem.Acquire(context.Background(), 1)) // hog the only slot

	loop := New(Config{Provider: provider, LLMSem: sem})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = loop.Run(ctx, Request{Role: developerWithEcho(), SessionID: "s", Input: "x"})
	assert.Error(t, err, "no free LLM slot within the deadline")
}

func TestTrimToBudget(t *testing.T) {
	long := make([]llm.Message, 6)
	for i := range long {
		long[i] = llm.Message{Role: "user", Content: "some message content here"}
	}
	kept := trimToBudget(long, 20)
	assert.NotEmpty(t, kept)
	assert.LessOrEqual(t, len(kept), len(long))
	// Newest turn always survives.
	assert.Equal(t, long[len(long)-1], kept[len(kept)-1])
}
