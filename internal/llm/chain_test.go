package llm

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devforgehq/forged/internal/fault"
)

// stubProvider scripts one provider in a chain test.
type stubProvider struct {
	name    string
	fail    error
	reply   string
	calls   atomic.Int32
	chunks  []string
}

func (s *stubProvider) Name() string         { return s.name }
func (s *stubProvider) DefaultModel() string { return "stub-model" }

func (s *stubProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	s.calls.Add(1)
	if s.fail != nil {
		return nil, s.fail
	}
	return &Response{Content: s.reply, FinishReason: "stop"}, nil
}

func (s *stubProvider) Stream(ctx context.Context, req Request, onChunk func(Chunk)) (*Response, error) {
	s.calls.Add(1)
	if s.fail != nil {
		return nil, s.fail
	}
	for _, c := range s.chunks {
		onChunk(Chunk{Content: c})
	}
	onChunk(Chunk{Done: true})
	return &Response{Content: s.reply, FinishReason: "stop"}, nil
}

func TestChainFallsBackOnUnavailable(t *testing.T) {
	primary := &stubProvider{name: "primary", fail: fault.New(fault.KindUnavailable, "down")}
	backup := &stubProvider{name: "backup", reply: "from backup"}
	chain := NewChain(primary, backup)

	resp, err := chain.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Content)
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(1), backup.calls.Load())
	assert.True(t, chain.Healthy())
}

func TestChainDoesNotFallBackOnBadRequest(t *testing.T) {
	primary := &stubProvider{name: "primary", fail: fault.New(fault.KindInvalidInput, "bad request")}
	backup := &stubProvider{name: "backup", reply: "unused"}
	chain := NewChain(primary, backup)

	_, err := chain.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))
	assert.Equal(t, int32(0), backup.calls.Load())
}

func TestChainExhaustedMarksUnhealthy(t *testing.T) {
	a := &stubProvider{name: "a", fail: fault.New(fault.KindUnavailable, "down")}
	b := &stubProvider{name: "b", fail: fault.New(fault.KindRateLimited, "limited")}
	chain := NewChain(a, b)

	_, err := chain.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.False(t, chain.Healthy())

	// Recovery flips it back.
	b.fail = nil
	b.reply = "ok"
	_, err = chain.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, chain.Healthy())
}

func TestChainStreamFallsBackBeforeFirstChunk(t *testing.T) {
	primary := &stubProvider{name: "primary", fail: fault.New(fault.KindUnavailable, "down")}
	backup := &stubProvider{name: "backup", reply: "hello world", chunks: []string{"hello ", "world"}}
	chain := NewChain(primary, backup)

	var got string
	resp, err := chain.Stream(context.Background(), Request{}, func(c Chunk) { got += c.Content })
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Content)
	assert.Equal(t, "hello world", got)
}
