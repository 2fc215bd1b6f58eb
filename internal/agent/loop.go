// Package agent runs the shared role execution loop: compose prompt from
// retrieved memory, codebase snippets, and recent turns; request a model
// completion; execute any tool-call directives; feed results back; repeat
// until the reply is plain prose or the per-role tool budget is spent.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/devforgehq/forged/internal/fault"
	"github.com/devforgehq/forged/internal/llm"
	"github.com/devforgehq/forged/internal/memory"
	"github.com/devforgehq/forged/internal/rag"
	"github.com/devforgehq/forged/internal/roles"
	"github.com/devforgehq/forged/internal/tools"
)

// Loop executes role invocations. One Loop serves the whole process; all
// per-call state lives in the request.
type Loop struct {
	provider llm.Provider
	registry *tools.Registry
	memBank  *memory.Bank
	indexer  *rag.Indexer

	llmSem       *semaphore.Weighted
	maxToolCalls int
	codebaseK    int
	recentTurns  int
}

// Config wires a Loop.
type Config struct {
	Provider     llm.Provider
	Registry     *tools.Registry
	Memory       *memory.Bank
	Indexer      *rag.Indexer
	LLMSem       *semaphore.Weighted
	MaxToolCalls int
	CodebaseK    int
	RecentTurns  int
}

// New builds the loop with defaults applied.
func New(cfg Config) *Loop {
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 4
	}
	if cfg.CodebaseK <= 0 {
		cfg.CodebaseK = 15
	}
	if cfg.RecentTurns <= 0 {
		cfg.RecentTurns = 20
	}
	return &Loop{
		provider:     cfg.Provider,
		registry:     cfg.Registry,
		memBank:      cfg.Memory,
		indexer:      cfg.Indexer,
		llmSem:       cfg.LLMSem,
		maxToolCalls: cfg.MaxToolCalls,
		codebaseK:    cfg.CodebaseK,
		recentTurns:  cfg.RecentTurns,
	}
}

// Request is one role invocation.
type Request struct {
	Role      roles.Role
	SessionID string
	Input     string        // incoming user message or upstream role's output
	History   []llm.Message // recent conversation turns, oldest first
	Stream    bool
	OnChunk   func(string) // required when Stream is true

	// SkipRetrieval disables memory/codebase enrichment (completer role,
	// and tests that pin the prompt).
	SkipRetrieval bool
}

// Result is the outcome of one role invocation.
type Result struct {
	Content   string
	ToolCalls int
	Usage     llm.Usage
	Elapsed   time.Duration
}

// Run executes one role invocation to completion.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	messages, notices := l.composeContext(ctx, req)
	result := &Result{}

	var defs []llm.ToolDefinition
	if l.registry != nil {
		for _, d := range l.registry.Definitions(req.Role.Tools) {
			defs = append(defs, llm.ToolDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
	}

	for {
		resp, err := l.complete(ctx, llm.Request{
			System:   req.Role.System + notices,
			Messages: messages,
			Tools:    defs,
			Params: llm.Params{
				Temperature: req.Role.Profile.Temperature,
				MaxTokens:   req.Role.Profile.MaxTokens,
			},
		}, req)
		if err != nil {
			return nil, err
		}
		if resp.Usage != nil {
			result.Usage.Add(resp.Usage)
		}
		result.Content = resp.Content

		if len(resp.ToolCalls) == 0 {
			break
		}
		if result.ToolCalls >= l.maxToolCalls {
			slog.Debug("role tool budget exhausted",
				"role", req.Role.Name, "session", req.SessionID, "calls", result.ToolCalls)
			break
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		// Every call in the response is answered, even when this round
		// crosses the budget: a tool_use left without a tool_result is a
		// malformed conversation for the provider.
		for _, call := range resp.ToolCalls {
			result.ToolCalls++
			res := l.registry.Invoke(ctx, tools.Invocation{
				Tool:      call.Name,
				Args:      call.Arguments,
				Actor:     req.SessionID,
				Whitelist: req.Role.Tools,
			})
			// ToolError is data for the model, never unwound.
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    res.ForLLM,
				ToolCallID: call.ID,
			})
		}
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

// complete issues one LLM call under the global in-flight semaphore.
func (l *Loop) complete(ctx context.Context, llmReq llm.Request, req Request) (*llm.Response, error) {
	if l.llmSem != nil {
		if err := l.llmSem.Acquire(ctx, 1); err != nil {
			return nil, fault.Wrap(fault.KindTimeout, "llm slot", err)
		}
		defer l.llmSem.Release(1)
	}

	if req.Stream && req.OnChunk != nil {
		return l.provider.Stream(ctx, llmReq, func(ch llm.Chunk) {
			if ch.Content != "" {
				req.OnChunk(ch.Content)
			}
		})
	}
	return l.provider.Complete(ctx, llmReq)
}

// composeContext builds the message list: retrieved memory and codebase
// snippets as context preamble, recent turns, then the incoming message.
// Retrieval failures degrade to a short notice instead of failing the turn.
func (l *Loop) composeContext(ctx context.Context, req Request) ([]llm.Message, string) {
	var notices string
	var preamble string

	if !req.SkipRetrieval {
		if l.memBank != nil {
			recalled, err := l.memBank.Recall(ctx, req.SessionID, req.Input)
			switch {
			case err != nil:
				slog.Warn("memory recall failed", "session", req.SessionID, "error", err)
				notices += "\n(memory unavailable)"
			case len(recalled) > 0:
				preamble += "Relevant conversation memory:\n"
				for _, rec := range recalled {
					preamble += fmt.Sprintf("- [%s] %s\n", rec.Role, clip(rec.Content, 400))
				}
			}
		}
		if l.indexer != nil {
			hits, err := l.indexer.Search(ctx, req.Input, l.codebaseK)
			switch {
			case err != nil:
				slog.Warn("codebase retrieval failed", "session", req.SessionID, "error", err)
				notices += "\n(retrieval unavailable)"
			case len(hits) > 0:
				preamble += "Relevant code from the workspace:\n"
				for _, h := range hits {
					preamble += fmt.Sprintf("--- %s\n%s\n", h.Metadata["path"], clip(h.Content, 800))
				}
			}
		}
	}

	history := req.History
	if len(history) > l.recentTurns {
		history = history[len(history)-l.recentTurns:]
	}
	history = trimToBudget(history, historyTokenBudget)

	var messages []llm.Message
	if preamble != "" {
		messages = append(messages, llm.Message{Role: "user", Content: preamble})
		messages = append(messages, llm.Message{Role: "assistant", Content: "Understood. I have the context."})
	}
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: req.Input})
	return messages, notices
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
