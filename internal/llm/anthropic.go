package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devforgehq/forged/internal/fault"
)

const (
	defaultClaudeModel  = "claude-sonnet-4-5-20250929"
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicProvider implements Provider against the Anthropic Messages API
// via net/http.
type AnthropicProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
	streamIdle   time.Duration
}

// AnthropicOption customizes an AnthropicProvider.
type AnthropicOption func(*AnthropicProvider)

// WithAnthropicModel overrides the default model.
func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if model != "" {
			p.defaultModel = model
		}
	}
}

// WithAnthropicBaseURL overrides the API base URL (for stubs and proxies).
func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithAnthropicStreamIdle sets the per-chunk idle timeout for streaming.
func WithAnthropicStreamIdle(d time.Duration) AnthropicOption {
	return func(p *AnthropicProvider) {
		if d > 0 {
			p.streamIdle = d
		}
	}
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:       apiKey,
		baseURL:      anthropicAPIBase,
		defaultModel: defaultClaudeModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
		streamIdle:   15 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body := p.buildRequestBody(req, false)

	return retryDo(ctx, p.retryConfig, func() (*Response, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp anthropicResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fault.Wrap(fault.KindUnavailable, "anthropic: decode response", err)
		}
		return p.parseResponse(&resp), nil
	})
}

func (p *AnthropicProvider) Stream(ctx context.Context, req Request, onChunk func(Chunk)) (*Response, error) {
	body := p.buildRequestBody(req, true)

	// Retry only the connection phase; once streaming starts, no retry.
	respBody, err := retryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &Response{FinishReason: "stop"}
	toolCallJSON := make(map[int]string)
	var contentBuf strings.Builder

	// Idle watchdog: abort the read when no chunk arrives within streamIdle.
	streamCtx, kick, stop := watchIdle(ctx, p.streamIdle)
	defer stop()
	go func() {
		<-streamCtx.Done()
		respBody.Close()
	}()

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var currentEvent string

	for scanner.Scan() {
		kick()

		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if result.Usage == nil {
					result.Usage = &Usage{}
				}
				result.Usage.PromptTokens = ev.Message.Usage.InputTokens
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.ContentBlock.Type == "tool_use" {
					result.ToolCalls = append(result.ToolCalls, ToolCall{
						ID:   ev.ContentBlock.ID,
						Name: ev.ContentBlock.Name,
					})
					toolCallJSON[len(result.ToolCalls)-1] = ""
				}
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				switch ev.Delta.Type {
				case "text_delta":
					contentBuf.WriteString(ev.Delta.Text)
					onChunk(Chunk{Content: ev.Delta.Text})
				case "input_json_delta":
					idx := len(result.ToolCalls) - 1
					if idx >= 0 {
						toolCallJSON[idx] += ev.Delta.PartialJSON
					}
				}
			}

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.Delta.StopReason != "" {
					result.FinishReason = mapAnthropicStopReason(ev.Delta.StopReason)
				}
				if result.Usage == nil {
					result.Usage = &Usage{}
				}
				result.Usage.CompletionTokens = ev.Usage.OutputTokens
			}

		case "message_stop":
			onChunk(Chunk{Done: true})
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && streamCtx.Err() != nil {
		return nil, fault.Wrap(fault.KindTimeout, "anthropic: stream idle", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindTimeout, "anthropic: stream cancelled", err)
	}

	result.Content = contentBuf.String()
	for i := range result.ToolCalls {
		args := make(map[string]any)
		if raw := toolCallJSON[i]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		result.ToolCalls[i].Arguments = args
	}
	if result.Usage != nil {
		result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	}
	return result, nil
}

func (p *AnthropicProvider) buildRequestBody(req Request, stream bool) map[string]any {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	var messages []map[string]any
	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			var blocks []map[string]any
			if msg.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": tc.Arguments,
				})
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": blocks})
		case "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		default:
			messages = append(messages, map[string]any{"role": "user", "content": msg.Content})
		}
	}

	body := map[string]any{
		"model":       model,
		"max_tokens":  maxTokens,
		"temperature": req.Params.Temperature,
		"messages":    messages,
		"stream":      stream,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		body["tools"] = tools
	}
	return body
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body map[string]any) (io.ReadCloser, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "anthropic: marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(buf))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "anthropic: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindTimeout, "anthropic: request", err)
		}
		return nil, fault.Wrap(fault.KindUnavailable, "anthropic: request", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyHTTPStatus("anthropic", resp.StatusCode, slurp)
	}
	return resp.Body, nil
}

func (p *AnthropicProvider) parseResponse(resp *anthropicResponse) *Response {
	out := &Response{FinishReason: mapAnthropicStopReason(resp.StopReason)}
	var contentBuf strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			contentBuf.WriteString(block.Text)
		case "tool_use":
			args := make(map[string]any)
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &args)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	out.Content = contentBuf.String()
	out.Usage = &Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return out
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// classifyHTTPStatus maps a provider HTTP status into the fault taxonomy.
func classifyHTTPStatus(provider string, status int, body []byte) error {
	msg := fmt.Sprintf("%s: http %d: %s", provider, status, truncate(string(body), 200))
	switch {
	case status == http.StatusTooManyRequests:
		return fault.New(fault.KindRateLimited, msg)
	case status == http.StatusRequestTimeout:
		return fault.New(fault.KindTimeout, msg)
	case status >= 400 && status < 500:
		return fault.New(fault.KindInvalidInput, msg)
	default:
		return fault.New(fault.KindUnavailable, msg)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Wire types for the Anthropic Messages API.

type anthropicResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text,omitempty"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicMessageStartEvent struct {
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
