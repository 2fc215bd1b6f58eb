package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devforgehq/forged/internal/fault"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	openAIAPIBase      = "https://api.openai.com/v1"
)

// OpenAIProvider implements Provider against an OpenAI-compatible chat
// completions endpoint. Any server speaking the same dialect works via
// WithOpenAIBaseURL.
type OpenAIProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
	streamIdle   time.Duration
}

// OpenAIOption customizes an OpenAIProvider.
type OpenAIOption func(*OpenAIProvider)

// WithOpenAIModel overrides the default model.
func WithOpenAIModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if model != "" {
			p.defaultModel = model
		}
	}
}

// WithOpenAIBaseURL overrides the API base URL.
func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithOpenAIStreamIdle sets the per-chunk idle timeout for streaming.
func WithOpenAIStreamIdle(d time.Duration) OpenAIOption {
	return func(p *OpenAIProvider) {
		if d > 0 {
			p.streamIdle = d
		}
	}
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:       apiKey,
		baseURL:      openAIAPIBase,
		defaultModel: defaultOpenAIModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
		streamIdle:   15 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *OpenAIProvider) Name() string         { return "openai" }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body := p.buildRequestBody(req, false)

	return retryDo(ctx, p.retryConfig, func() (*Response, error) {
		respBody, err := p.doRequest(ctx, "/chat/completions", body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp openAIResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fault.Wrap(fault.KindUnavailable, "openai: decode response", err)
		}
		return p.parseResponse(&resp), nil
	})
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request, onChunk func(Chunk)) (*Response, error) {
	body := p.buildRequestBody(req, true)

	respBody, err := retryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, "/chat/completions", body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	streamCtx, kick, stop := watchIdle(ctx, p.streamIdle)
	defer stop()
	go func() {
		<-streamCtx.Done()
		respBody.Close()
	}()

	result := &Response{FinishReason: "stop"}
	var contentBuf strings.Builder
	toolCalls := make(map[int]*ToolCall)
	toolArgs := make(map[int]string)

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		kick()

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			onChunk(Chunk{Done: true})
			break
		}

		var ev openAIStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil || len(ev.Choices) == 0 {
			continue
		}
		choice := ev.Choices[0]
		if choice.Delta.Content != "" {
			contentBuf.WriteString(choice.Delta.Content)
			onChunk(Chunk{Content: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			if _, ok := toolCalls[tc.Index]; !ok {
				toolCalls[tc.Index] = &ToolCall{ID: tc.ID, Name: tc.Function.Name}
			}
			if tc.Function.Name != "" {
				toolCalls[tc.Index].Name = tc.Function.Name
			}
			toolArgs[tc.Index] += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
		if ev.Usage != nil {
			result.Usage = &Usage{
				PromptTokens:     ev.Usage.PromptTokens,
				CompletionTokens: ev.Usage.CompletionTokens,
				TotalTokens:      ev.Usage.TotalTokens,
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && streamCtx.Err() != nil {
		return nil, fault.Wrap(fault.KindTimeout, "openai: stream idle", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindTimeout, "openai: stream cancelled", err)
	}

	result.Content = contentBuf.String()
	for i := 0; i < len(toolCalls); i++ {
		tc, ok := toolCalls[i]
		if !ok {
			continue
		}
		args := make(map[string]any)
		if raw := toolArgs[i]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		tc.Arguments = args
		result.ToolCalls = append(result.ToolCalls, *tc)
	}
	return result, nil
}

func (p *OpenAIProvider) buildRequestBody(req Request, stream bool) map[string]any {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var messages []map[string]any
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	for _, msg := range req.Messages {
		m := map[string]any{"role": msg.Role, "content": msg.Content}
		if len(msg.ToolCalls) > 0 {
			var calls []map[string]any
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(args),
					},
				})
			}
			m["tool_calls"] = calls
		}
		if msg.ToolCallID != "" {
			m["tool_call_id"] = msg.ToolCallID
		}
		messages = append(messages, m)
	}

	body := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": req.Params.Temperature,
		"stream":      stream,
	}
	if req.Params.MaxTokens > 0 {
		body["max_tokens"] = req.Params.MaxTokens
	}
	if stream {
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = tools
	}
	return body
}

func (p *OpenAIProvider) doRequest(ctx context.Context, path string, body map[string]any) (io.ReadCloser, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "openai: marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "openai: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindTimeout, "openai: request", err)
		}
		return nil, fault.Wrap(fault.KindUnavailable, "openai: request", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyHTTPStatus("openai", resp.StatusCode, slurp)
	}
	return resp.Body, nil
}

func (p *OpenAIProvider) parseResponse(resp *openAIResponse) *Response {
	out := &Response{FinishReason: "stop"}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Content = choice.Message.Content
		if choice.FinishReason != "" {
			out.FinishReason = choice.FinishReason
		}
		for _, tc := range choice.Message.ToolCalls {
			args := make(map[string]any)
			if tc.Function.Arguments != "" {
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
		}
	}
	if resp.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out
}

// Wire types for the OpenAI chat completions API.

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}
