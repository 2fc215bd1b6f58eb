package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devforgehq/forged/internal/config"
	"github.com/devforgehq/forged/internal/fault"
)

const (
	defaultEmbeddingModel = "text-embedding-3-small"
	openAIEmbedBase       = "https://api.openai.com/v1"
)

// OpenAI calls an OpenAI-compatible /embeddings endpoint.
type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

// NewOpenAI creates a remote embedder from config.
func NewOpenAI(cfg config.EmbeddingConfig) *OpenAI {
	base := cfg.APIBase
	if base == "" {
		base = openAIEmbedBase
	}
	model := cfg.Model
	if model == "" {
		model = defaultEmbeddingModel
	}
	dim := cfg.Dimension
	if dim <= 0 {
		dim = 1536
	}
	return &OpenAI{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(base, "/"),
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OpenAI) Dimension() int     { return o.dim }
func (o *OpenAI) Provenance() string { return "openai:" + o.model }

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model":      o.model,
		"input":      text,
		"dimensions": o.dim,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "embed: marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "embed: build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindTimeout, "embed: request", err)
		}
		return nil, fault.Wrap(fault.KindUnavailable, "embed: request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		kind := fault.KindUnavailable
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			kind = fault.KindRateLimited
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			kind = fault.KindInvalidInput
		}
		return nil, fault.Newf(kind, "embed: http %d: %s", resp.StatusCode, slurp)
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, "embed: decode response", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fault.New(fault.KindUnavailable, "embed: empty response")
	}
	vec := parsed.Data[0].Embedding
	if len(vec) != o.dim {
		return nil, fmt.Errorf("embed: dimension mismatch: got %d want %d", len(vec), o.dim)
	}
	return vec, nil
}
