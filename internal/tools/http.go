package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPRequestTool performs bounded outbound HTTP. Hosts on the deny list
// are rejected before any connection; request and response bodies are
// capped.
type HTTPRequestTool struct {
	client    *http.Client
	denyHosts []string
	maxBytes  int64
}

// NewHTTPRequestTool builds the tool with the configured deny list and caps.
func NewHTTPRequestTool(denyHosts []string, maxBytes int64) *HTTPRequestTool {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &HTTPRequestTool{
		client:    &http.Client{Timeout: 30 * time.Second},
		denyHosts: denyHosts,
		maxBytes:  maxBytes,
	}
}

func (t *HTTPRequestTool) Name() string           { return "http_request" }
func (t *HTTPRequestTool) Description() string    { return "Perform an outbound HTTP request" }
func (t *HTTPRequestTool) Capability() Capability { return CapHTTPOut }
func (t *HTTPRequestTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"method": map[string]any{
				"type": "string",
				"enum": []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
			},
			"url": map[string]any{
				"type":        "string",
				"description": "Target URL (http or https)",
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body",
			},
		},
		"required": []string{"method", "url"},
	}
}

func (t *HTTPRequestTool) Execute(ctx context.Context, args map[string]any) *Result {
	method, _ := args["method"].(string)
	rawURL, _ := args["url"].(string)

	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ErrorResult(fmt.Sprintf("invalid url: %s", rawURL))
	}
	if t.denied(parsed.Hostname()) {
		return DeniedResult(fmt.Sprintf("host %s is on the deny list", parsed.Hostname()))
	}

	body, _ := args["body"].(string)
	if int64(len(body)) > t.maxBytes {
		return ErrorResult(fmt.Sprintf("request body exceeds %d bytes", t.maxBytes))
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, strings.NewReader(body))
	if err != nil {
		return ErrorResult(fmt.Sprintf("build request: %v", err))
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read response: %v", err))
	}

	out := fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, respBody)
	return NewResult(out).withTarget(method + " " + rawURL)
}

// denied matches the hostname against the deny list, exact or as a parent
// domain suffix; IP literals are also resolved against literal entries.
func (t *HTTPRequestTool) denied(host string) bool {
	host = strings.ToLower(host)
	for _, d := range t.denyHosts {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
		if ip := net.ParseIP(host); ip != nil && d == host {
			return true
		}
	}
	return false
}
