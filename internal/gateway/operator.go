package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/devforgehq/forged/internal/fault"
	"github.com/devforgehq/forged/internal/tools"
)

// handleCommand is the operator surface: POST /commands/<tool> with a JSON
// argument object invokes the tool directly. Requires the gateway bearer
// token when one is configured.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if token := s.cfg.Gateway.Token; token != "" && bearerToken(r) != token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	toolName := strings.TrimPrefix(r.URL.Path, "/commands/")
	if toolName == "" || strings.Contains(toolName, "/") {
		http.Error(w, "tool name required", http.StatusBadRequest)
		return
	}

	if !s.rateLimiter.Allow(principalFor(r, s.cfg.Gateway.Token)) {
		s.metrics.RateLimited.Inc()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var args map[string]any
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	res := s.registry.Invoke(r.Context(), tools.Invocation{
		Tool:  toolName,
		Args:  args,
		Actor: "operator",
	})

	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	if res.Err != nil {
		switch fault.KindOf(res.Err) {
		case fault.KindInvalidInput:
			status = http.StatusBadRequest
		case fault.KindNotPermitted:
			status = http.StatusForbidden
		case fault.KindTimeout:
			status = http.StatusGatewayTimeout
		default:
			status = http.StatusInternalServerError
		}
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"tool":     toolName,
		"output":   res.ForLLM,
		"is_error": res.IsError,
	})
}
