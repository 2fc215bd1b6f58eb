package agent

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/devforgehq/forged/internal/llm"
)

// historyTokenBudget bounds the recent-turn portion of the prompt. The turn
// cap handles the common case; the token budget catches sessions full of
// very large turns (pasted files, long tool output).
const historyTokenBudget = 24000

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// countTokens estimates the token cost of a string. Falls back to a
// bytes/4 heuristic when the encoding tables are unavailable (offline
// first run without the tiktoken cache).
func countTokens(s string) int {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	if enc == nil {
		return len(s) / 4
	}
	return len(enc.Encode(s, nil, nil))
}

// trimToBudget drops the oldest turns until the history fits the token
// budget. The newest turn is always kept.
func trimToBudget(history []llm.Message, budget int) []llm.Message {
	if len(history) == 0 {
		return history
	}
	total := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += countTokens(history[i].Content)
		if total > budget && i < len(history)-1 {
			break
		}
		cut = i
	}
	return history[cut:]
}
