// Package store persists conversation turns. Two backends implement the
// same interface: a JSON file per session (the default) and a sqlite
// database for installs that want queryable history.
package store

import (
	"time"
)

// Turn is one persisted conversation turn.
type Turn struct {
	Session   string    `json:"session"`
	Role      string    `json:"role"` // "user", "assistant", "tool"
	Content   string    `json:"content"`
	Index     int       `json:"index"`
	CreatedAt time.Time `json:"created_at"`

	// Tool-call record, set when Role is "tool".
	ToolName   string `json:"tool_name,omitempty"`
	ToolArgs   string `json:"tool_args,omitempty"`
	ToolDigest string `json:"tool_digest,omitempty"`
}

// SessionInfo is lightweight metadata for listing.
type SessionInfo struct {
	Session   string    `json:"session"`
	TurnCount int       `json:"turn_count"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// TurnStore persists and retrieves conversation turns. Turn indexes are
// strictly increasing per session; Append with a stale index is an error.
type TurnStore interface {
	Append(turn Turn) error
	History(session string) ([]Turn, error)
	NextIndex(session string) (int, error)
	List() ([]SessionInfo, error)
	Delete(session string) error
	Close() error
}
