// Package config holds the root configuration for the forged gateway.
// Values come from a JSON5 config file overlaid with environment variables;
// secrets (API keys, webhook secret, database DSN) are env-only and never
// written back to disk.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Providers ProvidersConfig `json:"providers"`
	Embedding EmbeddingConfig `json:"embedding"`
	Workspace WorkspaceConfig `json:"workspace"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Roles     RolesConfig     `json:"roles"`
	Tools     ToolsConfig     `json:"tools"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Webhook   WebhookConfig   `json:"webhook"`
	Sessions  SessionsConfig  `json:"sessions"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
}

// GatewayConfig configures the WebSocket/HTTP listener.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"-"` // operator bearer token, env FORGED_GATEWAY_TOKEN only
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	RatePerHour     int      `json:"rate_per_hour"`     // per-principal token bucket
	SendBuffer      int      `json:"send_buffer"`       // chunks buffered per session
	AttachmentMax   int64    `json:"attachment_max"`    // bytes per upload
	AttachmentSlice int      `json:"attachment_slice"`  // code points read into the prompt
	MaxLLMInflight  int64    `json:"max_llm_inflight"`  // process-wide LLM semaphore
	MaxToolInflight int64    `json:"max_tool_inflight"` // process-wide tool semaphore
	CancelGrace     Duration `json:"cancel_grace"`      // unwind budget after channel close
}

// ProviderConfig describes one LLM endpoint in the fallback chain.
type ProviderConfig struct {
	Name    string `json:"name"` // "anthropic" | "openai"
	Model   string `json:"model"`
	APIBase string `json:"api_base,omitempty"`
	APIKey  string `json:"-"` // env FORGED_<NAME>_API_KEY only
}

// ProvidersConfig is the ordered provider chain: first entry is primary.
type ProvidersConfig struct {
	Chain          []ProviderConfig `json:"chain"`
	RequestTimeout Duration         `json:"request_timeout"`
	StreamIdle     Duration         `json:"stream_idle"`
}

// EmbeddingConfig selects the embedder backend.
type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "local" (default) or "openai"
	Model     string `json:"model,omitempty"`
	APIBase   string `json:"api_base,omitempty"`
	APIKey    string `json:"-"` // env FORGED_EMBEDDING_API_KEY only
	Dimension int    `json:"dimension"`
}

// WorkspaceConfig locates the working tree and persistent state.
type WorkspaceConfig struct {
	Root    string `json:"root"`     // workspace root (default: CWD)
	DataDir string `json:"data_dir"` // persistent state root (default: ./.state)
}

// RetrievalConfig tunes the two vector indexes.
type RetrievalConfig struct {
	MemoryK       int   `json:"memory_k"`       // raw ANN k for memory queries
	MemoryLimit   int   `json:"memory_limit"`   // post-filter cap
	CodebaseK     int   `json:"codebase_k"`
	ChunkSize     int   `json:"chunk_size"`     // code points
	ChunkOverlap  int   `json:"chunk_overlap"`  // code points
	MaxFileBytes  int64 `json:"max_file_bytes"` // files above this are skipped
	EmbedInflight int   `json:"embed_inflight"` // concurrent embed requests
	Watch         bool  `json:"watch"`          // fsnotify incremental reindex
}

// RoleProfile overrides one role's sampling profile.
type RoleProfile struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// RolesConfig carries per-role overrides and the interactive default role.
type RolesConfig struct {
	Default      string                 `json:"default"` // role for interactive chat
	Profiles     map[string]RoleProfile `json:"profiles,omitempty"`
	MaxToolCalls int                    `json:"max_tool_calls"` // per role invocation
	RecentTurns  int                    `json:"recent_turns"`   // context cap
}

// ToolsConfig configures the tool registry and sandbox.
type ToolsConfig struct {
	Timeout        Duration `json:"timeout"`         // default per-tool deadline
	MaxTimeout     Duration `json:"max_timeout"`     // per-tool ceiling
	ShellWhitelist []string `json:"shell_whitelist"` // argv[0] values run_shell accepts
	TestRunner     []string `json:"test_runner"`     // argv for the test runner
	SensitivePaths []string `json:"sensitive_paths"` // deny patterns (path segments)
	HTTPDenyHosts  []string `json:"http_deny_hosts"`
	HTTPMaxBytes   int64    `json:"http_max_bytes"`
	PythonTimeout  Duration `json:"python_timeout"`
	PythonMemoryMB int      `json:"python_memory_mb"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	SingleDeadline Duration `json:"single_deadline"`
	SoftDeadline   Duration `json:"soft_deadline"`
	HardDeadline   Duration `json:"hard_deadline"`
	FixIterations  int      `json:"fix_iterations"`
	AutoCommit     bool     `json:"auto_commit"` // test-and-fix commits on success (opt-in)
}

// WebhookConfig configures signature verification and the autonomous job.
type WebhookConfig struct {
	Secret            string   `json:"-"` // env FORGED_WEBHOOK_SECRET only
	IdempotencyWindow Duration `json:"idempotency_window"`
	AckDeadline       Duration `json:"ack_deadline"`
	JobDeadline       Duration `json:"job_deadline"`
	PatchMaxBytes     int64    `json:"patch_max_bytes"`
}

// SessionsConfig selects the turn-store backend.
type SessionsConfig struct {
	Backend string `json:"backend"` // "file" (default) or "sqlite"
	DSN     string `json:"-"`       // sqlite path override, env FORGED_SESSIONS_DSN
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Endpoint string `json:"endpoint,omitempty"` // OTLP HTTP endpoint; empty = no-op tracer
	Service  string `json:"service,omitempty"`
}

// CronConfig gates the background schedules.
type CronConfig struct {
	Enabled     bool   `json:"enabled"`
	PruneSpec   string `json:"prune_spec,omitempty"`   // webhook-job window pruning
	PersistSpec string `json:"persist_spec,omitempty"` // vector index persist
	SweepSpec   string `json:"sweep_spec,omitempty"`   // scratch dir sweep
}

// Duration unmarshals from JSON strings like "30s" or bare nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		parsed, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return &time.ParseError{Layout: "duration", Value: s}
		}
		ns = ns*10 + int64(c-'0')
	}
	*d = Duration(ns)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// Std returns the stdlib duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
