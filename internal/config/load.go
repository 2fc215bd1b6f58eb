package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18890,
			RatePerHour:     60,
			SendBuffer:      64,
			AttachmentMax:   5 << 20,
			AttachmentSlice: 1000,
			MaxLLMInflight:  8,
			MaxToolInflight: 16,
			CancelGrace:     Duration(2 * time.Second),
		},
		Providers: ProvidersConfig{
			Chain: []ProviderConfig{
				{Name: "anthropic", Model: "claude-sonnet-4-5-20250929"},
			},
			RequestTimeout: Duration(30 * time.Second),
			StreamIdle:     Duration(15 * time.Second),
		},
		Embedding: EmbeddingConfig{
			Provider:  "local",
			Dimension: 384,
		},
		Workspace: WorkspaceConfig{
			Root:    ".",
			DataDir: "./.state",
		},
		Retrieval: RetrievalConfig{
			MemoryK:       20,
			MemoryLimit:   10,
			CodebaseK:     15,
			ChunkSize:     2000,
			ChunkOverlap:  200,
			MaxFileBytes:  1 << 20,
			EmbedInflight: 4,
		},
		Roles: RolesConfig{
			Default:      "developer",
			MaxToolCalls: 4,
			RecentTurns:  20,
		},
		Tools: ToolsConfig{
			Timeout:        Duration(10 * time.Second),
			MaxTimeout:     Duration(60 * time.Second),
			ShellWhitelist: []string{"git", "go", "pytest", "python3"},
			TestRunner:     []string{"go", "test", "./..."},
			SensitivePaths: []string{".git", ".env", ".ssh", ".aws", "credentials", ".npm", ".cache"},
			HTTPDenyHosts:  []string{"169.254.169.254", "metadata.google.internal", "localhost", "127.0.0.1"},
			HTTPMaxBytes:   1 << 20,
			PythonTimeout:  Duration(10 * time.Second),
			PythonMemoryMB: 256,
		},
		Pipeline: PipelineConfig{
			SingleDeadline: Duration(30 * time.Second),
			SoftDeadline:   Duration(5 * time.Second),
			HardDeadline:   Duration(15 * time.Second),
			FixIterations:  5,
		},
		Webhook: WebhookConfig{
			IdempotencyWindow: Duration(24 * time.Hour),
			AckDeadline:       Duration(2 * time.Second),
			JobDeadline:       Duration(15 * time.Minute),
			PatchMaxBytes:     256 << 10,
		},
		Sessions: SessionsConfig{
			Backend: "file",
		},
		Cron: CronConfig{
			Enabled:     true,
			PruneSpec:   "0 * * * *",
			PersistSpec: "*/10 * * * *",
			SweepSpec:   "0 3 * * *",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env takes precedence
// over file values; secrets are only ever read from env.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("FORGED_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("FORGED_WEBHOOK_SECRET", &c.Webhook.Secret)
	envStr("FORGED_EMBEDDING_API_KEY", &c.Embedding.APIKey)
	envStr("FORGED_SESSIONS_DSN", &c.Sessions.DSN)
	envStr("FORGED_WORKSPACE", &c.Workspace.Root)
	envStr("FORGED_DATA_DIR", &c.Workspace.DataDir)
	envStr("FORGED_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	for i := range c.Providers.Chain {
		key := "FORGED_" + strings.ToUpper(c.Providers.Chain[i].Name) + "_API_KEY"
		envStr(key, &c.Providers.Chain[i].APIKey)
	}
}
