package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:         "127.0.0.1",
			Port:         3000,
			MaxBodyBytes: 2 << 20,
		},
		Agent: AgentConfig{
			AssistantName:   "Andy",
			MainGroupFolder: "main",
		},
		Container: ContainerConfig{
			Runtime:        "docker",
			Image:          "nanoclaw-agent:latest",
			NamePrefix:     "nanoclaw-",
			IdleTimeoutSec: 30,
			StdinGraceSec:  10,
			KillGraceSec:   5,
			EnvPassthrough: []string{
				"ANTHROPIC_API_KEY",
				"AGNO_MODEL_ID",
				"AGNO_API_KEY",
				"AGNO_BASE_URL",
			},
		},
		IPC: IPCConfig{
			PollIntervalMs: 250,
			Watch:          true,
		},
		Scheduler: SchedulerConfig{
			TickIntervalMs: 1000,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			SampleRatio: 1.0,
			ServiceName: "nanoclaw",
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

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("HTTP_HOST", &c.HTTP.Host)
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.HTTP.Port = port
		}
	}
	envStr("NANOCLAW_API_TOKEN", &c.HTTP.APIToken)

	envStr("NANOCLAW_DATA_DIR", &c.Dirs.Root)
	envStr("ASSISTANT_NAME", &c.Agent.AssistantName)
	envStr("TIMEZONE", &c.Agent.Timezone)

	envStr("CONTAINER_IMAGE", &c.Container.Image)
	envStr("CONTAINER_RUNTIME", &c.Container.Runtime)

	envStr("NANOCLAW_PG_DSN", &c.Store.PostgresDSN)
	if c.Store.PostgresDSN != "" && os.Getenv("NANOCLAW_PG_DSN") != "" {
		c.Store.Driver = "postgres"
	}

	envStr("NANOCLAW_LOG_LEVEL", &c.Log.Level)

	// Telemetry
	envStr("NANOCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("NANOCLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("NANOCLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NANOCLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("NANOCLAW_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("NANOCLAW_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("NANOCLAW_TSNET_DIR", &c.Tailscale.StateDir)
	if c.Tailscale.Hostname != "" && os.Getenv("NANOCLAW_TSNET_HOSTNAME") != "" {
		c.Tailscale.Enabled = true
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
