// Package config holds the host configuration: a JSON5 file overlaid with
// environment variables, env taking precedence.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is the root configuration for the nanoclaw host.
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Dirs      DirsConfig      `json:"dirs"`
	Agent     AgentConfig     `json:"agent"`
	Container ContainerConfig `json:"container"`
	IPC       IPCConfig       `json:"ipc"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Store     StoreConfig     `json:"store"`
	Log       LogConfig       `json:"log"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Tailscale TailscaleConfig `json:"tailscale"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	APIToken     string `json:"apiToken"`     // empty = endpoints are open
	MaxBodyBytes int64  `json:"maxBodyBytes"` // request body cap for /api/chat
}

// DirsConfig locates the on-disk trees. Data, Store, and Groups default to
// subdirectories of Root when left empty.
type DirsConfig struct {
	Root   string `json:"root"`
	Data   string `json:"data"`
	Store  string `json:"store"`
	Groups string `json:"groups"`
}

// AgentConfig names the assistant and the privileged group.
type AgentConfig struct {
	AssistantName   string `json:"assistantName"`
	MainGroupFolder string `json:"mainGroupFolder"`
	Timezone        string `json:"timezone"` // IANA name; empty = host local
}

// ContainerConfig controls how per-group agent containers are run.
type ContainerConfig struct {
	Runtime        string   `json:"runtime"` // container CLI binary
	Image          string   `json:"image"`
	NamePrefix     string   `json:"namePrefix"`
	IdleTimeoutSec int      `json:"idleTimeoutSec"` // close stdin after this much output silence
	StdinGraceSec  int      `json:"stdinGraceSec"`  // wait after stdin close before terminate
	KillGraceSec   int      `json:"killGraceSec"`   // wait after terminate before kill
	EnvPassthrough []string `json:"envPassthrough"` // host env vars forwarded into containers
}

// IPCConfig controls the agent inbox mediator.
type IPCConfig struct {
	PollIntervalMs int  `json:"pollIntervalMs"`
	Watch          bool `json:"watch"` // fsnotify wake between polls
}

// SchedulerConfig controls the task firing loop.
type SchedulerConfig struct {
	TickIntervalMs int `json:"tickIntervalMs"`
}

// StoreConfig selects the persistence backend. The sqlite driver stores
// everything in <storeDir>/messages.db; postgres uses the DSN.
type StoreConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default) or "postgres"
	PostgresDSN string `json:"postgresDsn"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	Protocol    string  `json:"protocol"` // "grpc" or "http"
	Insecure    bool    `json:"insecure"`
	SampleRatio float64 `json:"sampleRatio"`
	ServiceName string  `json:"serviceName"`
}

// TailscaleConfig serves the API on a tailnet via tsnet in addition to the
// local listener. No ports need exposing when enabled.
type TailscaleConfig struct {
	Enabled  bool   `json:"enabled"`
	Hostname string `json:"hostname"`
	AuthKey  string `json:"authKey"`
	StateDir string `json:"stateDir"`
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string { return c.resolveDir(c.Dirs.Data, "data") }

// StoreDir returns the expanded store directory.
func (c *Config) StoreDir() string { return c.resolveDir(c.Dirs.Store, "store") }

// GroupsDir returns the expanded groups directory.
func (c *Config) GroupsDir() string { return c.resolveDir(c.Dirs.Groups, "groups") }

func (c *Config) resolveDir(explicit, name string) string {
	if explicit != "" {
		return ExpandHome(explicit)
	}
	root := c.Dirs.Root
	if root == "" {
		root = "."
	}
	return filepath.Join(ExpandHome(root), name)
}

// SQLitePath returns the sqlite database file path.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.StoreDir(), "messages.db")
}

// IdleTimeout returns the container idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Container.IdleTimeoutSec) * time.Second
}

// StdinGrace returns the post-stdin-close grace period.
func (c *Config) StdinGrace() time.Duration {
	return time.Duration(c.Container.StdinGraceSec) * time.Second
}

// KillGrace returns the post-terminate grace period.
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Container.KillGraceSec) * time.Second
}

// PollInterval returns the IPC scan interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.IPC.PollIntervalMs) * time.Millisecond
}

// TickInterval returns the scheduler cadence.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalMs) * time.Millisecond
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Agent.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Agent.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Agent.Timezone, err)
	}
	return loc, nil
}

// Validate rejects configurations the host cannot start with.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.Agent.MainGroupFolder == "" {
		return fmt.Errorf("agent.mainGroupFolder must not be empty")
	}
	if c.Container.Image == "" {
		return fmt.Errorf("container.image must not be empty")
	}
	if c.Container.NamePrefix == "" {
		return fmt.Errorf("container.namePrefix must not be empty")
	}
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.driver postgres requires store.postgresDsn")
		}
	default:
		return fmt.Errorf("store.driver %q not supported", c.Store.Driver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
