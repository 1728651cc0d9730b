// Package config handles agentbridge configuration loading and validation.
// Configuration is stored at ~/.agentbridge/agentbridge.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/highclaw/agentbridge/internal/infra"
)

// Config is the root configuration.
type Config struct {
	Server ServerConfig `yaml:"server" json:"server"`
	Agent  AgentConfig  `yaml:"agent" json:"agent"`
	Store  StoreConfig  `yaml:"store" json:"store"`
	Log    LogConfig    `yaml:"log" json:"log"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Port           int      `yaml:"port" json:"port"`
	Bind           string   `yaml:"bind" json:"bind"` // "loopback" | "all" | explicit host
	Mode           string   `yaml:"mode" json:"mode"` // gin mode: release | debug | test
	AllowedOrigins []string `yaml:"allowedOrigins" json:"allowedOrigins"`
	RateLimit      int      `yaml:"rateLimit" json:"rateLimit"` // control requests per client per minute; 0 disables
}

// AgentConfig describes the agent subprocess.
type AgentConfig struct {
	Binary        string   `yaml:"binary" json:"binary"`
	Args          []string `yaml:"args" json:"args"`
	WorkDir       string   `yaml:"workDir" json:"workDir"`
	HomeDir       string   `yaml:"homeDir" json:"homeDir"` // exported to the agent as CODEX_HOME
	ClientName    string   `yaml:"clientName" json:"clientName"`
	ClientVersion string   `yaml:"clientVersion" json:"clientVersion"`
	StopGrace     string   `yaml:"stopGrace" json:"stopGrace"` // e.g. "5s"
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Dir           string `yaml:"dir" json:"dir"`
	RetentionDays int    `yaml:"retentionDays" json:"retentionDays"`
}

// LogConfig configures file logging.
type LogConfig struct {
	Dir        string `yaml:"dir" json:"dir"`
	Level      string `yaml:"level" json:"level"`
	MaxAgeDays int    `yaml:"maxAgeDays" json:"maxAgeDays"`
	MaxSizeMB  int    `yaml:"maxSizeMB" json:"maxSizeMB"`
	Stderr     bool   `yaml:"stderr" json:"stderr"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	dir := ConfigDir()
	return &Config{
		Server: ServerConfig{
			Port:      18795,
			Bind:      "loopback",
			Mode:      "release",
			RateLimit: 120,
		},
		Agent: AgentConfig{
			Binary:     "codex",
			Args:       []string{"app-server"},
			ClientName: "agentbridge",
			StopGrace:  "5s",
		},
		Store: StoreConfig{
			Dir:           filepath.Join(dir, "state"),
			RetentionDays: 30,
		},
		Log: LogConfig{
			Dir:        filepath.Join(dir, "logs"),
			Level:      "info",
			MaxAgeDays: 7,
			MaxSizeMB:  50,
			Stderr:     true,
		},
	}
}

// ConfigDir returns the agentbridge config directory (~/.agentbridge).
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentbridge"
	}
	return filepath.Join(home, ".agentbridge")
}

// ConfigPath returns the config file path, honouring AGENTBRIDGE_CONFIG.
func ConfigPath() string {
	if p := os.Getenv("AGENTBRIDGE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "agentbridge.yaml")
}

// Load reads the config from disk. A missing file yields defaults. Env
// overrides are applied in both cases.
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads the config at path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the config to ConfigPath.
func Save(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnvOverrides merges environment variables into configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTBRIDGE_AGENT_BIN"); v != "" {
		cfg.Agent.Binary = v
	}
	if v := os.Getenv("AGENTBRIDGE_AGENT_HOME"); v != "" {
		cfg.Agent.HomeDir = v
	}
	if v := os.Getenv("AGENTBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AGENTBRIDGE_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if infra.IsTruthyEnv("AGENTBRIDGE_DEBUG") {
		cfg.Log.Level = "debug"
		cfg.Log.Stderr = true
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rateLimit %d must not be negative", c.Server.RateLimit)
	}
	switch c.Server.Mode {
	case "", "release", "debug", "test":
	default:
		return fmt.Errorf("server.mode %q must be release, debug or test", c.Server.Mode)
	}
	if strings.TrimSpace(c.Agent.Binary) == "" {
		return errors.New("agent.binary is required")
	}
	if c.Agent.StopGrace != "" {
		if _, err := time.ParseDuration(c.Agent.StopGrace); err != nil {
			return fmt.Errorf("agent.stopGrace: %w", err)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not a level", c.Log.Level)
	}
	return nil
}

// Host resolves the bind setting to a listen host.
func (s ServerConfig) Host() string {
	switch s.Bind {
	case "", "loopback":
		return "127.0.0.1"
	case "all":
		return "0.0.0.0"
	default:
		return s.Bind
	}
}

// Addr returns host:port for the listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host(), s.Port)
}

// StopGraceDuration parses StopGrace, defaulting to five seconds.
func (a AgentConfig) StopGraceDuration() time.Duration {
	d, err := time.ParseDuration(a.StopGrace)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
