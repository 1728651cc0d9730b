package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("AGENTBRIDGE_AGENT_BIN", "")
	t.Setenv("AGENTBRIDGE_PORT", "")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 18795 || cfg.Agent.Binary != "codex" || cfg.Server.Addr() != "127.0.0.1:18795" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadYAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentbridge.yaml")
	data := `
server:
  port: 9000
  bind: all
  allowedOrigins:
    - http://localhost:5173
agent:
  binary: /opt/agent
  args: [serve, --stdio]
  stopGrace: 2s
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENTBRIDGE_PORT", "9100")
	t.Setenv("AGENTBRIDGE_AGENT_HOME", "/tmp/agent-home")
	t.Setenv("AGENTBRIDGE_AGENT_BIN", "")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d; env override not applied", cfg.Server.Port)
	}
	if cfg.Server.Host() != "0.0.0.0" {
		t.Errorf("host = %s", cfg.Server.Host())
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:5173" {
		t.Errorf("origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Agent.Binary != "/opt/agent" || strings.Join(cfg.Agent.Args, " ") != "serve --stdio" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Agent.HomeDir != "/tmp/agent-home" {
		t.Errorf("home = %q", cfg.Agent.HomeDir)
	}
	if cfg.Agent.StopGraceDuration() != 2*time.Second {
		t.Errorf("grace = %v", cfg.Agent.StopGraceDuration())
	}
	// Unset sections keep their defaults.
	if cfg.Log.MaxSizeMB != 50 || cfg.Log.Level != "debug" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestDebugEnvForcesVerboseLogging(t *testing.T) {
	t.Setenv("AGENTBRIDGE_DEBUG", "1")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Stderr {
		t.Fatalf("log = %+v", cfg.Log)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"mode", func(c *Config) { c.Server.Mode = "prod" }, "server.mode"},
		{"rate", func(c *Config) { c.Server.RateLimit = -1 }, "server.rateLimit"},
		{"binary", func(c *Config) { c.Agent.Binary = " " }, "agent.binary"},
		{"grace", func(c *Config) { c.Agent.StopGrace = "soon" }, "agent.stopGrace"},
		{"level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v; want mention of %s", err, tc.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "agentbridge.yaml")
	t.Setenv("AGENTBRIDGE_CONFIG", path)
	t.Setenv("AGENTBRIDGE_PORT", "")
	cfg := Default()
	cfg.Server.Port = 12345
	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Server.Port != 12345 {
		t.Fatalf("port = %d", got.Server.Port)
	}
}
