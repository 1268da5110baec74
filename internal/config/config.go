// Package config loads daemon configuration from a JSON5 file with CODECK_*
// environment overrides layered on top (env wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Config is the full daemon configuration.
type Config struct {
	// Workspace is the directory the `.codeck/` state tree lives under.
	Workspace string `json:"workspace"`

	Gateway   GatewayConfig   `json:"gateway"`
	Auth      AuthConfig      `json:"auth"`
	Console   ConsoleConfig   `json:"console"`
	Agents    AgentsConfig    `json:"agents"`
	Index     IndexConfig     `json:"index"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// GatewayConfig covers the HTTP/WS front-end and the edge proxy mode.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// MDNSDomain extends the WS origin whitelist with *.<domain>.
	MDNSDomain string `json:"mdns_domain"`

	// TrustProxyHeaders enables X-Forwarded-For source-IP derivation.
	// Only turn on behind a proxy that strips client-supplied values.
	TrustProxyHeaders bool `json:"trust_proxy_headers"`

	// InternalSecret authenticates the trusted gateway daemon on the
	// internal PTY channel (`_internal` query parameter).
	InternalSecret string `json:"internal_secret"`

	// RuntimeURL is the runtime daemon base URL in gateway-proxy mode.
	RuntimeURL string `json:"runtime_url"`

	// RateLimitPerMinute bounds client WS messages. 0 uses the default.
	RateLimitPerMinute int `json:"rate_limit_per_minute"`
}

// AuthConfig covers operator auth and the upstream OAuth flow.
type AuthConfig struct {
	SessionTTLHours int `json:"session_ttl_hours"`

	// EncryptionKey overrides the persisted master key when set.
	EncryptionKey string `json:"-"`

	// Upstream OAuth endpoints and client id; defaults target the
	// hosted model provider used by the agent CLI.
	AuthorizeURL string `json:"authorize_url"`
	TokenURL     string `json:"token_url"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri"`

	// CredentialDir mirrors the agent CLI's own config dir; the encrypted
	// credential store lives here. Defaults to ~/.claude.
	CredentialDir string `json:"credential_dir"`
}

// ConsoleConfig covers PTY session management.
type ConsoleConfig struct {
	MaxSessions int `json:"max_sessions"`

	// AgentBinary is the coding-assistant CLI spawned for agent sessions.
	AgentBinary string `json:"agent_binary"`
	Shell       string `json:"shell"`
}

// AgentsConfig covers the proactive-agent scheduler.
type AgentsConfig struct {
	MaxAgents int `json:"max_agents"`

	// KillGraceSeconds is the SIGTERM→SIGKILL escalation grace,
	// clamped to [5,60].
	KillGraceSeconds int `json:"kill_grace_seconds"`
}

// IndexConfig covers the searchable memory index.
type IndexConfig struct {
	// EmbeddingAPIKey enables the vector side of the index when set.
	EmbeddingAPIKey   string `json:"-"`
	EmbeddingEndpoint string `json:"embedding_endpoint"`
	EmbeddingModel    string `json:"embedding_model"`
	EmbeddingDim      int    `json:"embedding_dim"`
}

// TelemetryConfig mirrors the OTLP exporter wiring.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Protocol    string `json:"protocol"` // "http" or "grpc"
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Workspace: "~/codeck",
		Gateway: GatewayConfig{
			Host:               "0.0.0.0",
			Port:               18900,
			MDNSDomain:         "local",
			RateLimitPerMinute: 300,
		},
		Auth: AuthConfig{
			SessionTTLHours: 7 * 24,
			AuthorizeURL:    "https://claude.ai/oauth/authorize",
			TokenURL:        "https://console.anthropic.com/v1/oauth/token",
			ClientID:        "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
			RedirectURI:     "https://console.anthropic.com/oauth/code/callback",
			CredentialDir:   "~/.claude",
		},
		Console: ConsoleConfig{
			MaxSessions: 5,
			AgentBinary: "claude",
			Shell:       "/bin/bash",
		},
		Agents: AgentsConfig{
			MaxAgents:        10,
			KillGraceSeconds: 10,
		},
		Index: IndexConfig{
			EmbeddingModel: "text-embedding-3-small",
			EmbeddingDim:   1536,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "codeck",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults + env apply.
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

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("CODECK_WORKSPACE", &c.Workspace)
	envStr("CODECK_HOST", &c.Gateway.Host)
	envInt("CODECK_PORT", &c.Gateway.Port)
	envStr("CODECK_MDNS_DOMAIN", &c.Gateway.MDNSDomain)
	envStr("CODECK_INTERNAL_SECRET", &c.Gateway.InternalSecret)
	envStr("CODECK_RUNTIME_URL", &c.Gateway.RuntimeURL)
	if v := os.Getenv("CODECK_TRUST_PROXY"); v != "" {
		c.Gateway.TrustProxyHeaders = v == "true" || v == "1"
	}

	envInt("CODECK_SESSION_TTL_HOURS", &c.Auth.SessionTTLHours)
	envStr("CODECK_ENCRYPTION_KEY", &c.Auth.EncryptionKey)
	envStr("CODECK_CREDENTIAL_DIR", &c.Auth.CredentialDir)

	envInt("CODECK_MAX_SESSIONS", &c.Console.MaxSessions)
	envStr("CODECK_AGENT_BINARY", &c.Console.AgentBinary)

	envInt("CODECK_MAX_AGENTS", &c.Agents.MaxAgents)
	envInt("CODECK_KILL_GRACE_SECONDS", &c.Agents.KillGraceSeconds)

	envStr("CODECK_EMBEDDING_API_KEY", &c.Index.EmbeddingAPIKey)
	envStr("CODECK_EMBEDDING_ENDPOINT", &c.Index.EmbeddingEndpoint)

	envStr("CODECK_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CODECK_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CODECK_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CODECK_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CODECK_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// MaskedCopy returns a copy safe to serve over the API: secrets are
// replaced with a marker, never echoed.
func (c *Config) MaskedCopy() *Config {
	masked := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	masked.Gateway.InternalSecret = mask(c.Gateway.InternalSecret)
	masked.Auth.EncryptionKey = mask(c.Auth.EncryptionKey)
	masked.Index.EmbeddingAPIKey = mask(c.Index.EmbeddingAPIKey)
	return &masked
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string { return ExpandHome(c.Workspace) }

// StateDir returns the `.codeck/` state root under the workspace.
func (c *Config) StateDir() string {
	return filepath.Join(c.WorkspacePath(), ".codeck")
}

// CredentialDirPath returns the expanded agent-CLI credential dir.
func (c *Config) CredentialDirPath() string { return ExpandHome(c.Auth.CredentialDir) }

// SessionTTL returns the auth session TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Auth.SessionTTLHours) * time.Hour
}

// KillGrace returns the SIGTERM→SIGKILL grace, clamped to [5s,60s].
func (c *Config) KillGrace() time.Duration {
	sec := c.Agents.KillGraceSeconds
	if sec < 5 {
		sec = 5
	}
	if sec > 60 {
		sec = 60
	}
	return time.Duration(sec) * time.Second
}

// ExpandHome replaces a leading ~ with the user home directory.
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
