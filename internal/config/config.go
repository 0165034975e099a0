// Package config provides the configuration schema, loader, and file watcher
// for the voice bridge.
package config

import (
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/tools"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
)

// LogLevel controls log verbosity for the bridge.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the bridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	Tools     ToolsConfig     `yaml:"tools"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds network and logging settings for the bridge.
type ServerConfig struct {
	// ListenAddr is the TCP address the AudioSocket listener binds
	// (e.g. ":9092").
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the HTTP address serving /metrics, /healthz and
	// /readyz (e.g. ":9090"). Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// RedisConfig holds the connection settings for the shared call store.
type RedisConfig struct {
	// Addr is the Redis host:port (e.g. "localhost:6379").
	Addr string `yaml:"addr"`

	// Password authenticates against Redis. Empty means no auth.
	Password string `yaml:"password"`

	// DB selects the logical Redis database.
	DB int `yaml:"db"`
}

// ProvidersConfig holds the per-provider credentials and overrides. A
// provider with an empty APIKey is not registered; calls routed to it are
// rejected at the UUID frame. Ultravox authenticates its REST call-create
// endpoint with the same key.
type ProvidersConfig struct {
	OpenAI   ProviderEntry `yaml:"openai"`
	XAI      ProviderEntry `yaml:"xai"`
	Gemini   ProviderEntry `yaml:"gemini"`
	Ultravox ProviderEntry `yaml:"ultravox"`
}

// ProviderEntry is the common configuration block shared by all providers.
type ProviderEntry struct {
	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// Model overrides the provider's default realtime model.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Fallback names the provider to route calls to while this one's
	// breaker is open. Empty means calls fail fast instead.
	Fallback realtime.Name `yaml:"fallback"`
}

// Entry returns the block for the named provider.
func (p ProvidersConfig) Entry(name realtime.Name) (ProviderEntry, bool) {
	switch name {
	case realtime.ProviderOpenAI:
		return p.OpenAI, true
	case realtime.ProviderXAI:
		return p.XAI, true
	case realtime.ProviderGemini:
		return p.Gemini, true
	case realtime.ProviderUltravox:
		return p.Ultravox, true
	}
	return ProviderEntry{}, false
}

// ToolsConfig declares the user-defined webhook tools available to agents,
// in addition to the built-in set.
type ToolsConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one HTTP tool endpoint.
type WebhookConfig struct {
	// Name is the tool name the model calls (e.g. "check_inventory").
	Name string `yaml:"name"`

	// URL is the endpoint the tool arguments are POSTed to.
	URL string `yaml:"url"`

	// Headers are added to every request (typically an auth token).
	Headers map[string]string `yaml:"headers"`
}

// MCPConfig holds the list of Model Context Protocol servers to connect to.
type MCPConfig struct {
	Servers []tools.MCPServerConfig `yaml:"servers"`
}
