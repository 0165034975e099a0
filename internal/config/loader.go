package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/tools"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate when the corresponding field is empty.
const (
	DefaultListenAddr  = ":9092"
	DefaultMetricsAddr = ":9090"
	DefaultRedisAddr   = "localhost:6379"
)

// envPattern matches ${VAR} placeholders in the raw YAML. Expansion happens
// before decoding so secrets stay out of the file.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// placeholders, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = expandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces every ${VAR} with the value of VAR. Unset variables
// expand to the empty string, which Validate then flags where the field is
// required.
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults. It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = DefaultMetricsAddr
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Redis
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = DefaultRedisAddr
	}
	if cfg.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("redis.db %d is negative", cfg.Redis.DB))
	}

	// Providers
	configured := 0
	for _, name := range []realtime.Name{
		realtime.ProviderOpenAI,
		realtime.ProviderXAI,
		realtime.ProviderGemini,
		realtime.ProviderUltravox,
	} {
		entry, _ := cfg.Providers.Entry(name)
		if entry.APIKey != "" {
			configured++
		}
		if entry.Fallback != "" {
			if !entry.Fallback.IsValid() {
				errs = append(errs, fmt.Errorf("providers.%s.fallback %q is not a known provider", name, entry.Fallback))
				continue
			}
			if entry.Fallback == name {
				errs = append(errs, fmt.Errorf("providers.%s.fallback must name a different provider", name))
				continue
			}
			fbEntry, _ := cfg.Providers.Entry(entry.Fallback)
			if fbEntry.APIKey == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallback %q has no api_key configured", name, entry.Fallback))
			}
		}
	}
	if configured == 0 {
		errs = append(errs, errors.New("no provider has an api_key; the bridge cannot serve calls"))
	}

	// Webhook tools
	webhookNames := make(map[string]int, len(cfg.Tools.Webhooks))
	for i, wh := range cfg.Tools.Webhooks {
		prefix := fmt.Sprintf("tools.webhooks[%d]", i)
		if wh.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := webhookNames[wh.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.webhooks[%d]", prefix, wh.Name, prev))
			}
			webhookNames[wh.Name] = i
		}
		if wh.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required", prefix))
		}
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		switch srv.Transport {
		case tools.MCPTransportStdio:
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case tools.MCPTransportStreamableHTTP:
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
	}

	if cfg.Server.MetricsAddr == cfg.Server.ListenAddr {
		slog.Warn("metrics_addr equals listen_addr; the metrics listener will fail to bind",
			"addr", cfg.Server.ListenAddr)
	}

	return errors.Join(errs...)
}
