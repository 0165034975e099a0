package config_test

import (
	"testing"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/config"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			OpenAI: config.ProviderEntry{APIKey: "k", Model: "gpt-4o-realtime-preview"},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.ProvidersChanged || d.WebhooksChanged {
		t.Errorf("diff of identical configs = %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()

	oldCfg := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	newCfg := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(oldCfg, newCfg)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged = false")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q", d.NewLogLevel)
	}
}

func TestDiff_ProviderChanges(t *testing.T) {
	t.Parallel()

	oldCfg := &config.Config{
		Providers: config.ProvidersConfig{
			OpenAI: config.ProviderEntry{APIKey: "k1", Model: "gpt-4o-realtime-preview"},
			Gemini: config.ProviderEntry{APIKey: "g"},
		},
	}
	newCfg := &config.Config{
		Providers: config.ProvidersConfig{
			OpenAI: config.ProviderEntry{APIKey: "k2", Model: "gpt-4o-realtime-preview", Fallback: realtime.ProviderGemini},
			Gemini: config.ProviderEntry{APIKey: "g"},
		},
	}

	d := config.Diff(oldCfg, newCfg)
	if !d.ProvidersChanged {
		t.Fatal("ProvidersChanged = false")
	}
	if len(d.ProviderChanges) != 1 {
		t.Fatalf("changes = %+v", d.ProviderChanges)
	}
	pd := d.ProviderChanges[0]
	if pd.Name != realtime.ProviderOpenAI {
		t.Errorf("name = %q", pd.Name)
	}
	if !pd.CredentialsChanged || !pd.FallbackChanged || pd.ModelChanged {
		t.Errorf("diff = %+v", pd)
	}
}

func TestDiff_WebhooksChanged(t *testing.T) {
	t.Parallel()

	oldCfg := &config.Config{
		Tools: config.ToolsConfig{Webhooks: []config.WebhookConfig{
			{Name: "check_stock", URL: "https://a.example.com"},
		}},
	}
	newCfg := &config.Config{
		Tools: config.ToolsConfig{Webhooks: []config.WebhookConfig{
			{Name: "check_stock", URL: "https://b.example.com"},
		}},
	}

	if d := config.Diff(oldCfg, newCfg); !d.WebhooksChanged {
		t.Error("WebhooksChanged = false")
	}
	if d := config.Diff(oldCfg, oldCfg); d.WebhooksChanged {
		t.Error("WebhooksChanged = true for identical webhooks")
	}
}
