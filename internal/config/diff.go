package config

import "github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; address changes
// still require a restart.
type ConfigDiff struct {
	LogLevelChanged  bool
	NewLogLevel      LogLevel
	ProvidersChanged bool
	ProviderChanges  []ProviderDiff
	WebhooksChanged  bool
}

// ProviderDiff describes what changed for a single provider between two
// configs.
type ProviderDiff struct {
	Name               realtime.Name
	CredentialsChanged bool // api_key or base_url
	ModelChanged       bool
	FallbackChanged    bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; in-flight
// calls keep their session regardless.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	for _, name := range []realtime.Name{
		realtime.ProviderOpenAI,
		realtime.ProviderXAI,
		realtime.ProviderGemini,
		realtime.ProviderUltravox,
	} {
		oldEntry, _ := old.Providers.Entry(name)
		newEntry, _ := new.Providers.Entry(name)
		pd := ProviderDiff{Name: name}
		if oldEntry.APIKey != newEntry.APIKey || oldEntry.BaseURL != newEntry.BaseURL {
			pd.CredentialsChanged = true
		}
		if oldEntry.Model != newEntry.Model {
			pd.ModelChanged = true
		}
		if oldEntry.Fallback != newEntry.Fallback {
			pd.FallbackChanged = true
		}
		if pd.CredentialsChanged || pd.ModelChanged || pd.FallbackChanged {
			d.ProviderChanges = append(d.ProviderChanges, pd)
			d.ProvidersChanged = true
		}
	}

	if len(old.Tools.Webhooks) != len(new.Tools.Webhooks) {
		d.WebhooksChanged = true
	} else {
		for i := range old.Tools.Webhooks {
			if !webhookEqual(old.Tools.Webhooks[i], new.Tools.Webhooks[i]) {
				d.WebhooksChanged = true
				break
			}
		}
	}

	return d
}

func webhookEqual(a, b WebhookConfig) bool {
	if a.Name != b.Name || a.URL != b.URL || len(a.Headers) != len(b.Headers) {
		return false
	}
	for k, v := range a.Headers {
		if b.Headers[k] != v {
			return false
		}
	}
	return true
}
