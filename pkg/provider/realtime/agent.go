package realtime

import "fmt"

// VADConfig tunes the provider's server-side voice activity detection. Which
// fields a provider honours varies; adapters pick what their protocol
// supports and ignore the rest.
type VADConfig struct {
	// Semantic selects semantic turn detection instead of plain server VAD.
	// Only OpenAI supports it.
	Semantic bool `json:"semantic_vad,omitempty"`

	// Eagerness tunes semantic turn detection ("low", "medium", "high").
	Eagerness string `json:"eagerness,omitempty"`

	// Threshold is the activation threshold, 0.0–1.0.
	Threshold float64 `json:"threshold,omitempty"`

	// PrefixPaddingMs is audio included before the detected speech onset.
	PrefixPaddingMs int `json:"prefix_padding_ms,omitempty"`

	// SilenceDurationMs is the trailing silence that ends a turn.
	SilenceDurationMs int `json:"silence_duration_ms,omitempty"`
}

// ToolDefinition describes one tool offered to the model. The bridge's tool
// registry maps Name to an executable handler; the definition itself is only
// schema handed to the provider.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// AgentConfig is the read-only per-call configuration loaded from the KV
// store when the ingress handshake completes. The JSON tags match the
// document written by the platform's API under voiceai:call:{id}:agent.
type AgentConfig struct {
	// AgentID identifies the agent definition this call runs.
	AgentID string `json:"agent_id"`

	// Prompt is the system-level instruction text. Adapters pass it through
	// [Instructions] so language preambles apply where needed.
	Prompt string `json:"prompt"`

	// Provider selects the realtime vendor. Fixed for the call's lifetime.
	Provider Name `json:"provider"`

	// Model is the vendor model name; empty selects the adapter default.
	Model string `json:"model,omitempty"`

	// Voice is the vendor voice id.
	Voice string `json:"voice,omitempty"`

	// Language is the BCP-47-ish language code of the conversation. It
	// controls transcription hints and the preamble, not instruction wording.
	Language string `json:"language,omitempty"`

	// CustomerName, when known, lets the agent address the caller by name.
	CustomerName string `json:"customer_name,omitempty"`

	// Temperature is the model sampling temperature.
	Temperature float64 `json:"temperature,omitempty"`

	// VAD holds turn-detection tunables.
	VAD VADConfig `json:"vad"`

	// Greeting is the utterance the agent opens with. Empty means the agent
	// waits for the caller to speak first.
	Greeting string `json:"greeting,omitempty"`

	// Tools lists the tool definitions offered to the model.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxOutputTokens caps a single response; zero means provider default.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	// RecordCalls enables the recording sink for this call.
	RecordCalls bool `json:"record_calls"`
}

// Validate checks the fields the bridge cannot run without.
func (c *AgentConfig) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("realtime: agent config missing agent_id")
	}
	if !c.Provider.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.Provider)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("realtime: temperature %.2f out of range [0, 2]", c.Temperature)
	}
	return nil
}
