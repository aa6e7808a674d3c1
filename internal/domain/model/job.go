package model

import "time"

// Provider identifiers as they appear in connection profiles.
const (
	ProviderGemini           = "gemini"
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"
)

// GenerationParams are the sampling/thinking options forwarded to the
// provider verbatim. Zero values mean "use the provider default".
type GenerationParams struct {
	EnableModelThinking bool    `yaml:"enable_model_thinking"`
	ThinkingBudget      int     `yaml:"thinking_budget"`
	UseContentAsContext bool    `yaml:"use_content_as_context"`
	Temperature         float64 `yaml:"temperature"`
	TopP                float64 `yaml:"top_p"`
	MaxOutputTokens     int     `yaml:"max_output_tokens"`
	FrequencyPenalty    float64 `yaml:"frequency_penalty"`
	PresencePenalty     float64 `yaml:"presence_penalty"`
}

// ThinkingConfig tells an OpenAI-compatible endpoint how to switch
// model reasoning on or off. Mode is "unknown" until discovered.
type ThinkingConfig struct {
	Mode       string `yaml:"mode"`
	EnableCmd  string `yaml:"enable_cmd"`
	DisableCmd string `yaml:"disable_cmd"`
}

// ParsingRules delimit the thinking block inside a plain-text response
// for endpoints that inline reasoning between tags.
type ParsingRules struct {
	StartTag string `yaml:"start_tag"`
	EndTag   string `yaml:"end_tag"`
}

// JobData is one enqueued translation attempt: the item plus the
// connection and model configuration captured at enqueue time. The only
// field mutated after enqueue is APIKey, stamped by the rotating-key
// strategy at dispatch time.
type JobData struct {
	Item           TranslatableItem
	SourceLang     string
	TargetLang     string
	IsRegeneration bool

	ConnectionName   string
	Provider         string
	ModelName        string
	GenerationParams GenerationParams

	// Provider-specific optional fields.
	APIKey       string
	BaseURL      string
	Headers      map[string]string
	ParsingRules *ParsingRules
	Thinking     *ThinkingConfig
	Timeout      time.Duration
}
