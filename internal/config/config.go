package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"translation-dispatch/internal/domain/model"
	"translation-dispatch/internal/infra/logging"
)

// GeminiConnectionName is the reserved connection name for the built-in
// rotating-key Gemini provider. User-defined connections may not use it.
const GeminiConnectionName = "Google Gemini"

type RuntimeConfig struct {
	Dev bool
}

type AdminConfig struct {
	Port int `yaml:"port"`
}

type WorkerConfig struct {
	Threads int `yaml:"threads"`
	// APIRatio is the share of the pool allowed to run provider calls;
	// at least one thread is always reserved for other work.
	APIRatio float64 `yaml:"api_ratio"`
}

type CacheConfig struct {
	Path string `yaml:"path"`
}

type SchedulerConfig struct {
	MonitorIntervalMS int `yaml:"monitor_interval_ms"`
}

// Limits are optional ceilings; nil means the resource is untracked.
type Limits struct {
	RPM *int `yaml:"rpm"`
	RPD *int `yaml:"rpd"`
	TPM *int `yaml:"tpm"`
}

type ModelConfig struct {
	ModelID         string                `yaml:"model_id"`
	UseGlobalLimits *bool                 `yaml:"use_global_limits"`
	Limits          Limits                `yaml:"limits"`
	ParsingRules    *model.ParsingRules   `yaml:"parsing_rules"`
	Thinking        *model.ThinkingConfig `yaml:"thinking"`
}

// Connection is one user-configured OpenAI-compatible endpoint profile.
type Connection struct {
	Name           string            `yaml:"name"`
	Provider       string            `yaml:"provider"`
	APIKey         string            `yaml:"api_key"`
	BaseURL        string            `yaml:"base_url"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	// WaitForResponse selects sequential mode: at most one in-flight
	// request per connection. Defaults to true.
	WaitForResponse  *bool                  `yaml:"wait_for_response"`
	Limits           Limits                 `yaml:"limits"`
	Models           []ModelConfig          `yaml:"models"`
	GenerationParams model.GenerationParams `yaml:"generation_params"`
}

func (c Connection) Sequential() bool {
	return c.WaitForResponse == nil || *c.WaitForResponse
}

// GeminiConfig configures the built-in provider with N rotating keys.
type GeminiConfig struct {
	APIKeys  []string `yaml:"api_keys"`
	Model    string   `yaml:"model"`
	RPMLimit int      `yaml:"rpm_limit"`
	// KeyIndex is where the next round-robin scan starts. Written back
	// after every dispatch so rotation survives restarts.
	KeyIndex int `yaml:"key_index"`
	// DiscoveredRPM overrides RPMLimit per model with values learned at
	// runtime (capability probe or provider metadata).
	DiscoveredRPM    map[string]int         `yaml:"discovered_rpm_limits"`
	GenerationParams model.GenerationParams `yaml:"generation_params"`
}

type PromptConfig struct {
	System              string `yaml:"system"`
	User                string `yaml:"user"`
	Regen               string `yaml:"regen"`
	ContextInstructions string `yaml:"context_instructions"`
}

type Config struct {
	Log       logging.Config  `yaml:"log"`
	Admin     AdminConfig     `yaml:"admin"`
	Workers   WorkerConfig    `yaml:"workers"`
	Cache     CacheConfig     `yaml:"cache"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	SourceLanguage           string            `yaml:"source_language"`
	ActiveConnection         string            `yaml:"active_connection"`
	ActiveModelForConnection map[string]string `yaml:"active_model_for_connection"`

	Gemini      GeminiConfig `yaml:"gemini"`
	Connections []Connection `yaml:"connections"`
	Prompts     PromptConfig `yaml:"prompts"`

	Runtime RuntimeConfig `yaml:"-"`
}

const (
	defaultSystemPrompt = "You are a professional translator. Translate the given text from " +
		"{source_language_name} to {target_language_name}. Reply with the translation only, " +
		"no explanations.{context_instructions}"
	defaultUserPrompt = "Translate from {source_language_name} to {target_language_name}: {keyword}"
	defaultRegenPrompt = "The previous {target_language_name} translation of \"{keyword}\" was " +
		"\"{wrong_keyword}\" and it was rejected. Provide a different, better {target_language_name} " +
		"translation. Reply with the translation only."
	defaultContextInstructions = "\n\nUse the following context to resolve ambiguity, but do not translate it:\n{context_section}"
)

// Load reads and validates the YAML config.
func Load(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Admin.Port <= 0 {
		cfg.Admin.Port = 8080
	}
	if cfg.Workers.APIRatio <= 0 || cfg.Workers.APIRatio > 1 {
		cfg.Workers.APIRatio = 0.75
	}
	if cfg.Scheduler.MonitorIntervalMS <= 0 {
		cfg.Scheduler.MonitorIntervalMS = 1000
	}
	if cfg.Gemini.RPMLimit <= 0 {
		cfg.Gemini.RPMLimit = 15
	}
	if cfg.Gemini.Model == "" {
		cfg.Gemini.Model = "gemini-2.0-flash"
	}
	if cfg.Gemini.DiscoveredRPM == nil {
		cfg.Gemini.DiscoveredRPM = map[string]int{}
	}
	if cfg.ActiveModelForConnection == nil {
		cfg.ActiveModelForConnection = map[string]string{}
	}
	for i := range cfg.Connections {
		if cfg.Connections[i].TimeoutSeconds <= 0 {
			cfg.Connections[i].TimeoutSeconds = 600
		}
	}
	if cfg.Prompts.System == "" {
		cfg.Prompts.System = defaultSystemPrompt
	}
	if cfg.Prompts.User == "" {
		cfg.Prompts.User = defaultUserPrompt
	}
	if cfg.Prompts.Regen == "" {
		cfg.Prompts.Regen = defaultRegenPrompt
	}
	if cfg.Prompts.ContextInstructions == "" {
		cfg.Prompts.ContextInstructions = defaultContextInstructions
	}
}

func (cfg *Config) validate() error {
	if cfg.SourceLanguage == "" {
		return errors.New("source_language is required")
	}
	if cfg.ActiveConnection == "" {
		return errors.New("active_connection is required")
	}
	seen := map[string]bool{}
	for _, conn := range cfg.Connections {
		if conn.Name == "" {
			return errors.New("every connection needs a name")
		}
		if conn.Name == GeminiConnectionName {
			return fmt.Errorf("connection name %q is reserved", GeminiConnectionName)
		}
		if seen[conn.Name] {
			return fmt.Errorf("duplicate connection name %q", conn.Name)
		}
		seen[conn.Name] = true
		if conn.Provider == "" {
			return fmt.Errorf("connection %q: provider is required", conn.Name)
		}
	}
	return nil
}

// FindConnection returns the profile for a user-configured connection.
func (cfg *Config) FindConnection(name string) (Connection, bool) {
	for _, c := range cfg.Connections {
		if c.Name == name {
			return c, true
		}
	}
	return Connection{}, false
}

// ActiveModel resolves the model selected for a connection, falling
// back to the first configured model.
func (cfg *Config) ActiveModel(conn Connection) (ModelConfig, bool) {
	want := cfg.ActiveModelForConnection[conn.Name]
	for _, m := range conn.Models {
		if m.ModelID == want {
			return m, true
		}
	}
	if len(conn.Models) > 0 {
		return conn.Models[0], true
	}
	return ModelConfig{}, false
}

// EffectiveLimits picks the model-specific limits when the model opts
// out of the connection-wide ones.
func EffectiveLimits(conn Connection, mc ModelConfig) Limits {
	if mc.UseGlobalLimits != nil && !*mc.UseGlobalLimits {
		return mc.Limits
	}
	return conn.Limits
}
