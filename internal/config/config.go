// ABOUTME: Configuration loading and parsing for parley
// ABOUTME: YAML with environment variable expansion, env overrides and provider validation

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Defaults applied before the file is parsed.
const (
	DefaultDatabasePath   = "parley.db"
	DefaultBusWorkers     = 4
	DefaultBusQueueSize   = 256
	DefaultPendingTimeout = 30 * time.Second
)

// Config represents the complete parley configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Bus      BusConfig      `yaml:"bus"`
	Dialogue DialogueConfig `yaml:"dialogue"`
	Logging  LoggingConfig  `yaml:"logging"`
	LLM      LLMConfig      `yaml:"llm"`
	STT      STTConfig      `yaml:"stt"`
	TTS      TTSConfig      `yaml:"tts"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BusConfig holds event bus sizing
type BusConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// DialogueConfig holds coordinator timing configuration
type DialogueConfig struct {
	PendingTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	PendingTimeoutRaw string `yaml:"pending_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LLMConfig selects and configures the language model provider
type LLMConfig struct {
	Provider string          `yaml:"provider"`
	OpenAI   *OpenAISettings `yaml:"openai"`
	Llama    *LlamaSettings  `yaml:"llama"`
}

// OpenAISettings holds OpenAI provider configuration
type OpenAISettings struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// LlamaSettings holds local llama provider configuration
type LlamaSettings struct {
	PathToModel string `yaml:"path_to_model"`
	MaxTokens   int    `yaml:"max_tokens"`
}

// STTConfig selects and configures the speech-to-text provider
type STTConfig struct {
	Provider string           `yaml:"provider"`
	Vosk     *VoskSettings    `yaml:"vosk"`
	Whisper  *WhisperSettings `yaml:"whisper"`
}

// VoskSettings holds vosk provider configuration
type VoskSettings struct {
	PathToModel string `yaml:"path_to_model"`
	SampleRate  int    `yaml:"sample_rate"`
	DType       string `yaml:"dtype"`
	Channels    int    `yaml:"channels"`
}

// WhisperSettings holds whisper provider configuration
type WhisperSettings struct {
	SizeModel       string  `yaml:"size_model"`
	Device          string  `yaml:"device"`
	ComputeType     string  `yaml:"compute_type"`
	EnergyThreshold float64 `yaml:"energy_threshold"`
	MinDuration     float64 `yaml:"min_duration"`
	ChunkDuration   float64 `yaml:"chunk_duration"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
}

// TTSConfig selects and configures the text-to-speech provider
type TTSConfig struct {
	Provider   string              `yaml:"provider"`
	Elevenlabs *ElevenlabsSettings `yaml:"elevenlabs"`
	XTTS       *XTTSSettings       `yaml:"xtts"`
}

// ElevenlabsSettings holds elevenlabs provider configuration
type ElevenlabsSettings struct {
	APIKey string `yaml:"api_key"`
}

// XTTSSettings holds xtts provider configuration
type XTTSSettings struct {
	Model            string  `yaml:"model"`
	VocoderPath      string  `yaml:"vocoder_path"`
	OutputSampleRate int     `yaml:"output_sample_rate"`
	MinWordDuration  float64 `yaml:"min_word_duration"`
	WordGap          float64 `yaml:"word_gap"`
	SampleRate       int     `yaml:"sample_rate"`
}

// envOverrides are applied on top of the file, PARLEY_* variables.
type envOverrides struct {
	DatabasePath string `envconfig:"DATABASE_PATH"`
	BusWorkers   int    `envconfig:"BUS_WORKERS"`
	LogLevel     string `envconfig:"LOG_LEVEL"`
	LogFormat    string `envconfig:"LOG_FORMAT"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded,
// PARLEY_* variables override file values, and duration strings are parsed
// into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := defaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		Bus: BusConfig{
			Workers:   DefaultBusWorkers,
			QueueSize: DefaultBusQueueSize,
		},
		Dialogue: DialogueConfig{PendingTimeout: DefaultPendingTimeout},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("parley", &env); err != nil {
		return err
	}

	if env.DatabasePath != "" {
		cfg.Database.Path = env.DatabasePath
	}
	if env.BusWorkers > 0 {
		cfg.Bus.Workers = env.BusWorkers
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		cfg.Logging.Format = env.LogFormat
	}
	return nil
}

func parseDurations(cfg *Config) error {
	if cfg.Dialogue.PendingTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Dialogue.PendingTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing pending_timeout %q: %w", cfg.Dialogue.PendingTimeoutRaw, err)
		}
		cfg.Dialogue.PendingTimeout = d
	}
	return nil
}

// Validate checks that all required configuration fields are present and
// valid. Each provider section is checked against its own name, so a
// selected provider always has its settings block.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Bus.Workers <= 0 {
		return fmt.Errorf("bus.workers must be positive")
	}
	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("bus.queue_size must be positive")
	}

	if err := c.LLM.validate(); err != nil {
		return err
	}
	if err := c.STT.validate(); err != nil {
		return err
	}
	if err := c.TTS.validate(); err != nil {
		return err
	}
	return nil
}

// requireProvider fails when the named provider is selected but its
// settings block is missing.
func requireProvider(section, selected, name string, present bool) error {
	if selected == name && !present {
		return fmt.Errorf("%s.%s configuration required when provider is %q", section, name, name)
	}
	return nil
}

func (c *LLMConfig) validate() error {
	if c.Provider == "" {
		return nil
	}
	switch c.Provider {
	case "openai", "llama":
	default:
		return fmt.Errorf("llm.provider must be \"openai\" or \"llama\", got %q", c.Provider)
	}

	if err := requireProvider("llm", c.Provider, "openai", c.OpenAI != nil); err != nil {
		return err
	}
	if err := requireProvider("llm", c.Provider, "llama", c.Llama != nil); err != nil {
		return err
	}

	if c.OpenAI != nil {
		if c.OpenAI.Model == "" {
			c.OpenAI.Model = "gpt-3.5-turbo"
		}
		if c.OpenAI.Temperature < 0 || c.OpenAI.Temperature > 2 {
			return fmt.Errorf("llm.openai.temperature must be between 0 and 2, got %v", c.OpenAI.Temperature)
		}
	}
	if c.Llama != nil {
		if c.Llama.PathToModel == "" {
			return fmt.Errorf("llm.llama.path_to_model is required")
		}
		if c.Llama.MaxTokens == 0 {
			c.Llama.MaxTokens = 2048
		}
		if c.Llama.MaxTokens < 0 {
			return fmt.Errorf("llm.llama.max_tokens must be positive")
		}
	}
	return nil
}

func (c *STTConfig) validate() error {
	if c.Provider == "" {
		return nil
	}
	switch c.Provider {
	case "vosk", "whisper":
	default:
		return fmt.Errorf("stt.provider must be \"vosk\" or \"whisper\", got %q", c.Provider)
	}

	if err := requireProvider("stt", c.Provider, "vosk", c.Vosk != nil); err != nil {
		return err
	}
	if err := requireProvider("stt", c.Provider, "whisper", c.Whisper != nil); err != nil {
		return err
	}

	if c.Vosk != nil && c.Vosk.PathToModel == "" {
		return fmt.Errorf("stt.vosk.path_to_model is required")
	}
	return nil
}

func (c *TTSConfig) validate() error {
	if c.Provider == "" {
		return nil
	}
	switch c.Provider {
	case "elevenlabs", "xtts":
	default:
		return fmt.Errorf("tts.provider must be \"elevenlabs\" or \"xtts\", got %q", c.Provider)
	}

	if err := requireProvider("tts", c.Provider, "elevenlabs", c.Elevenlabs != nil); err != nil {
		return err
	}
	if err := requireProvider("tts", c.Provider, "xtts", c.XTTS != nil); err != nil {
		return err
	}
	return nil
}
