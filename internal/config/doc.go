// Package config handles configuration loading for parley.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion, PARLEY_* environment overrides, and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	llm:
//	  openai:
//	    api_key: "${OPENAI_API_KEY}"
//
// # Environment Overrides
//
// A few settings can be overridden without touching the file:
//
//	PARLEY_DATABASE_PATH
//	PARLEY_BUS_WORKERS
//	PARLEY_LOG_LEVEL
//	PARLEY_LOG_FORMAT
//
// # Configuration Sections
//
// Database and bus:
//
//	database:
//	  path: "parley.db"
//	bus:
//	  workers: 4
//	  queue_size: 256
//
// Dialogue timing (Go time.ParseDuration syntax):
//
//	dialogue:
//	  pending_timeout: "30s"
//
// Providers. Each section selects one provider and must carry that
// provider's settings block:
//
//	llm:
//	  provider: "openai"   # openai, llama
//	  openai:
//	    api_key: "${OPENAI_API_KEY}"
//	    model: "gpt-3.5-turbo"
//	stt:
//	  provider: "whisper"  # vosk, whisper
//	  whisper:
//	    size_model: "base"
//	    device: "cpu"
//	tts:
//	  provider: "xtts"     # elevenlabs, xtts
//	  xtts:
//	    model: "v2"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
