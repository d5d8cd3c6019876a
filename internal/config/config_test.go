// ABOUTME: Tests for configuration loading
// ABOUTME: Covers defaults, env expansion, overrides and provider validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/parley-test.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Bus.Workers != DefaultBusWorkers {
		t.Errorf("bus.workers = %d, want %d", cfg.Bus.Workers, DefaultBusWorkers)
	}
	if cfg.Bus.QueueSize != DefaultBusQueueSize {
		t.Errorf("bus.queue_size = %d, want %d", cfg.Bus.QueueSize, DefaultBusQueueSize)
	}
	if cfg.Dialogue.PendingTimeout != DefaultPendingTimeout {
		t.Errorf("dialogue.pending_timeout = %v, want %v", cfg.Dialogue.PendingTimeout, DefaultPendingTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging.level = %q, want %q", cfg.Logging.Level, "info")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoad_PendingTimeout(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "test.db"
dialogue:
  pending_timeout: "45s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Dialogue.PendingTimeout != 45*time.Second {
		t.Errorf("pending_timeout = %v, want 45s", cfg.Dialogue.PendingTimeout)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "test.db"
dialogue:
  pending_timeout: "soon"
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("PARLEY_TEST_DB_PATH", "/data/parley.db")

	path := writeConfig(t, `
database:
  path: "${PARLEY_TEST_DB_PATH}"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/data/parley.db" {
		t.Errorf("database.path = %q, want expanded env value", cfg.Database.Path)
	}
}

func TestLoad_EnvExpansion_UnsetVariable(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "${PARLEY_DEFINITELY_UNSET_VAR}"
`)
	// Unset variables expand to empty, failing the required-path check
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for empty database path")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PARLEY_DATABASE_PATH", "/override/parley.db")
	t.Setenv("PARLEY_LOG_LEVEL", "debug")

	path := writeConfig(t, `
database:
  path: "from-file.db"
logging:
  level: "info"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/override/parley.db" {
		t.Errorf("database.path = %q, want env override", cfg.Database.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want env override", cfg.Logging.Level)
	}
}

func TestLoad_ProviderSections(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "test.db"
llm:
  provider: "openai"
  openai:
    api_key: "sk-test"
stt:
  provider: "whisper"
  whisper:
    size_model: "base"
    device: "cpu"
tts:
  provider: "xtts"
  xtts:
    model: "v2"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LLM.OpenAI.Model != "gpt-3.5-turbo" {
		t.Errorf("llm.openai.model = %q, want default", cfg.LLM.OpenAI.Model)
	}
	if cfg.STT.Whisper.SizeModel != "base" {
		t.Errorf("stt.whisper.size_model = %q", cfg.STT.Whisper.SizeModel)
	}
}

// Each selected provider must carry its own settings block. The check is
// per provider: a vosk selection must never pass because some other
// section happens to be populated.
func TestValidate_ProviderConfigRequired(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"openai selected without settings", `
database:
  path: "test.db"
llm:
  provider: "openai"
`},
		{"llama selected without settings", `
database:
  path: "test.db"
llm:
  provider: "llama"
  openai:
    api_key: "sk-test"
`},
		{"vosk selected without settings", `
database:
  path: "test.db"
stt:
  provider: "vosk"
  whisper:
    size_model: "base"
`},
		{"whisper selected without settings", `
database:
  path: "test.db"
stt:
  provider: "whisper"
`},
		{"elevenlabs selected without settings", `
database:
  path: "test.db"
tts:
  provider: "elevenlabs"
`},
		{"xtts selected without settings", `
database:
  path: "test.db"
tts:
  provider: "xtts"
  elevenlabs:
    api_key: "el-test"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Error("expected provider validation error")
			}
		})
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "test.db"
llm:
  provider: "bard"
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestValidate_TemperatureRange(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "test.db"
llm:
  provider: "openai"
  openai:
    api_key: "sk-test"
    temperature: 3.5
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for out-of-range temperature")
	}
}

func TestValidate_BusSizing(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "test.db"
bus:
  workers: -1
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for negative worker count")
	}
}
