package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalYAML = `
llm:
  api_key: sk-or-test
memory:
  api_key: m0-test
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(minimalYAML), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Guardian.Mode != ModeActive {
		t.Errorf("mode = %q, want %q", cfg.Guardian.Mode, ModeActive)
	}
	if len(cfg.Guardian.EnabledModules) != 3 {
		t.Errorf("enabled_modules = %v, want all three", cfg.Guardian.EnabledModules)
	}
	if !cfg.Guardian.VoiceEnabled() {
		t.Error("voice announcements should default on")
	}
	if cfg.LLM.Model != "google/gemini-flash-1.5" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.LLM.MaxTokens != 1000 || cfg.LLM.Temperature != 0.7 {
		t.Errorf("llm = %+v, want max_tokens 1000 temperature 0.7", cfg.LLM)
	}
	if cfg.Guardian.TTSService != "tts.piper" {
		t.Errorf("tts_service = %q", cfg.Guardian.TTSService)
	}
	if cfg.Guardian.ConversationTTL() != 0 {
		t.Errorf("conversation TTL = %v, want 0 (unbounded)", cfg.Guardian.ConversationTTL())
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("MAGDALA_TEST_KEY", "secret123")
	path := writeConfig(t, "llm:\n  api_key: ${MAGDALA_TEST_KEY}\nmemory:\n  api_key: m\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LLM.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.LLM.APIKey, "secret123")
	}
}

func TestLoad_VoiceDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+"guardian:\n  voice_announcements: false\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Guardian.VoiceEnabled() {
		t.Error("voice_announcements: false should disable voice")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing llm key", "memory:\n  api_key: m\n", "llm.api_key"},
		{"missing memory key", "llm:\n  api_key: k\n", "memory.api_key"},
		{"bad mode", minimalYAML + "guardian:\n  mode: paranoid\n", "guardian.mode"},
		{"bad module", minimalYAML + "guardian:\n  enabled_modules: [security, plumbing]\n", "plumbing"},
		{"half quiet hours", minimalYAML + "guardian:\n  quiet_hours_start: \"22:00\"\n", "quiet_hours"},
		{"bad quiet hours", minimalYAML + "guardian:\n  quiet_hours_start: \"25:00\"\n  quiet_hours_end: \"06:00\"\n", "quiet_hours_start"},
		{"bad tts", minimalYAML + "guardian:\n  tts_service: piper\n", "tts_service"},
		{"half ha", minimalYAML + "homeassistant:\n  url: http://ha:8123\n", "homeassistant"},
		{"bad entity glob", minimalYAML + "homeassistant:\n  entities: [\"binary_sensor.[door\"]\n", "homeassistant.entities"},
		{"bad timezone", minimalYAML + "timezone: Mars/Olympus\n", "timezone"},
		{"bad log level", minimalYAML + "log_level: chatty\n", "log level"},
		{"bad log format", minimalYAML + "log_format: xml\n", "log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestQuietHours(t *testing.T) {
	g := GuardianConfig{QuietHoursStart: "22:00", QuietHoursEnd: "06:30"}
	start, end, ok, err := g.QuietHours()
	if err != nil || !ok {
		t.Fatalf("QuietHours() ok=%v err=%v", ok, err)
	}
	if start.Minutes() != 22*60 || end.Minutes() != 6*60+30 {
		t.Errorf("window = %s-%s", start, end)
	}

	if _, _, ok, _ := (GuardianConfig{}).QuietHours(); ok {
		t.Error("empty window should report ok=false")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q", a.Value.String())
	}
}
