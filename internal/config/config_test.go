package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "data_dir: /tmp/pantheon-test\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.DefaultModel != "llama3.1:8b" {
		t.Errorf("DefaultModel = %q", cfg.DefaultModel)
	}
	if cfg.Loop.MaxRounds != 5 {
		t.Errorf("Loop.MaxRounds = %d, want 5", cfg.Loop.MaxRounds)
	}
	if cfg.Sandbox.FetchMaxBytes != 1024*1024 {
		t.Errorf("Sandbox.FetchMaxBytes = %d, want 1MiB", cfg.Sandbox.FetchMaxBytes)
	}
	if cfg.Database.Path != filepath.Join("/tmp/pantheon-test", "pantheon.db") {
		t.Errorf("Database.Path = %q, want it under data_dir", cfg.Database.Path)
	}
	if len(cfg.Sandbox.AllowedCommands) != len(DefaultAllowedCommands) {
		t.Errorf("AllowedCommands = %v", cfg.Sandbox.AllowedCommands)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Name != "assistant" {
		t.Errorf("Agents = %+v, want default assistant", cfg.Agents)
	}
	if cfg.Agents[0].Model != cfg.DefaultModel {
		t.Errorf("agent model = %q, want inherited %q", cfg.Agents[0].Model, cfg.DefaultModel)
	}
	if !cfg.Registry.AutoCreateEnabled() {
		t.Error("auto_create should default to true")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("PANTHEON_TEST_MODEL", "qwen3:4b")

	cfg, err := Load(writeConfig(t, "default_model: ${PANTHEON_TEST_MODEL}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DefaultModel != "qwen3:4b" {
		t.Errorf("default_model = %q, want %q", cfg.DefaultModel, "qwen3:4b")
	}
}

func TestLoad_AutoCreateFalse(t *testing.T) {
	cfg, err := Load(writeConfig(t, "registry:\n  auto_create: false\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Registry.AutoCreateEnabled() {
		t.Error("auto_create: false was ignored")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "bad agent name",
			body: "default_agent: bad name\nagents:\n  - name: bad name\n",
			want: "must be alphanumeric",
		},
		{
			name: "duplicate agent",
			body: "agents:\n  - name: assistant\n  - name: assistant\n",
			want: "declared twice",
		},
		{
			name: "missing default agent",
			body: "default_agent: zeus\nagents:\n  - name: hera\n",
			want: "default_agent \"zeus\"",
		},
		{
			name: "bad log level",
			body: "log_level: loud\n",
			want: "unknown log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestValidAgentName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"assistant", true},
		{"coder_2", true},
		{"web-researcher", true},
		{"", false},
		{"has space", false},
		{"../escape", false},
		{"emoji🙂", false},
	}
	for _, tt := range tests {
		if got := ValidAgentName(tt.name); got != tt.want {
			t.Errorf("ValidAgentName(%q) = %v, want %v", tt.name, got, tt.want)
		}
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
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("level rendered as %q, want TRACE", a.Value.String())
	}
}
