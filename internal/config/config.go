// Package config handles Pantheon configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config) is checked first by FindConfig.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pantheon", "config.yaml"))
	}

	paths = append(paths, "/etc/pantheon/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Pantheon configuration.
type Config struct {
	DataDir      string `yaml:"data_dir"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // text or json
	LogFile      string `yaml:"log_file"`   // optional second sink
	DefaultModel string `yaml:"default_model"`
	DefaultAgent string `yaml:"default_agent"`

	Listen     ListenConfig     `yaml:"listen"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Memory     MemoryConfig     `yaml:"memory"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Loop       LoopConfig       `yaml:"loop"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Database   DatabaseConfig   `yaml:"database"`
	Registry   RegistryConfig   `yaml:"registry"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Agents     []AgentConfig    `yaml:"agents"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OllamaConfig points at the inference and embedding backend.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// MemoryConfig tunes the per-agent memory tiers.
type MemoryConfig struct {
	// FIFOTokenBudget caps the estimated size of the recent-conversation
	// buffer. Oldest messages are evicted first.
	FIFOTokenBudget int `yaml:"fifo_token_budget"`
	// CharsPerToken is the divisor of the token estimate. The estimate
	// is approximate and ignores multi-byte encodings.
	CharsPerToken        int `yaml:"chars_per_token"`
	ArchivalSearchLimit  int `yaml:"archival_search_limit"`
	ArchivalSummaryCount int `yaml:"archival_summary_count"`
	// HistoryRestore is how many logged messages are replayed into the
	// FIFO when an agent loads.
	HistoryRestore int `yaml:"history_restore"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	Dim     int    `yaml:"dim"`
}

// LoopConfig bounds the tool-call loop.
type LoopConfig struct {
	MaxRounds   int     `yaml:"max_rounds"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// SandboxConfig confines file, process, and network tools.
type SandboxConfig struct {
	// Enabled exposes file, command, code, and fetch tools to agents.
	// Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// Workspace is the root directory. No sandboxed path may resolve
	// outside it.
	Workspace         string   `yaml:"workspace"`
	AllowedCommands   []string `yaml:"allowed_commands"`
	CommandTimeoutSec int      `yaml:"command_timeout_sec"`
	CodeTimeoutSec    int      `yaml:"code_timeout_sec"`
	Interpreter       string   `yaml:"interpreter"`
	FetchMaxBytes     int64    `yaml:"fetch_max_bytes"`
	FetchMaxChars     int      `yaml:"fetch_max_chars"`
	FetchTimeoutSec   int      `yaml:"fetch_timeout_sec"`
}

// DatabaseConfig sizes the shared SQLite connection pool.
type DatabaseConfig struct {
	Path              string `yaml:"path"`
	PoolSize          int    `yaml:"pool_size"`
	AcquireTimeoutSec int    `yaml:"acquire_timeout_sec"`
}

// AcquireTimeout returns the pool checkout timeout as a duration.
func (d DatabaseConfig) AcquireTimeout() time.Duration {
	return time.Duration(d.AcquireTimeoutSec) * time.Second
}

// RegistryConfig controls agent routing.
type RegistryConfig struct {
	// AutoCreate lets Route instantiate an agent listed under agents:
	// the first time a message is addressed to it.
	AutoCreate *bool `yaml:"auto_create"`
}

// AutoCreateEnabled reports the effective auto-create setting (default true).
func (r RegistryConfig) AutoCreateEnabled() bool {
	return r.AutoCreate == nil || *r.AutoCreate
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AgentConfig declares an agent that can be created on demand.
type AgentConfig struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	Model       string `yaml:"model"`
	Description string `yaml:"description"`
	EnableTools bool   `yaml:"enable_tools"`
}

// DefaultAllowedCommands is the command allow-list used when none is configured.
var DefaultAllowedCommands = []string{"ls", "cat", "grep", "find", "wc", "head", "tail", "tree", "python3", "pytest"}

var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidAgentName reports whether name is usable as an agent identifier.
func ValidAgentName(name string) bool {
	return agentNamePattern.MatchString(name)
}

// Load reads configuration from a YAML file, expands environment
// variables, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = defaultAgents()
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and a
// single tool-enabled assistant agent.
func Default() *Config {
	cfg := &Config{Agents: defaultAgents()}
	cfg.ApplyDefaults()
	return cfg
}

func defaultAgents() []AgentConfig {
	return []AgentConfig{
		{
			Name:        "assistant",
			DisplayName: "Assistant",
			Description: "General purpose assistant",
			EnableTools: true,
		},
	}
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "llama3.1:8b"
	}
	if c.DefaultAgent == "" {
		c.DefaultAgent = "assistant"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}

	m := &c.Memory
	if m.FIFOTokenBudget <= 0 {
		m.FIFOTokenBudget = 2000
	}
	if m.CharsPerToken <= 0 {
		m.CharsPerToken = 4
	}
	if m.ArchivalSearchLimit <= 0 {
		m.ArchivalSearchLimit = 5
	}
	if m.ArchivalSummaryCount <= 0 {
		m.ArchivalSummaryCount = 3
	}
	if m.HistoryRestore <= 0 {
		m.HistoryRestore = 50
	}

	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "nomic-embed-text"
	}
	if c.Embeddings.Dim <= 0 {
		c.Embeddings.Dim = 768
	}

	if c.Loop.MaxRounds <= 0 {
		c.Loop.MaxRounds = 5
	}
	if c.Loop.MaxTokens <= 0 {
		c.Loop.MaxTokens = 2048
	}
	if c.Loop.Temperature == 0 {
		c.Loop.Temperature = 0.7
	}

	s := &c.Sandbox
	if s.Workspace == "" {
		s.Workspace = "./workspace"
	}
	if len(s.AllowedCommands) == 0 {
		s.AllowedCommands = append([]string(nil), DefaultAllowedCommands...)
	}
	if s.CommandTimeoutSec <= 0 {
		s.CommandTimeoutSec = 30
	}
	if s.CodeTimeoutSec <= 0 {
		s.CodeTimeoutSec = 30
	}
	if s.Interpreter == "" {
		s.Interpreter = "python3"
	}
	if s.FetchMaxBytes <= 0 {
		s.FetchMaxBytes = 1024 * 1024
	}
	if s.FetchMaxChars <= 0 {
		s.FetchMaxChars = 10000
	}
	if s.FetchTimeoutSec <= 0 {
		s.FetchTimeoutSec = 30
	}

	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "pantheon.db")
	}
	if c.Database.PoolSize <= 0 {
		c.Database.PoolSize = 8
	}
	if c.Database.AcquireTimeoutSec <= 0 {
		c.Database.AcquireTimeoutSec = 5
	}

	for i := range c.Agents {
		if c.Agents[i].Model == "" {
			c.Agents[i].Model = c.DefaultModel
		}
		if c.Agents[i].DisplayName == "" {
			c.Agents[i].DisplayName = c.Agents[i].Name
		}
	}
}

// Validate rejects configurations that cannot start: bad or duplicate
// agent names and a default agent that is not declared.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if !ValidAgentName(a.Name) {
			errs = append(errs, fmt.Errorf("agent name %q: must be alphanumeric with _ or -", a.Name))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("agent %q declared twice", a.Name))
		}
		seen[a.Name] = true
	}
	if len(c.Agents) > 0 && !seen[c.DefaultAgent] {
		errs = append(errs, fmt.Errorf("default_agent %q is not declared under agents", c.DefaultAgent))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q: expected text or json", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Agent returns the declared configuration for name.
func (c *Config) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}
