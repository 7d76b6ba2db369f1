package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nebucaz/spendcast-agent/provider"
)

// Duration wraps time.Duration so YAML files can use the "30s" notation.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config captures every knob shared across the chat, server, and tooling
// entry points. Keeping it as a lightweight struct makes it trivial to reuse
// in tests or future headless workflows.
type Config struct {
	ProvidersPath   string   `yaml:"providers_path"`
	TranscriptPath  string   `yaml:"transcript_path"`
	OllamaEndpoint  string   `yaml:"ollama_endpoint"`
	OllamaModel     string   `yaml:"ollama_model"`
	ServerAddr      string   `yaml:"server_addr"`
	CallTimeout     Duration `yaml:"call_timeout"`
	MaxConcurrent   int      `yaml:"max_concurrent"`
	GracePeriod     Duration `yaml:"grace_period"`
	ApprovalTimeout Duration `yaml:"approval_timeout"`
	AuditLimit      int      `yaml:"audit_limit"`
	Debug           bool     `yaml:"debug"`
}

// DefaultConfig infers sensible defaults based on the current working
// directory. Errors from os.Getwd are ignored so callers can override
// manually.
func DefaultConfig() Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return Config{
		ProvidersPath:   filepath.Join(cwd, "providers.yaml"),
		TranscriptPath:  filepath.Join(cwd, ".spendcast", "transcripts.db"),
		OllamaEndpoint:  "http://localhost:11434",
		OllamaModel:     "llama3.2",
		ServerAddr:      ":8080",
		CallTimeout:     Duration(30 * time.Second),
		MaxConcurrent:   8,
		GracePeriod:     Duration(2 * time.Second),
		ApprovalTimeout: Duration(5 * time.Minute),
		AuditLimit:      512,
	}
}

// Normalize ensures every filesystem path is absolute and fills missing
// defaults so startup never has to re-check the same invariants.
func (c *Config) Normalize() error {
	if c.ProvidersPath == "" {
		return fmt.Errorf("providers path required")
	}
	absProviders, err := filepath.Abs(c.ProvidersPath)
	if err != nil {
		return fmt.Errorf("resolve providers path: %w", err)
	}
	c.ProvidersPath = absProviders
	if c.TranscriptPath != "" && !filepath.IsAbs(c.TranscriptPath) {
		abs, err := filepath.Abs(c.TranscriptPath)
		if err != nil {
			return fmt.Errorf("resolve transcript path: %w", err)
		}
		c.TranscriptPath = abs
	}
	if c.OllamaEndpoint == "" {
		c.OllamaEndpoint = "http://localhost:11434"
	}
	if c.OllamaModel == "" {
		c.OllamaModel = "llama3.2"
	}
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = Duration(30 * time.Second)
	}
	if c.MaxConcurrent < 0 {
		c.MaxConcurrent = 0
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = Duration(2 * time.Second)
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = Duration(5 * time.Minute)
	}
	if c.AuditLimit <= 0 {
		c.AuditLimit = 256
	}
	return nil
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadProviders reads the provider registry named by the config.
func (c Config) LoadProviders() (*provider.Registry, error) {
	return provider.LoadRegistry(c.ProvidersPath)
}
