package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config describes how to launch one tool provider process. Instances are
// immutable after load; the registry hands out copies so callers can never
// mutate the shared definition.
type Config struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Workdir string            `yaml:"workdir,omitempty"`
}

// Validate checks the fields required to spawn the provider.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("provider name required")
	}
	if c.Command == "" {
		return fmt.Errorf("provider %s: command required", c.Name)
	}
	return nil
}

// Environ renders the env overrides as KEY=VALUE pairs appended to the
// parent environment, the form exec.Cmd expects.
func (c Config) Environ() []string {
	if len(c.Env) == 0 {
		return nil
	}
	env := os.Environ()
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// Registry is the read-only set of configured providers. It is safe to share
// across concurrent operations because nothing mutates it after construction.
type Registry struct {
	providers map[string]Config
	order     []string
}

// NewRegistry builds a registry from the supplied configs. Duplicate names
// are rejected because tool routing keys on the provider name.
func NewRegistry(configs []Config) (*Registry, error) {
	reg := &Registry{providers: make(map[string]Config, len(configs))}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, exists := reg.providers[cfg.Name]; exists {
			return nil, fmt.Errorf("provider %s declared twice", cfg.Name)
		}
		reg.providers[cfg.Name] = cfg
		reg.order = append(reg.order, cfg.Name)
	}
	return reg, nil
}

// Lookup returns the config for a provider name.
func (r *Registry) Lookup(name string) (Config, bool) {
	cfg, ok := r.providers[name]
	return cfg, ok
}

// Names returns provider names in declaration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Len reports the number of configured providers.
func (r *Registry) Len() int { return len(r.providers) }

type registryFile struct {
	Providers []Config `yaml:"providers"`
}

// LoadRegistry reads a providers YAML file and builds a registry from it.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return nil, fmt.Errorf("registry path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	return NewRegistry(file.Providers)
}

// SaveRegistry persists provider definitions for reuse across runs.
func SaveRegistry(path string, configs []Config) error {
	if path == "" {
		return fmt.Errorf("registry path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(registryFile{Providers: configs})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
