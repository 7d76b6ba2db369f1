package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigNormalizes(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Normalize())
	assert.True(t, filepath.IsAbs(cfg.ProvidersPath))
	assert.Equal(t, 30*time.Second, cfg.CallTimeout.Std())
	assert.Equal(t, ":8080", cfg.ServerAddr)
}

func TestNormalizeRequiresProvidersPath(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Normalize())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", cfg.OllamaModel)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
ollama_model: mistral
server_addr: ":9090"
call_timeout: 10s
max_concurrent: 2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mistral", cfg.OllamaModel)
	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout.Std())
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, 512, cfg.AuditLimit, "unset fields keep their defaults")
}
