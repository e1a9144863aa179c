package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func mustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MEMORY_FILE_PATH", "")
	t.Setenv("EVENT_SOURCING_ENABLED", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultMemoryFilePath, cfg.MemoryFilePath)
	assert.True(t, cfg.EventSourcingEnabled)
	assert.Equal(t, DefaultSnapshotEventThreshold, cfg.SnapshotEventThreshold)
}

func TestLoadSpecNamedEnvVars(t *testing.T) {
	t.Setenv("MEMORY_FILE_PATH", "/tmp/custom/memory.jsonl")
	t.Setenv("EVENT_SOURCING_ENABLED", "false")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom/memory.jsonl", cfg.MemoryFilePath)
	assert.False(t, cfg.EventSourcingEnabled)
}

func TestWriteDefaultProducesValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kg.yaml")
	require.NoError(t, WriteDefault(path))

	var raw yamlDefaults
	require.NoError(t, yaml.Unmarshal(mustReadFile(t, path), &raw))
	assert.Equal(t, DefaultMemoryFilePath, raw.MemoryFilePath)
	assert.True(t, raw.EventSourcingEnabled)
}
