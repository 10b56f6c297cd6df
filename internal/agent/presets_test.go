package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPresetsDefault(t *testing.T) {
	presets, err := LoadPresets("")
	require.NoError(t, err)
	require.Len(t, presets, 1)
	assert.Equal(t, "default", presets[0].ID)
}

func TestLoadPresetsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - id: researcher
    description: Gathers information
    model: large
    system_prompt: You research things.
  - id: worker
    model: small
`), 0o644))

	presets, err := LoadPresets(path)
	require.NoError(t, err)
	require.Len(t, presets, 2)
	assert.Equal(t, "researcher", presets[0].ID)
	assert.Equal(t, "large", presets[0].Model)
	assert.Equal(t, "worker", presets[1].ID)
}

func TestLoadPresetsRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - id: dup
  - id: dup
`), 0o644))

	_, err := LoadPresets(path)
	assert.Error(t, err)
}

func TestBuildRegistry(t *testing.T) {
	reg, err := BuildRegistry([]Preset{{ID: "a"}, {ID: "b"}}, &scriptedClient{}, testLog(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, reg.IDs())
	assert.True(t, reg.Known("a"))
	assert.False(t, reg.Known("c"))
}
