package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/llm"
)

// Preset is one agent definition in the presets file.
type Preset struct {
	ID           string `yaml:"id"`
	Description  string `yaml:"description"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
}

type presetsFile struct {
	Agents []Preset `yaml:"agents"`
}

// DefaultPreset is registered when no presets file is configured.
var DefaultPreset = Preset{
	ID:           "default",
	Description:  "General-purpose task agent",
	SystemPrompt: "You are a task execution agent. Work through the task using the available tools and report a concise summary when finished.",
}

// LoadPresets reads agent presets from a YAML file. An empty path yields just
// the default preset.
func LoadPresets(path string) ([]Preset, error) {
	if path == "" {
		return []Preset{DefaultPreset}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}
	var f presetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	if len(f.Agents) == 0 {
		return nil, fmt.Errorf("presets file %s defines no agents", path)
	}
	seen := make(map[string]struct{}, len(f.Agents))
	for _, p := range f.Agents {
		if p.ID == "" {
			return nil, fmt.Errorf("presets file %s: agent with empty id", path)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("presets file %s: duplicate agent id %q", path, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return f.Agents, nil
}

// BuildRegistry registers a loop agent per preset against the given client.
func BuildRegistry(presets []Preset, client llm.Client, log *logger.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, p := range presets {
		if err := reg.Register(NewLoopAgent(p.ID, p.Description, p.Model, p.SystemPrompt, client, log)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
