// Package persona loads the NPC's system prompt and seed memory facts from a
// YAML persona file at startup.
package persona

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the root shape of a persona YAML document.
type File struct {
	Persona      Meta         `yaml:"persona"`
	SeedMemories []SeedMemory `yaml:"seed_memories"`
}

// Meta describes the NPC persona itself.
type Meta struct {
	// Name is the NPC's in-world display name, used in logs and the startup banner.
	Name string `yaml:"name"`

	// SystemPrompt is injected as the first, permanent turn of every conversation.
	SystemPrompt string `yaml:"system_prompt"`
}

// SeedMemory describes one long-term memory fact loaded into the Memory
// Store at startup.
type SeedMemory struct {
	// Keywords activate this memory when any one of them appears in recent chat.
	Keywords []string `yaml:"keywords"`

	// Content is the text injected into the prompt when this memory is selected.
	Content string `yaml:"content"`

	// Priority is in [1,10]; higher values are preferred when the memory
	// token budget is tight.
	Priority int `yaml:"priority"`
}

// Load reads and validates the persona YAML file at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("persona: open %q: %w", path, err)
	}
	defer f.Close()

	pf, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("persona: parse %q: %w", path, err)
	}
	return pf, nil
}

// LoadFromReader decodes a persona YAML document from r and validates it.
// Useful in tests where personas are constructed from string literals.
func LoadFromReader(r io.Reader) (*File, error) {
	pf := &File{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(pf); err != nil {
		return nil, fmt.Errorf("persona: decode yaml: %w", err)
	}
	if err := validate(pf); err != nil {
		return nil, err
	}
	normalize(pf)
	return pf, nil
}

// validate checks that pf contains the minimum fields needed to run.
func validate(pf *File) error {
	if strings.TrimSpace(pf.Persona.Name) == "" {
		return fmt.Errorf("persona: persona.name is required")
	}
	if strings.TrimSpace(pf.Persona.SystemPrompt) == "" {
		return fmt.Errorf("persona: persona.system_prompt is required")
	}
	for i, m := range pf.SeedMemories {
		if len(m.Keywords) == 0 {
			return fmt.Errorf("persona: seed_memories[%d].keywords must not be empty", i)
		}
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("persona: seed_memories[%d].content is required", i)
		}
		if m.Priority < 1 || m.Priority > 10 {
			return fmt.Errorf("persona: seed_memories[%d].priority %d is out of range [1, 10]", i, m.Priority)
		}
	}
	return nil
}

// normalize lowercases and trims every seed memory keyword in place, matching
// the Memory Store's own keyword normalization on insert.
func normalize(pf *File) {
	for i := range pf.SeedMemories {
		kws := pf.SeedMemories[i].Keywords
		for j, k := range kws {
			kws[j] = strings.ToLower(strings.TrimSpace(k))
		}
	}
}
