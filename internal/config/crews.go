package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/agent"
)

// Crew is a named group of agents declared together.
type Crew struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Agents      []*agent.Agent `yaml:"agents" json:"agents"`
}

type crewsFile struct {
	Crews []Crew `yaml:"crews"`
}

// LoadCrews reads a YAML crews file. Environment references are expanded
// as in Load.
func LoadCrews(path string) ([]Crew, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read crews %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(data)))
	dec.KnownFields(true)
	var f crewsFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse crews %s: %w", path, err)
	}

	seen := map[string]bool{}
	for _, c := range f.Crews {
		if c.Name == "" {
			return nil, fmt.Errorf("crews %s: crew without name", path)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("crews %s: duplicate crew %q", path, c.Name)
		}
		seen[c.Name] = true
	}
	return f.Crews, nil
}

// CrewAgents flattens crews into one registration batch, stamping each
// agent with its crew name.
func CrewAgents(crews []Crew) []*agent.Agent {
	var out []*agent.Agent
	for _, c := range crews {
		for _, a := range c.Agents {
			if a == nil {
				continue
			}
			cp := *a
			cp.Crew = c.Name
			out = append(out, &cp)
		}
	}
	return out
}
