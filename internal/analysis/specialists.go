package analysis

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Specialist keys.
const (
	SpecialistConversation = "conversation"
	SpecialistSchema       = "schema_expert"
	SpecialistArchitect    = "technical_architect"
	SpecialistSequencer    = "dependency_resolver"
)

// Specialist describes the focus given to a capability instance.
type Specialist struct {
	Role      string `yaml:"role"`
	Goal      string `yaml:"goal"`
	Backstory string `yaml:"backstory"`
}

// Specialists maps specialist keys to their definitions.
type Specialists map[string]Specialist

// DefaultSpecialists returns the built-in definitions.
func DefaultSpecialists() Specialists {
	return Specialists{
		SpecialistConversation: {
			Role: "Requirements Analyst",
			Goal: "Understand the business requirement and decide whether it is clear enough to design a solution",
		},
		SpecialistSchema: {
			Role: "CRM Schema Expert",
			Goal: "Analyze requirements and design the object and field schema",
		},
		SpecialistArchitect: {
			Role: "CRM Technical Architect",
			Goal: "Create the technical architecture: automation, security and integrations",
		},
		SpecialistSequencer: {
			Role: "Implementation Task Creator",
			Goal: "Create an ordered implementation plan with tasks, effort, roles and dependencies",
		},
	}
}

type specialistsFile struct {
	Specialists Specialists `yaml:"specialists"`
}

// LoadSpecialists reads definitions from a YAML file and merges them over
// the defaults. An empty path returns the defaults.
func LoadSpecialists(path string) (Specialists, error) {
	out := DefaultSpecialists()
	if path == "" {
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading specialists: %w", err)
	}

	var file specialistsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing specialists: %w", err)
	}

	for key, s := range file.Specialists {
		base := out[key]
		if s.Role != "" {
			base.Role = s.Role
		}
		if s.Goal != "" {
			base.Goal = s.Goal
		}
		if s.Backstory != "" {
			base.Backstory = s.Backstory
		}
		out[key] = base
	}
	return out, nil
}

// Get returns the definition for key, falling back to a bare role name.
func (s Specialists) Get(key string) Specialist {
	if sp, ok := s[key]; ok {
		return sp
	}
	return Specialist{Role: key}
}

// Bind returns a Capability that frames every task with the specialist's
// role and goal before delegating to next.
func (sp Specialist) Bind(next Capability) Capability {
	header := sp.header()
	return Func(func(ctx context.Context, task, taskContext string) (string, error) {
		return next.Execute(ctx, header+task, taskContext)
	})
}

func (sp Specialist) header() string {
	var b strings.Builder
	if sp.Role != "" {
		b.WriteString("Role: " + sp.Role + "\n")
	}
	if sp.Goal != "" {
		b.WriteString("Goal: " + sp.Goal + "\n")
	}
	if sp.Backstory != "" {
		b.WriteString("Background: " + sp.Backstory + "\n")
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	return b.String()
}
