// ABOUTME: Persona definitions loaded from personas.toml
// ABOUTME: Maps named agents to decision/response system prompts

package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Personas describes the participants of a conversation and the system
// prompts their language model calls are seeded with.
type Personas struct {
	Session        SessionInfo `toml:"session"`
	DecisionPrompt string      `toml:"decision_prompt"`
	ResponsePrompt string      `toml:"response_prompt"`
	User           UserInfo    `toml:"user"`
	Agents         []Persona   `toml:"agents"`
}

// SessionInfo names the application and save the run attaches to.
type SessionInfo struct {
	Application string `toml:"application"`
	Category    string `toml:"category"`
	Save        string `toml:"save"`
}

// UserInfo describes the human participant.
type UserInfo struct {
	Name       string `toml:"name"`
	ExternalID string `toml:"external_id"`
}

// Persona describes one non-human participant.
type Persona struct {
	Name        string `toml:"name"`
	ExternalID  string `toml:"external_id"`
	Personality string `toml:"personality"`
}

// DecisionFor returns the full decision prompt for a persona: the shared
// decision prompt with the persona's personality appended.
func (p *Personas) DecisionFor(persona Persona) string {
	return p.DecisionPrompt + personalitySection(persona)
}

// ResponseFor returns the full response prompt for a persona.
func (p *Personas) ResponseFor(persona Persona) string {
	return p.ResponsePrompt + personalitySection(persona)
}

func personalitySection(persona Persona) string {
	if persona.Personality == "" {
		return ""
	}
	return "\n[PERSONALITY]\n" + persona.Personality
}

// loadPersonas reads persona definitions from the given TOML file.
func loadPersonas(path string) (*Personas, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading personas file: %w", err)
	}

	var p Personas
	if _, err := toml.Decode(string(data), &p); err != nil {
		return nil, fmt.Errorf("parsing personas file: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validating personas file: %w", err)
	}

	return &p, nil
}

// Validate checks required fields and fills defaults.
func (p *Personas) Validate() error {
	if p.Session.Application == "" {
		return fmt.Errorf("session.application is required")
	}
	if p.Session.Category == "" {
		p.Session.Category = "conversation"
	}
	if p.Session.Save == "" {
		p.Session.Save = "root"
	}
	if p.User.Name == "" {
		p.User.Name = "User"
	}
	if len(p.Agents) == 0 {
		return fmt.Errorf("at least one [[agents]] entry is required")
	}
	seen := map[string]bool{p.User.Name: true}
	for _, a := range p.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents entries require a name")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate persona name %q", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}
