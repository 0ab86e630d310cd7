package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/astridlabs/astrid/internal/memory"
)

// Profile is the point-in-time persona snapshot a turn runs with: framing
// text for the prompt plus the bias weights the memory subsystem consumes.
// The core never mutates a profile.
type Profile struct {
	ID          string             `yaml:"id"`
	DisplayName string             `yaml:"display_name"`
	Framing     string             `yaml:"framing"`
	Model       string             `yaml:"model"`
	WriteBias   map[string]float64 `yaml:"write_bias"`
	RecallBias  memory.RecallBias  `yaml:"recall_bias"`
}

// MemoryWriteBias converts the yaml-friendly map into the closed-set form,
// rejecting unknown categories instead of silently defaulting.
func (p Profile) MemoryWriteBias() (memory.WriteBias, error) {
	out := make(memory.WriteBias, len(p.WriteBias))
	for name, weight := range p.WriteBias {
		cat := memory.Category(strings.TrimSpace(strings.ToLower(name)))
		if !cat.Valid() {
			return nil, fmt.Errorf("persona %s: unknown write_bias category %q", p.ID, name)
		}
		if weight < 0 {
			return nil, fmt.Errorf("persona %s: negative write_bias for %q", p.ID, name)
		}
		out[cat] = weight
	}
	return out, nil
}

func (p Profile) validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("persona profile without id")
	}
	if _, err := p.MemoryWriteBias(); err != nil {
		return err
	}
	if p.RecallBias.Recency < 0 || p.RecallBias.Relevance < 0 {
		return fmt.Errorf("persona %s: recall_bias weights must be non-negative", p.ID)
	}
	return nil
}

// Registry holds the loaded profiles. It is an explicit configuration object
// passed into construction; there is no ambient global lookup.
type Registry struct {
	profiles map[string]Profile
	fallback string
}

// Defaults returns the built-in personas used when no profile file is
// configured.
func Defaults() *Registry {
	reg, _ := newRegistry([]Profile{
		{
			ID:          "warm",
			DisplayName: "Warm",
			Framing:     "You are Astrid, an empathetic, conversational companion. Be supportive and curious about the user's life.",
			WriteBias:   map[string]float64{"fact": 1.0, "preference": 1.3, "emotion": 1.5},
			RecallBias:  memory.RecallBias{Recency: 0.4, Relevance: 0.6},
		},
		{
			ID:          "professional",
			DisplayName: "Professional",
			Framing:     "You are Astrid, a clear, factual, concise assistant. Prioritize accuracy over warmth.",
			WriteBias:   map[string]float64{"fact": 1.4, "preference": 1.0, "emotion": 0.6},
			RecallBias:  memory.RecallBias{Recency: 0.2, Relevance: 0.8},
		},
		{
			ID:          "concise",
			DisplayName: "Concise",
			Framing:     "You are Astrid. Answer briefly, high-signal, direct.",
			WriteBias:   map[string]float64{"fact": 1.0, "preference": 1.0, "emotion": 0.8},
			RecallBias:  memory.RecallBias{Recency: 0.3, Relevance: 0.7},
		},
	})
	return reg
}

// Load reads persona profiles from a yaml file. The first profile becomes
// the fallback.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	var doc struct {
		Personas []Profile `yaml:"personas"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse persona file: %w", err)
	}
	if len(doc.Personas) == 0 {
		return nil, fmt.Errorf("persona file %s defines no personas", path)
	}
	return newRegistry(doc.Personas)
}

func newRegistry(profiles []Profile) (*Registry, error) {
	reg := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := reg.profiles[p.ID]; dup {
			return nil, fmt.Errorf("duplicate persona id %q", p.ID)
		}
		reg.profiles[p.ID] = p
		if reg.fallback == "" {
			reg.fallback = p.ID
		}
	}
	return reg, nil
}

// Get returns the profile for id, falling back to the default persona when
// the id is unknown or empty.
func (r *Registry) Get(id string) Profile {
	if p, ok := r.profiles[strings.TrimSpace(id)]; ok {
		return p
	}
	return r.profiles[r.fallback]
}

// Has reports whether a persona id is defined.
func (r *Registry) Has(id string) bool {
	_, ok := r.profiles[strings.TrimSpace(id)]
	return ok
}

// IDs lists the defined persona ids.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		out = append(out, id)
	}
	return out
}
