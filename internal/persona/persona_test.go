package persona

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsHaveValidBias(t *testing.T) {
	reg := Defaults()
	for _, id := range []string{"warm", "professional", "concise"} {
		if !reg.Has(id) {
			t.Fatalf("default persona %q missing", id)
		}
		p := reg.Get(id)
		if _, err := p.MemoryWriteBias(); err != nil {
			t.Fatalf("persona %q write bias invalid: %v", id, err)
		}
		if p.Framing == "" {
			t.Fatalf("persona %q has no framing text", id)
		}
	}
}

func TestGetFallsBackToDefaultPersona(t *testing.T) {
	reg := Defaults()
	got := reg.Get("nonexistent")
	if got.ID == "" {
		t.Fatalf("fallback persona is empty")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	content := `personas:
  - id: pirate
    display_name: Pirate
    framing: "You are a pirate. Arr."
    write_bias:
      fact: 1.0
      preference: 2.0
      emotion: 0.5
    recall_bias:
      recency: 0.5
      relevance: 0.5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	p := reg.Get("pirate")
	if p.DisplayName != "Pirate" {
		t.Fatalf("display_name = %q", p.DisplayName)
	}
	bias, err := p.MemoryWriteBias()
	if err != nil {
		t.Fatalf("MemoryWriteBias() error = %v", err)
	}
	if bias["preference"] != 2.0 {
		t.Fatalf("preference bias = %v, want 2.0", bias["preference"])
	}
	if p.RecallBias.Recency != 0.5 {
		t.Fatalf("recall recency = %v, want 0.5", p.RecallBias.Recency)
	}
}

func TestLoadRejectsUnknownCategory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	content := `personas:
  - id: broken
    framing: "x"
    write_bias:
      mood: 1.0
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted an unknown write_bias category")
	}
}
