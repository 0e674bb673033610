package profile

import (
	"testing"

	"github.com/cuemby/bay/pkg/types"
)

func TestNormalizeLegacySynthesizesContainer(t *testing.T) {
	raw := RawProfile{ID: "py", Image: "python:3.11", RuntimeType: "python"}

	got := NormalizeLegacy(raw)

	if len(got.Containers) != 1 {
		t.Fatalf("expected 1 synthesized container, got %d", len(got.Containers))
	}
	c := got.Containers[0]
	if c.Name != "py-main" || c.Image != "python:3.11" || c.RuntimeType != "python" {
		t.Fatalf("unexpected synthesized container: %+v", c)
	}
	if got.Image != "" || got.RuntimeType != "" {
		t.Fatalf("legacy fields should be cleared after normalization: %+v", got)
	}
}

func TestNormalizeLegacyLeavesMultiContainerAlone(t *testing.T) {
	raw := RawProfile{
		ID:         "multi",
		Containers: []RawContainer{{Name: "a"}, {Name: "b"}},
	}

	got := NormalizeLegacy(raw)

	if len(got.Containers) != 2 {
		t.Fatalf("expected existing containers untouched, got %d", len(got.Containers))
	}
}

func TestCompileRequiresRuntimePort(t *testing.T) {
	raw := RawProfile{ID: "bad", Containers: []RawContainer{{Name: "c", Image: "x"}}}

	_, err := Compile(raw)
	if err == nil {
		t.Fatal("expected error for missing runtime_port")
	}
}

func TestRegistryGet(t *testing.T) {
	raw := []RawProfile{{
		ID: "python-default",
		Containers: []RawContainer{{
			Name: "main", Image: "python:3.11", RuntimeType: "python",
			RuntimePort: 8000, Capabilities: []string{"python"}, PrimaryFor: []string{"python"},
		}},
		IdleTimeout: 120,
	}}

	reg, err := NewRegistry(raw)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	p, ok := reg.Get("python-default")
	if !ok {
		t.Fatal("expected profile to be found")
	}
	if p.IdleTimeout.Seconds() != 120 {
		t.Fatalf("expected idle_timeout=120s, got %v", p.IdleTimeout)
	}

	if _, ok := reg.Get("nope"); ok {
		t.Fatal("expected missing profile to be absent")
	}
}

func TestContainerForPrefersPrimaryFor(t *testing.T) {
	p := types.Profile{Containers: []types.ContainerSpec{
		{Name: "side", Capabilities: []string{"python"}},
		{Name: "main", Capabilities: []string{"python"}, PrimaryFor: []string{"python"}},
	}}

	c, ok := ContainerFor(p, "python")
	if !ok || c.Name != "main" {
		t.Fatalf("expected primary_for container 'main', got %+v ok=%v", c, ok)
	}
}

func TestContainerForFallsBackToCapabilities(t *testing.T) {
	p := types.Profile{Containers: []types.ContainerSpec{
		{Name: "side", Capabilities: []string{"shell"}},
	}}

	c, ok := ContainerFor(p, "shell")
	if !ok || c.Name != "side" {
		t.Fatalf("expected fallback container 'side', got %+v ok=%v", c, ok)
	}
}
