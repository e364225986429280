package composition_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/composition"
	"github.com/ksi-project/ksid/internal/registry"
)

func TestResolver_ResolveRendersTemplate(t *testing.T) {
	r := composition.New()
	require.NoError(t, r.Register(composition.Profile{
		Name:            "researcher",
		PermissionLevel: "standard",
		AllowedEvents:   []string{"state:*"},
		PromptTemplate:  "You are {{.name}}, researching {{.topic}}.",
	}))

	resolved, err := r.Resolve("researcher", map[string]any{"name": "Ada", "topic": "graphs"})
	require.NoError(t, err)
	assert.Equal(t, "You are Ada, researching graphs.", resolved.ResolvedPrompt)
}

func TestResolver_UnknownProfile(t *testing.T) {
	r := composition.New()
	_, err := r.Get("missing")
	require.Error(t, err)
}

func TestModule_ProfileAndGetThroughBus(t *testing.T) {
	b := bus.New()
	reg := registry.New(b, nil)
	r := composition.New()
	require.NoError(t, r.Register(composition.Profile{
		Name:           "default",
		PromptTemplate: "Hello {{.name}}",
	}))
	require.NoError(t, reg.RegisterModule("composition", false, composition.Module(r)))

	got, err := b.Emit(context.Background(), "composition:profile", map[string]any{
		"name":      "default",
		"variables": map[string]any{"name": "world"},
	}, bus.EmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got["resolved_prompt"])

	def, err := b.Emit(context.Background(), "composition:get", map[string]any{"name": "default"}, bus.EmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "default", def["name"])

	_, err = b.Emit(context.Background(), "composition:get", map[string]any{"name": "nope"}, bus.EmitOptions{})
	require.Error(t, err)
}
