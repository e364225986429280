package composition

import (
	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/registry"
)

// Module returns the registry factory wiring Resolver onto composition:*
// events (spec §6.3).
func Module(resolver *Resolver) func(r *registry.Registry) ([]registry.Registration, error) {
	return func(r *registry.Registry) ([]registry.Registration, error) {
		return []registry.Registration{
			{
				EventName: "composition:get",
				Summary:   "Returns a named composition profile's raw definition.",
				Parameters: []registry.ParamSpec{
					{Name: "name", Type: "string", Required: true},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					name, _ := data["name"].(string)
					if name == "" {
						return nil, ksierr.New(ksierr.InvalidEvent, "name is required")
					}
					p, err := resolver.Get(name)
					if err != nil {
						return nil, err
					}
					return profileToWire(p), nil
				},
			},
			{
				EventName: "composition:profile",
				Summary:   "Resolves a named composition's initial prompt against spawn-time variables.",
				Parameters: []registry.ParamSpec{
					{Name: "name", Type: "string", Required: true},
					{Name: "variables", Type: "object", Required: false},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					name, _ := data["name"].(string)
					if name == "" {
						return nil, ksierr.New(ksierr.InvalidEvent, "name is required")
					}
					variables, _ := data["variables"].(map[string]any)
					resolved, err := resolver.Resolve(name, variables)
					if err != nil {
						return nil, err
					}
					return map[string]any{
						"composition":     profileToWire(resolved.Profile),
						"resolved_prompt": resolved.ResolvedPrompt,
					}, nil
				},
			},
		}, nil
	}
}

func profileToWire(p Profile) map[string]any {
	return map[string]any{
		"name":             p.Name,
		"permission_level": p.PermissionLevel,
		"allowed_events":   p.AllowedEvents,
	}
}
