package agentsvc

import (
	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/registry"
)

// Module returns the registry factory wiring Service onto agent:* events.
func Module(svc *Service) func(r *registry.Registry) ([]registry.Registration, error) {
	return func(r *registry.Registry) ([]registry.Registration, error) {
		return []registry.Registration{
			{
				EventName: "agent:spawn",
				Summary:   "Spawns a new agent with a stable sandbox UUID.",
				Parameters: []registry.ParamSpec{
					{Name: "profile", Type: "string", Required: true},
					{Name: "originator_id", Type: "string", Required: false},
					{Name: "parent_id", Type: "string", Required: false},
					{Name: "subscription_level", Type: "int", Required: false},
					{Name: "variables", Type: "object", Required: false},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					variables, _ := data["variables"].(map[string]any)
					agent, err := svc.Spawn(ctx, SpawnRequest{
						Profile:           stringField(data, "profile"),
						OriginatorID:      stringField(data, "originator_id"),
						ParentID:          stringField(data, "parent_id"),
						SubscriptionLevel: intField(data, "subscription_level", 0),
						Variables:         variables,
					})
					if err != nil {
						return nil, err
					}
					return agentToWire(agent), nil
				},
			},
			{
				EventName: "agent:terminate",
				Summary:   "Terminates an agent and cascades to its constructs. Idempotent.",
				Parameters: []registry.ParamSpec{
					{Name: "agent_id", Type: "string", Required: true},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					agentID := stringField(data, "agent_id")
					if agentID == "" {
						return nil, ksierr.New(ksierr.InvalidEvent, "agent_id is required")
					}
					if err := svc.Terminate(ctx, agentID); err != nil {
						return nil, err
					}
					return map[string]any{"agent_id": agentID, "status": "terminated"}, nil
				},
			},
			{
				EventName: "agent:send_message",
				Summary:   "Appends a message to an agent's inbound log.",
				Parameters: []registry.ParamSpec{
					{Name: "agent_id", Type: "string", Required: true},
					{Name: "content", Type: "string", Required: true},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					agentID := stringField(data, "agent_id")
					if err := svc.SendMessage(ctx, agentID, ctx.Source, stringField(data, "content")); err != nil {
						return nil, err
					}
					return map[string]any{"agent_id": agentID, "delivered": true}, nil
				},
			},
			{
				EventName: "agent:list",
				Summary:   "Lists agents, optionally filtered by status.",
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					agents := svc.List(Status(stringField(data, "status")))
					return map[string]any{"agents": agentsToWire(agents)}, nil
				},
			},
			{
				EventName: "agent:info",
				Summary:   "Returns one agent's full record.",
				Parameters: []registry.ParamSpec{
					{Name: "agent_id", Type: "string", Required: true},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					agent, err := svc.Info(stringField(data, "agent_id"))
					if err != nil {
						return nil, err
					}
					return agentToWire(agent), nil
				},
			},
			{
				EventName: "agent:update_composition",
				Summary:   "Updates an agent's profile.",
				Parameters: []registry.ParamSpec{
					{Name: "agent_id", Type: "string", Required: true},
					{Name: "profile", Type: "string", Required: true},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					agent, err := svc.UpdateComposition(stringField(data, "agent_id"), stringField(data, "profile"))
					if err != nil {
						return nil, err
					}
					return agentToWire(agent), nil
				},
			},
			{
				EventName: "agent:list_constructs",
				Summary:   "Lists the direct constructs spawned under an agent.",
				Parameters: []registry.ParamSpec{
					{Name: "agent_id", Type: "string", Required: true},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					agentID := stringField(data, "agent_id")
					return map[string]any{"agent_id": agentID, "constructs": svc.ListConstructs(agentID)}, nil
				},
			},
		}, nil
	}
}

func agentToWire(a *Agent) map[string]any {
	return map[string]any{
		"agent_id":           a.AgentID,
		"profile":            a.Profile,
		"status":             string(a.Status),
		"sandbox_uuid":       a.SandboxUUID,
		"originator_id":      a.OriginatorID,
		"parent_id":          a.ParentID,
		"subscription_level": a.SubscriptionLevel,
		"created_at":         a.CreatedAt,
		"resolved_prompt":    a.ResolvedPrompt,
		"observations":       observationsToWire(a.Observations),
	}
}

func observationsToWire(observations []ObservedEvent) []map[string]any {
	out := make([]map[string]any, len(observations))
	for i, o := range observations {
		out[i] = map[string]any{
			"agent_id":    o.AgentID,
			"event":       o.Event,
			"data":        o.Data,
			"observed_at": o.ObservedAt,
		}
	}
	return out
}

func agentsToWire(agents []Agent) []map[string]any {
	out := make([]map[string]any, len(agents))
	for i := range agents {
		out[i] = agentToWire(&agents[i])
	}
	return out
}

func stringField(data map[string]any, field string) string {
	s, _ := data[field].(string)
	return s
}

func intField(data map[string]any, field string, def int) int {
	switch v := data[field].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}
