package injection

import (
	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/registry"
)

// Module returns the registry factory wiring Router onto injection:*
// events (spec §4.4). Not reloadable: the router holds live rate-limit
// state keyed by session.
func Module(router *Router) func(r *registry.Registry) ([]registry.Registration, error) {
	return func(r *registry.Registry) ([]registry.Registration, error) {
		return []registry.Registration{
			{
				EventName: "injection:inject",
				Summary:   "Queues content for delivery on a session's next completion.",
				Parameters: []registry.ParamSpec{
					{Name: "session_id", Type: "string", Required: true},
					{Name: "content", Type: "string", Required: true},
					{Name: "priority", Type: "int", Required: false, Description: "0=safety, 1=normal, 2=guidance"},
					{Name: "recurring", Type: "bool", Required: false},
					{Name: "max_uses", Type: "int", Required: false},
					{Name: "min_turns_between", Type: "int", Required: false},
					{Name: "ttl_seconds", Type: "int", Required: false},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					sessionID, _ := data["session_id"].(string)
					content, _ := data["content"].(string)
					inj := Injection{
						Content:         content,
						Priority:        Priority(intField(data, "priority", int(PriorityNormal))),
						Recurring:       boolField(data, "recurring"),
						MaxUses:         intField(data, "max_uses", 0),
						MinTurnsBetween: intField(data, "min_turns_between", 0),
					}
					id, err := router.Inject(ctx, sessionID, inj, intField(data, "ttl_seconds", 0))
					if err != nil {
						return nil, err
					}
					return map[string]any{"id": id, "session_id": sessionID}, nil
				},
			},
			{
				EventName: "injection:list",
				Summary:   "Lists pending injections for a session without consuming them.",
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					sessionID, _ := data["session_id"].(string)
					injs, err := router.List(ctx, sessionID)
					if err != nil {
						return nil, err
					}
					return map[string]any{"session_id": sessionID, "injections": injectionsToWire(injs)}, nil
				},
			},
			{
				EventName: "injection:clear",
				Summary:   "Removes every pending injection for a session.",
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					sessionID, _ := data["session_id"].(string)
					n, err := router.Clear(ctx, sessionID)
					if err != nil {
						return nil, err
					}
					return map[string]any{"session_id": sessionID, "cleared": n}, nil
				},
			},
			{
				EventName: "injection:process_result",
				Summary:   "Reports whether delivered injections were actually used, adjusting rate-limit counters.",
				Parameters: []registry.ParamSpec{
					{Name: "session_id", Type: "string", Required: true},
					{Name: "injection_ids", Type: "[]string", Required: true},
					{Name: "used", Type: "bool", Required: true},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					sessionID, _ := data["session_id"].(string)
					used := boolField(data, "used")
					ids := stringSliceField(data, "injection_ids")
					router.ProcessResult(sessionID, ids, used)
					return map[string]any{"session_id": sessionID}, nil
				},
			},
			{
				EventName: "injection:status",
				Summary:   "Reports pending count and delivery counters for a session's injections.",
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					sessionID, _ := data["session_id"].(string)
					if sessionID == "" {
						return nil, ksierr.New(ksierr.InvalidEvent, "session_id is required")
					}
					return router.Status(ctx, sessionID)
				},
			},
		}, nil
	}
}

func injectionsToWire(injs []Injection) []map[string]any {
	out := make([]map[string]any, len(injs))
	for i, inj := range injs {
		out[i] = injectionToMap(inj)
	}
	return out
}

func stringSliceField(data map[string]any, field string) []string {
	raw, ok := data[field].([]any)
	if !ok {
		if s, ok := data[field].([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
