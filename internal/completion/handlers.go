package completion

import (
	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/registry"
)

// Module returns the registry factory wiring Service onto completion:*
// events. Not reloadable: the service holds live per-session worker state.
func Module(svc *Service) func(r *registry.Registry) ([]registry.Registration, error) {
	return func(r *registry.Registry) ([]registry.Registration, error) {
		return []registry.Registration{
			{
				EventName: "completion:async",
				Summary:   "Queues a completion request, returning immediately with its request_id.",
				Parameters: []registry.ParamSpec{
					{Name: "prompt", Type: "string", Required: true},
					{Name: "model", Type: "string", Required: false},
					{Name: "session_id", Type: "string", Required: false},
					{Name: "agent_id", Type: "string", Required: false},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					req := Request{
						Prompt:      stringField(data, "prompt"),
						Model:       stringField(data, "model"),
						SessionID:   stringField(data, "session_id"),
						AgentID:     stringField(data, "agent_id"),
						ConstructID: stringField(data, "construct_id"),
					}
					if cfg, ok := data["injection_config"].(map[string]any); ok {
						req.InjectionConfig = &InjectionConfig{
							Enabled:        boolField(cfg, "enabled"),
							Content:        stringField(cfg, "content"),
							TargetSessions: stringSliceField(cfg, "target_sessions"),
							TTLSeconds:     intField(cfg, "ttl_seconds", 0),
						}
					}
					id, err := svc.Submit(ctx, req)
					if err != nil {
						return nil, err
					}
					return map[string]any{"request_id": id, "status": "queued"}, nil
				},
			},
			{
				EventName: "completion:cancel",
				Summary:   "Requests cancellation of an in-flight completion by request_id.",
				Parameters: []registry.ParamSpec{
					{Name: "request_id", Type: "string", Required: true},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					requestID := stringField(data, "request_id")
					if requestID == "" {
						return nil, ksierr.New(ksierr.InvalidEvent, "request_id is required")
					}
					status := svc.Cancel(requestID)
					return map[string]any{"request_id": requestID, "status": status}, nil
				},
			},
			{
				EventName: "completion:status",
				Summary:   "Reports in-flight completions and per-session queue depth.",
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					active, depths := svc.StatusSnapshot()
					activeOut := make([]map[string]any, len(active))
					for i, a := range active {
						activeOut[i] = map[string]any{
							"request_id": a.RequestID,
							"session_id": a.SessionID,
							"model":      a.Model,
							"started_at": a.StartedAt,
						}
					}
					queues := make(map[string]any, len(depths))
					for sessionID, depth := range depths {
						queues[sessionID] = depth
					}
					return map[string]any{
						"active_count":    len(active),
						"active_requests": activeOut,
						"queues":          queues,
					}, nil
				},
			},
			{
				EventName: "completion:tail",
				Summary:   "Debug-only: reads a session's response log directly off disk. Disabled by default.",
				Parameters: []registry.ParamSpec{
					{Name: "session_id", Type: "string", Required: true},
					{Name: "limit", Type: "int", Required: false},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					sessionID := stringField(data, "session_id")
					if sessionID == "" {
						return nil, ksierr.New(ksierr.InvalidEvent, "session_id is required")
					}
					entries, err := svc.Tail(sessionID, intField(data, "limit", 0))
					if err != nil {
						return nil, err
					}
					out := make([]map[string]any, len(entries))
					for i, e := range entries {
						out[i] = map[string]any{
							"request_id": e.RequestID,
							"prompt":     e.Prompt,
							"model":      e.Model,
							"response":   e.Response,
							"session_id": e.SessionID,
							"usage":      e.Usage,
							"timestamp":  e.Timestamp,
						}
					}
					return map[string]any{"session_id": sessionID, "entries": out}, nil
				},
			},
		}, nil
	}
}

func stringField(data map[string]any, field string) string {
	s, _ := data[field].(string)
	return s
}

func boolField(data map[string]any, field string) bool {
	b, _ := data[field].(bool)
	return b
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
