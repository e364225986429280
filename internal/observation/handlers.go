package observation

import (
	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/registry"
)

// Module returns the registry factory wiring Router onto observation:*
// events. Not reloadable: the router owns a live bus subscription.
func Module(router *Router) func(r *registry.Registry) ([]registry.Registration, error) {
	return func(r *registry.Registry) ([]registry.Registration, error) {
		return []registry.Registration{
			{
				EventName: "observation:subscribe",
				Summary:   "Registers an observer for events matching a target and pattern set.",
				Parameters: []registry.ParamSpec{
					{Name: "observer", Type: "string", Required: true},
					{Name: "target", Type: "string", Required: false},
					{Name: "events", Type: "[]string", Required: false},
					{Name: "filter", Type: "object", Required: false},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					filter := filterFromWire(data["filter"])
					id, err := router.Subscribe(
						stringField(data, "observer"),
						stringField(data, "target"),
						stringSliceField(data, "events"),
						filter,
					)
					if err != nil {
						return nil, err
					}
					return map[string]any{"subscription_id": id}, nil
				},
			},
			{
				EventName: "observation:unsubscribe",
				Summary:   "Removes an observation subscription.",
				Parameters: []registry.ParamSpec{
					{Name: "subscription_id", Type: "string", Required: true},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					id := stringField(data, "subscription_id")
					if id == "" {
						return nil, ksierr.New(ksierr.InvalidEvent, "subscription_id is required")
					}
					router.Unsubscribe(id)
					return map[string]any{"subscription_id": id}, nil
				},
			},
			{
				EventName: "observation:query_history",
				Summary:   "Returns an observer's recorded observation history.",
				Parameters: []registry.ParamSpec{
					{Name: "observer", Type: "string", Required: true},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					records, err := router.History(ctx, stringField(data, "observer"))
					if err != nil {
						return nil, err
					}
					return map[string]any{"records": recordsToWire(records)}, nil
				},
			},
			{
				EventName: "observation:replay",
				Summary:   "Replays an observer's recorded history at an adjustable speed.",
				Parameters: []registry.ParamSpec{
					{Name: "observer", Type: "string", Required: true},
					{Name: "speed", Type: "float", Required: false},
					{Name: "as_original", Type: "bool", Required: false},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					speed := floatField(data, "speed", 1.0)
					if err := router.Replay(ctx, stringField(data, "observer"), speed, boolField(data, "as_original")); err != nil {
						return nil, err
					}
					return map[string]any{"status": "replayed"}, nil
				},
			},
			{
				EventName: "observation:analyze_patterns",
				Summary:   "Computes event frequency and sequence transitions over an observer's history.",
				Parameters: []registry.ParamSpec{
					{Name: "observer", Type: "string", Required: true},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					analysis, err := router.AnalyzePatterns(ctx, stringField(data, "observer"))
					if err != nil {
						return nil, err
					}
					return map[string]any{
						"frequency":    analysis.Frequency,
						"transitions":  analysis.Transitions,
						"total_events": analysis.TotalEvents,
					}, nil
				},
			},
		}, nil
	}
}

func filterFromWire(raw any) Filter {
	data, ok := raw.(map[string]any)
	if !ok {
		return Filter{}
	}
	f := Filter{
		Include:      stringSliceField(data, "include"),
		Exclude:      stringSliceField(data, "exclude"),
		SamplingRate: floatField(data, "sampling_rate", 0),
	}
	if cm, ok := data["content_match"].(map[string]any); ok {
		f.ContentMatch = &ContentMatch{
			Field:    stringField(cm, "field"),
			Value:    stringField(cm, "value"),
			Operator: stringField(cm, "operator"),
		}
	}
	if rl, ok := data["rate_limit"].(map[string]any); ok {
		f.RateLimit = &RateLimit{
			MaxEvents:     intField(rl, "max_events", 0),
			WindowSeconds: intField(rl, "window_seconds", 0),
		}
	}
	return f
}

func recordsToWire(records []Record) []map[string]any {
	out := make([]map[string]any, len(records))
	for i, rec := range records {
		out[i] = map[string]any{
			"id":              rec.ID,
			"subscription_id": rec.SubscriptionID,
			"observer":        rec.Observer,
			"target":          rec.Target,
			"event":           rec.Event,
			"data":            rec.Data,
			"observed_at":     rec.ObservedAt,
		}
	}
	return out
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

func floatField(data map[string]any, field string, def float64) float64 {
	switch v := data[field].(type) {
	case float64:
		return v
	case int:
		return float64(v)
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
