package registry

import (
	"strings"
	"time"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/ksierr"
)

func stringField(data map[string]any, field string) string {
	s, _ := data[field].(string)
	return s
}

// Bind installs the system:* and module:* introspection handlers. Call once
// during daemon startup after every domain module has been registered via
// RegisterModule, so discovery reflects the full handler set from the first
// request onward.
func (r *Registry) Bind() error {
	regs := []Registration{
		{
			EventName: "system:health",
			Module:    "system",
			Summary:   "Reports daemon status and uptime, issued by clients on connect.",
			Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
				return map[string]any{
					"status":  "ok",
					"uptime":  time.Since(r.startTime).Seconds(),
					"version": Version,
				}, nil
			},
		},
		{
			EventName: "system:version",
			Module:    "system",
			Summary:   "Reports the daemon's build version.",
			Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
				return map[string]any{"version": Version}, nil
			},
		},
		{
			EventName: "system:discover",
			Module:    "system",
			Summary:   "Lists every handled event (flat, keyed by name), optionally filtered by namespace.",
			Parameters: []ParamSpec{
				{Name: "namespace", Type: "string", Required: false, Description: "Only include events under this namespace prefix."},
				{Name: "detail", Type: "bool", Required: false, Description: "Include parameters, triggers, and examples per event, not just module/handler/summary/async."},
			},
			Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
				namespace, _ := data["namespace"].(string)
				detail, _ := data["detail"].(bool)
				return r.Discover(namespace, detail), nil
			},
		},
		{
			EventName: "system:help",
			Module:    "system",
			Summary:   "Returns the registered summary, parameters, and examples for one event.",
			Parameters: []ParamSpec{
				{Name: "event", Type: "string", Required: true, Description: "The fully-qualified event name to describe."},
				{Name: "format_style", Type: "string", Required: false, Description: `"mcp" returns an MCP tool-schema shape; anything else (default) returns the human-readable shape.`},
			},
			Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
				name, _ := data["event"].(string)
				if name == "" {
					name, _ = data["event_name"].(string) // accepted for backward compatibility
				}
				if name == "" {
					return nil, ksierr.New(ksierr.InvalidEvent, "event is required")
				}
				mcp := strings.EqualFold(stringField(data, "format_style"), "mcp")
				return r.Help(name, mcp)
			},
		},
		{
			EventName: "module:list",
			Module:    "system",
			Summary:   "Lists every module name currently registered.",
			Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
				return map[string]any{"modules": r.ListModules()}, nil
			},
		},
		{
			EventName: "module:list_events",
			Module:    "system",
			Summary:   "Lists the event names a module handles.",
			Parameters: []ParamSpec{
				{Name: "module", Type: "string", Required: true, Description: "Module name as reported by module:list."},
			},
			Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
				name, _ := data["module"].(string)
				events, err := r.ListEvents(name)
				if err != nil {
					return nil, err
				}
				return map[string]any{"module": name, "events": events}, nil
			},
		},
		{
			EventName: "plugin:reload",
			Module:    "system",
			Summary:   "Unregisters and re-registers a reloadable module's handlers in place.",
			Parameters: []ParamSpec{
				{Name: "module", Type: "string", Required: true, Description: "Module name; must have been registered with reloadable=true."},
			},
			Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
				name, _ := data["module"].(string)
				if name == "" {
					return nil, ksierr.New(ksierr.InvalidEvent, "module is required")
				}
				if err := r.Reload(ctx, name); err != nil {
					return nil, err
				}
				return map[string]any{"module": name, "status": "reloaded"}, nil
			},
		},
	}

	for _, reg := range regs {
		if _, err := r.Register(reg); err != nil {
			return err
		}
	}
	return nil
}
