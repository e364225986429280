// Package registry layers handler metadata and module lifecycle on top of
// internal/bus: priority-ordered registration, module grouping, and the
// introspection surface (system:discover, system:help, module:list,
// module:list_events, plugin:reload).
//
// The bookkeeping follows an in-memory registry-store style (RWMutex-guarded
// map, tag/query filtering) generalized from toolset records to handler
// records.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/telemetry"
)

// Version is the daemon's reported build version, surfaced by
// system:version. Overridden at build time in production via -ldflags.
var Version = "dev"

// ParamSpec documents one parameter a handler accepts, surfaced via
// system:help for machine-readable introspection.
type ParamSpec struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// Registration is the full metadata for one handler: everything bus.HandlerEntry
// needs to dispatch it, plus the descriptive fields the discovery surface
// reports.
type Registration struct {
	EventName   string
	Module      string
	Summary     string
	Parameters  []ParamSpec
	Triggers    []string
	Priority    int
	IsAsync     bool
	Filter      func(data map[string]any) bool
	Fn          bus.HandlerFunc
}

// moduleEntry tracks one module's live registrations and, for reloadable
// modules, the factory used to rebuild them.
type moduleEntry struct {
	reloadable bool
	factory    func(r *Registry) ([]Registration, error)
	handlers   []registeredHandler
}

type registeredHandler struct {
	reg        Registration
	unregister func()
}

// Registry is the daemon's plugin/handler directory. It owns no transport or
// dispatch logic itself (that's internal/bus) — it is the bookkeeping and
// introspection layer wired in front of it.
type Registry struct {
	mu        sync.RWMutex
	bus       *bus.Bus
	log       telemetry.Logger
	modules   map[string]*moduleEntry
	startTime time.Time
}

// New constructs a Registry bound to bus. Call Bind to install the
// system:* introspection handlers.
func New(b *bus.Bus, log telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Registry{
		bus:       b,
		log:       log,
		modules:   make(map[string]*moduleEntry),
		startTime: time.Now(),
	}
}

// Register adds a single handler registration, forwarding it to the bus and
// recording its introspection metadata under its module.
func (r *Registry) Register(reg Registration) (unregister func(), err error) {
	if reg.EventName == "" {
		return nil, ksierr.New(ksierr.InvalidEvent, "registration requires an event name")
	}
	if reg.Module == "" {
		reg.Module = "unnamed"
	}
	unreg, err := r.bus.RegisterHandler(bus.HandlerEntry{
		EventName: reg.EventName,
		Module:    reg.Module,
		Priority:  reg.Priority,
		IsAsync:   reg.IsAsync,
		Filter:    reg.Filter,
		Fn:        reg.Fn,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	mod, ok := r.modules[reg.Module]
	if !ok {
		mod = &moduleEntry{}
		r.modules[reg.Module] = mod
	}
	rh := registeredHandler{reg: reg, unregister: unreg}
	mod.handlers = append(mod.handlers, rh)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			unreg()
			r.mu.Lock()
			defer r.mu.Unlock()
			mod := r.modules[reg.Module]
			if mod == nil {
				return
			}
			out := mod.handlers[:0]
			for _, h := range mod.handlers {
				if h.reg.EventName != reg.EventName || h.unregister == nil {
					out = append(out, h)
				}
			}
			mod.handlers = out
		})
	}, nil
}

// RegisterModule registers every handler a module factory produces and
// remembers the factory so plugin:reload can rebuild it later. reloadable
// modules are the only ones plugin:reload will touch.
func (r *Registry) RegisterModule(name string, reloadable bool, factory func(r *Registry) ([]Registration, error)) error {
	regs, err := factory(r)
	if err != nil {
		return err
	}
	for _, reg := range regs {
		reg.Module = name
		if _, err := r.Register(reg); err != nil {
			return err
		}
	}
	r.mu.Lock()
	mod := r.modules[name]
	if mod == nil {
		mod = &moduleEntry{}
		r.modules[name] = mod
	}
	mod.reloadable = reloadable
	mod.factory = factory
	r.mu.Unlock()
	return nil
}

// Reload tears down and rebuilds a reloadable module's handlers in place.
// Non-reloadable or unknown modules return NOT_FOUND.
func (r *Registry) Reload(ctx context.Context, module string) error {
	r.mu.RLock()
	mod, ok := r.modules[module]
	r.mu.RUnlock()
	if !ok || !mod.reloadable || mod.factory == nil {
		return ksierr.New(ksierr.NotFound, "module is not reloadable: "+module)
	}

	r.mu.Lock()
	old := mod.handlers
	mod.handlers = nil
	r.mu.Unlock()
	for _, h := range old {
		h.unregister()
	}

	regs, err := mod.factory(r)
	if err != nil {
		r.log.Error(ctx, "plugin reload failed", "module", module, "error", err)
		return ksierr.Wrap(ksierr.HandlerError, "module reload failed", err)
	}
	for _, reg := range regs {
		reg.Module = module
		if _, err := r.Register(reg); err != nil {
			return err
		}
	}
	r.log.Info(ctx, "plugin reloaded", "module", module, "handlers", len(regs))
	return nil
}

// ListModules returns every known module name, sorted.
func (r *Registry) ListModules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for name := range r.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ListEvents returns the event names a module handles, sorted. An unknown
// module returns NOT_FOUND.
func (r *Registry) ListEvents(module string) ([]string, error) {
	r.mu.RLock()
	mod, ok := r.modules[module]
	r.mu.RUnlock()
	if !ok {
		return nil, ksierr.New(ksierr.NotFound, "unknown module: "+module)
	}
	seen := make(map[string]struct{})
	for _, h := range mod.handlers {
		seen[h.reg.EventName] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Discover builds the machine-readable system:discover payload fixed by
// spec §4.2/§6.6: `{total, namespaces, events}`, where `events` is a flat
// map keyed by event name (not grouped by module) so the doc generator and
// MCP bridge — which the spec says "depend on exactly this schema" — can
// walk it without module-shaped indirection. `module`, `handler`,
// `summary`, and `async` are always present; `detail` additionally
// includes `parameters`, `triggers`, and `examples`.
func (r *Registry) Discover(namespace string, detail bool) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	namespaceSet := make(map[string]struct{})
	events := make(map[string]any)
	for name, mod := range r.modules {
		for _, h := range mod.handlers {
			if namespace != "" && !strings.HasPrefix(h.reg.EventName, namespace) {
				continue
			}
			ns, _, found := strings.Cut(h.reg.EventName, ":")
			if found {
				namespaceSet[ns] = struct{}{}
			}
			event := map[string]any{
				"module":  name,
				"handler": h.reg.EventName,
				"summary": h.reg.Summary,
				"async":   h.reg.IsAsync,
			}
			if detail {
				event["parameters"] = eventParameters(h.reg)
				event["triggers"] = h.reg.Triggers
				event["examples"] = eventExamples(h.reg)
			}
			events[h.reg.EventName] = event
		}
	}

	namespaces := make([]string, 0, len(namespaceSet))
	for ns := range namespaceSet {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	return map[string]any{
		"total":      len(events),
		"namespaces": namespaces,
		"events":     events,
	}
}

// Help returns the detailed introspection record for a single event name,
// or NOT_FOUND if nothing handles it. When mcp is true the result is
// reshaped to the MCP tool-schema format the MCP bridge expects (spec
// §4.2 `format_style="mcp"`).
func (r *Registry) Help(eventName string, mcp bool) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, mod := range r.modules {
		for _, h := range mod.handlers {
			if h.reg.EventName == eventName {
				if mcp {
					return mcpToolSchema(h.reg), nil
				}
				return eventSummary(h.reg), nil
			}
		}
	}
	return nil, ksierr.New(ksierr.NotFound, "no handler for event: "+eventName)
}

func eventSummary(reg Registration) map[string]any {
	return map[string]any{
		"summary":    reg.Summary,
		"parameters": eventParameters(reg),
		"triggers":   reg.Triggers,
		"priority":   reg.Priority,
		"async":      reg.IsAsync,
		"examples":   eventExamples(reg),
	}
}

func eventParameters(reg Registration) []map[string]any {
	params := make([]map[string]any, 0, len(reg.Parameters))
	for _, p := range reg.Parameters {
		params = append(params, map[string]any{
			"name":        p.Name,
			"type":        p.Type,
			"required":    p.Required,
			"description": p.Description,
		})
	}
	return params
}

// eventExamples synthesizes a single usage example from a handler's
// declared parameters, enough to round out system:help's documented
// `examples` field without requiring every handler to hand-author one.
func eventExamples(reg Registration) []map[string]any {
	args := make(map[string]any, len(reg.Parameters))
	for _, p := range reg.Parameters {
		if p.Required {
			args[p.Name] = placeholderForType(p.Type)
		}
	}
	return []map[string]any{
		{"event": reg.EventName, "data": args},
	}
}

func placeholderForType(t string) any {
	switch t {
	case "int":
		return 0
	case "bool":
		return false
	case "object":
		return map[string]any{}
	default:
		return ""
	}
}

// mcpToolSchema reshapes reg into the MCP tool-schema the MCP bridge
// consumes (spec §4.2 `system:help {format_style: "mcp"}`): a JSON-schema
// style `inputSchema` instead of the human-readable `parameters` list.
func mcpToolSchema(reg Registration) map[string]any {
	properties := make(map[string]any, len(reg.Parameters))
	required := make([]string, 0, len(reg.Parameters))
	for _, p := range reg.Parameters {
		properties[p.Name] = map[string]any{
			"type":        jsonSchemaType(p.Type),
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"name":        reg.EventName,
		"description": reg.Summary,
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
}

func jsonSchemaType(t string) string {
	switch t {
	case "int":
		return "integer"
	case "bool":
		return "boolean"
	case "object":
		return "object"
	case "":
		return "string"
	default:
		return t
	}
}
