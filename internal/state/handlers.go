package state

import (
	"time"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/registry"
)

// Module returns the registry factory that wires Store and AsyncStateStore
// onto the state:*/async_state:* events (spec §4.5). Pass the result to
// Registry.RegisterModule(name, false, ...) — the state module is not
// reloadable since its handlers close over live store references.
func Module(store *Store, async *AsyncStateStore) func(r *registry.Registry) ([]registry.Registration, error) {
	return func(r *registry.Registry) ([]registry.Registration, error) {
		return []registry.Registration{
			{
				EventName: "state:set",
				Summary:   "Stores a value under a namespace/key pair.",
				Parameters: []registry.ParamSpec{
					{Name: "namespace", Type: "string", Required: true},
					{Name: "key", Type: "string", Required: true},
					{Name: "value", Type: "any", Required: true},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					namespace, key, ok := namespaceAndKey(data)
					if !ok {
						return nil, ksierr.New(ksierr.InvalidEvent, "namespace and key are required")
					}
					store.Set(namespace, key, data["value"])
					return map[string]any{"namespace": namespace, "key": key}, nil
				},
			},
			{
				EventName: "state:get",
				Summary:   "Retrieves the value stored under a namespace/key pair.",
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					namespace, key, ok := namespaceAndKey(data)
					if !ok {
						return nil, ksierr.New(ksierr.InvalidEvent, "namespace and key are required")
					}
					value, found := store.Get(namespace, key)
					if !found {
						return nil, ksierr.New(ksierr.NotFound, "no value for "+namespace+":"+key)
					}
					return map[string]any{"namespace": namespace, "key": key, "value": value}, nil
				},
			},
			{
				EventName: "state:delete",
				Summary:   "Removes a namespace/key pair.",
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					namespace, key, ok := namespaceAndKey(data)
					if !ok {
						return nil, ksierr.New(ksierr.InvalidEvent, "namespace and key are required")
					}
					store.Delete(namespace, key)
					return map[string]any{"namespace": namespace, "key": key}, nil
				},
			},
			{
				EventName: "state:entity:query",
				Summary:   "Queries entities by type and/or a single property value.",
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					filter := EntityFilter{
						Type: stringField(data, "type"),
						Prop: stringField(data, "property"),
					}
					if v, ok := data["value"]; ok {
						filter.Value = v
					}
					entities := store.EntityQuery(filter)
					return map[string]any{"entities": entitiesToWire(entities)}, nil
				},
			},
			{
				EventName: "state:relationship:query",
				Summary:   "Queries relationships by from/to/type.",
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					filter := RelationshipFilter{
						From: stringField(data, "from"),
						To:   stringField(data, "to"),
						Type: stringField(data, "type"),
					}
					rels := store.RelationshipQuery(filter)
					return map[string]any{"relationships": relationshipsToWire(rels)}, nil
				},
			},
			{
				EventName: "state:graph:traverse",
				Summary:   "Walks the entity graph from a starting id up to a given depth.",
				Parameters: []registry.ParamSpec{
					{Name: "start_id", Type: "string", Required: true},
					{Name: "direction", Type: "string", Required: false, Description: "outgoing|incoming|both"},
					{Name: "depth", Type: "int", Required: false},
					{Name: "relationship_type", Type: "string", Required: false},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					startID := stringField(data, "start_id")
					if startID == "" {
						return nil, ksierr.New(ksierr.InvalidEvent, "start_id is required")
					}
					direction := TraverseDirection(stringField(data, "direction"))
					depth := intField(data, "depth", 1)
					relType := stringField(data, "relationship_type")
					entities, err := store.GraphTraverse(startID, direction, depth, relType)
					if err != nil {
						return nil, err
					}
					return map[string]any{"entities": entitiesToWire(entities)}, nil
				},
			},
			{
				EventName: "async_state:push",
				Summary:   "Appends a value to a persistent async_state queue.",
				Parameters: []registry.ParamSpec{
					{Name: "namespace", Type: "string", Required: true},
					{Name: "key", Type: "string", Required: true},
					{Name: "value", Type: "object", Required: true},
					{Name: "ttl_seconds", Type: "int", Required: false},
				},
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					namespace, key, ok := namespaceAndKey(data)
					if !ok {
						return nil, ksierr.New(ksierr.InvalidEvent, "namespace and key are required")
					}
					value, _ := data["value"].(map[string]any)
					ttl := time.Duration(intField(data, "ttl_seconds", 0)) * time.Second
					if err := async.Push(ctx, namespace, key, value, ttl); err != nil {
						return nil, err
					}
					return map[string]any{"namespace": namespace, "key": key}, nil
				},
			},
			{
				EventName: "async_state:pop",
				Summary:   "Removes and returns the oldest non-expired item in an async_state queue.",
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					namespace, key, ok := namespaceAndKey(data)
					if !ok {
						return nil, ksierr.New(ksierr.InvalidEvent, "namespace and key are required")
					}
					item, err := async.Pop(ctx, namespace, key)
					if err != nil {
						return nil, err
					}
					if item == nil {
						return map[string]any{"namespace": namespace, "key": key, "item": nil}, nil
					}
					return map[string]any{"namespace": namespace, "key": key, "item": item.Value}, nil
				},
			},
			{
				EventName: "async_state:get_queue",
				Summary:   "Returns every non-expired item in an async_state queue without removing them.",
				Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
					namespace, key, ok := namespaceAndKey(data)
					if !ok {
						return nil, ksierr.New(ksierr.InvalidEvent, "namespace and key are required")
					}
					items, err := async.GetQueue(ctx, namespace, key)
					if err != nil {
						return nil, err
					}
					values := make([]map[string]any, len(items))
					for i, item := range items {
						values[i] = item.Value
					}
					return map[string]any{"namespace": namespace, "key": key, "items": values}, nil
				},
			},
		}, nil
	}
}

func namespaceAndKey(data map[string]any) (namespace, key string, ok bool) {
	namespace = stringField(data, "namespace")
	key = stringField(data, "key")
	return namespace, key, namespace != "" && key != ""
}

func stringField(data map[string]any, field string) string {
	v, _ := data[field].(string)
	return v
}

func intField(data map[string]any, field string, def int) int {
	switch v := data[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func entitiesToWire(entities []Entity) []map[string]any {
	out := make([]map[string]any, len(entities))
	for i, e := range entities {
		out[i] = map[string]any{"id": e.ID, "type": e.Type, "properties": e.Properties}
	}
	return out
}

func relationshipsToWire(rels []Relationship) []map[string]any {
	out := make([]map[string]any, len(rels))
	for i, r := range rels {
		out[i] = map[string]any{"from": r.From, "to": r.To, "type": r.Type, "properties": r.Properties}
	}
	return out
}
