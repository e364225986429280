package injection

import "time"

func injectionToMap(inj Injection) map[string]any {
	return map[string]any{
		"id":                inj.ID,
		"content":           inj.Content,
		"priority":          int(inj.Priority),
		"recurring":         inj.Recurring,
		"max_uses":          inj.MaxUses,
		"min_turns_between": inj.MinTurnsBetween,
	}
}

func injectionFromMap(m map[string]any) Injection {
	return Injection{
		ID:              stringField(m, "id"),
		Content:         stringField(m, "content"),
		Priority:        Priority(intField(m, "priority", int(PriorityNormal))),
		Recurring:       boolField(m, "recurring"),
		MaxUses:         intField(m, "max_uses", 0),
		MinTurnsBetween: intField(m, "min_turns_between", 0),
	}
}

func stringField(m map[string]any, field string) string {
	v, _ := m[field].(string)
	return v
}

func boolField(m map[string]any, field string) bool {
	v, _ := m[field].(bool)
	return v
}

func intField(m map[string]any, field string, def int) int {
	switch v := m[field].(type) {
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

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
