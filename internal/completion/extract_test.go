package completion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractEvents_ValidObjectIsExtracted(t *testing.T) {
	text := `here is my update: {"event": "state:set", "data": {"key": "test1", "value": "valid"}} thanks`
	events, malformed := extractEvents(text)
	require.Len(t, events, 1)
	assert.Empty(t, malformed)
	assert.Equal(t, "state:set", events[0].Name)
	assert.Equal(t, "test1", events[0].Data["key"])
}

func TestExtractEvents_SingleQuotedObjectIsMalformed(t *testing.T) {
	text := `{'event': 'state:set', 'data': {'key': 'test2', 'value': 'bad'}}`
	events, malformed := extractEvents(text)
	assert.Empty(t, events)
	require.Len(t, malformed, 1)
	assert.Contains(t, malformed[0], "single quotes")
}

func TestExtractEvents_TrailingCommaObjectIsMalformed(t *testing.T) {
	text := `{"event": "state:set", "data": {"key": "test3",}}`
	events, malformed := extractEvents(text)
	assert.Empty(t, events)
	require.Len(t, malformed, 1)
	assert.Contains(t, malformed[0], "trailing comma")
}

func TestExtractEvents_MixedValidAndTwoMalformed(t *testing.T) {
	text := `{"event": "state:set", "data": {"key": "test1", "value": "valid"}}
` + `{'event': 'state:set', 'data': {'key': 'test2'}}
` + `{"event": "state:set", "data": {"key": "test3",}}`

	events, malformed := extractEvents(text)
	require.Len(t, events, 1)
	require.Len(t, malformed, 2)
}

func TestExtractEvents_IgnoresObjectsWithoutEventField(t *testing.T) {
	text := `{"key": "value", "nested": {"a": 1}}`
	events, malformed := extractEvents(text)
	assert.Empty(t, events)
	assert.Empty(t, malformed)
}

func TestFindBraceBalancedObjects_IgnoresBracesInsideQuotedStrings(t *testing.T) {
	text := `{"event": "demo", "data": {"note": "contains a } brace"}}`
	objs := findBraceBalancedObjects(text)
	require.Len(t, objs, 1)
	assert.Equal(t, text, objs[0])
}
