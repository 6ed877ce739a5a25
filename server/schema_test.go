package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleArgs struct {
	Query   string   `json:"query" description:"What to look for"`
	Limit   int      `json:"limit"`
	Exact   bool     `json:"exact"`
	Scope   *string  `json:"scope" enum:"local, global"`
	Weight  *float64 `json:"weight"`
	ignored string
	Skipped string `json:"-"`
}

func TestSchemaFromStruct(t *testing.T) {
	schema := SchemaFromStruct(sampleArgs{})

	assert.Equal(t, "object", schema.Type)
	assert.ElementsMatch(t, []string{"query", "limit", "exact"}, schema.Required)
	require.Len(t, schema.Properties, 5)

	assert.Equal(t, "string", schema.Properties["query"].Type)
	assert.Equal(t, "What to look for", schema.Properties["query"].Description)
	assert.Equal(t, "integer", schema.Properties["limit"].Type)
	assert.Equal(t, "boolean", schema.Properties["exact"].Type)
	assert.Equal(t, "number", schema.Properties["weight"].Type)
	assert.Equal(t, []interface{}{"local", "global"}, schema.Properties["scope"].Enum)

	_, hasIgnored := schema.Properties["ignored"]
	assert.False(t, hasIgnored, "unexported fields are skipped")
	_, hasSkipped := schema.Properties["Skipped"]
	assert.False(t, hasSkipped, "json:\"-\" fields are skipped")
}

func TestSchemaFromStructPointer(t *testing.T) {
	schema := SchemaFromStruct(&sampleArgs{})
	assert.Equal(t, "object", schema.Type)
	assert.Len(t, schema.Properties, 5)
}

func TestDecodeArguments(t *testing.T) {
	var p sampleArgs
	err := DecodeArguments(map[string]interface{}{
		"query": "find me",
		"limit": float64(3),
		"exact": true,
	}, &p)
	require.NoError(t, err)
	assert.Equal(t, "find me", p.Query)
	assert.Equal(t, 3, p.Limit)
	assert.True(t, p.Exact)
	assert.Nil(t, p.Scope)
}
