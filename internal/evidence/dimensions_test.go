package evidence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDimensions_EmptyBlocksEncodeAsObjects(t *testing.T) {
	data, err := json.Marshal(Dimensions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"semantic":{},"algorithmic":{},"reasoning":{},"interactional":{},"ethical":{},"procedural":{}}`, string(data))

	var d Dimensions
	require.NoError(t, json.Unmarshal(data, &d))
	assert.True(t, d.Semantic.Empty())
}

func TestBlock_KnownSchemaDecodesTyped(t *testing.T) {
	in := NewBlock(SchemaEthical, &Ethical{Semaphore: "amber", Contract: "give-graduated-hint", Reasons: []string{"hint"}})
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Block
	require.NoError(t, json.Unmarshal(data, &out))
	e, ok := PayloadAs[Ethical](out)
	require.True(t, ok)
	assert.Equal(t, "amber", e.Semaphore)
	assert.Equal(t, []string{"hint"}, e.Reasons)

	_, ok = PayloadAs[Procedural](out)
	assert.False(t, ok)
}

func TestBlock_PreservesUnknownFieldsAndSchemas(t *testing.T) {
	raw := `{"schema":"algorithmic/v1","payload":{"code_fences":2,"looks_like_code":true,"ast_nodes":41}}`
	var b Block
	require.NoError(t, json.Unmarshal([]byte(raw), &b))
	alg, ok := PayloadAs[Algorithmic](b)
	require.True(t, ok)
	assert.Equal(t, 2, alg.CodeFences)
	assert.Contains(t, b.Extra, "ast_nodes")

	again, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(again))

	foreign := `{"schema":"vendor.custom/v3","payload":{"score":0.7,"labels":["a"]}}`
	var f Block
	require.NoError(t, json.Unmarshal([]byte(foreign), &f))
	assert.Nil(t, f.Payload)
	out, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, foreign, string(out))
}
