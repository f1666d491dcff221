package fieldpath

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, raw string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestGet_NestedObject(t *testing.T) {
	root := parse(t, `{"choices":[{"message":{"content":"hi"}}]}`)
	v, ok := GetString(root, "choices.0.message.content")
	require.True(t, ok)
	assert.Equal(t, "hi", v)
}

func TestGet_ArrayIndex(t *testing.T) {
	root := parse(t, `{"data":[{"embedding":[1,2,3]}]}`)
	v, ok := Get(root, "data.0.embedding")
	require.True(t, ok)
	assert.Equal(t, []interface{}{1.0, 2.0, 3.0}, v)
}

func TestGet_WildcardFirstMatch(t *testing.T) {
	root := parse(t, `{"choices":[{"text":"first"},{"text":"second"}]}`)
	v, ok := GetString(root, "choices.*.text")
	require.True(t, ok)
	assert.Equal(t, "first", v)
}

func TestGet_MissingPathReturnsFalse(t *testing.T) {
	root := parse(t, `{"choices":[{"message":{"content":"hi"}}]}`)
	_, ok := Get(root, "choices.0.message.reasoning_content")
	assert.False(t, ok)
}

func TestGet_IndexOutOfRange(t *testing.T) {
	root := parse(t, `{"choices":[{"text":"only"}]}`)
	_, ok := Get(root, "choices.5.text")
	assert.False(t, ok)
}

func TestGet_WildcardOnEmptyArray(t *testing.T) {
	root := parse(t, `{"choices":[]}`)
	_, ok := Get(root, "choices.*.text")
	assert.False(t, ok)
}

func TestGetNumber(t *testing.T) {
	root := parse(t, `{"usage":{"prompt_tokens":42}}`)
	n, ok := GetNumber(root, "usage.prompt_tokens")
	require.True(t, ok)
	assert.Equal(t, float64(42), n)
}

func TestGet_EmptyPath(t *testing.T) {
	_, ok := Get(map[string]interface{}{}, "")
	assert.False(t, ok)
}

func TestSet_TopLevelField(t *testing.T) {
	root := map[string]interface{}{}
	require.NoError(t, Set(root, "prompt", "hello"))
	assert.Equal(t, "hello", root["prompt"])
}

func TestSet_NestedArrayIndex(t *testing.T) {
	root := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"role": "user"},
		},
	}
	require.NoError(t, Set(root, "messages.0.content", "describe this image"))
	msgs := root["messages"].([]interface{})
	msg := msgs[0].(map[string]interface{})
	assert.Equal(t, "describe this image", msg["content"])
	assert.Equal(t, "user", msg["role"])
}

func TestSet_GrowsArrayAsNeeded(t *testing.T) {
	root := map[string]interface{}{}
	require.NoError(t, Set(root, "messages.1.content", "second"))
	msgs := root["messages"].([]interface{})
	require.Len(t, msgs, 2)
	second := msgs[1].(map[string]interface{})
	assert.Equal(t, "second", second["content"])
}

func TestSet_EmptyPathErrors(t *testing.T) {
	err := Set(map[string]interface{}{}, "", "x")
	assert.Error(t, err)
}
