package filterrules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRules(t *testing.T, dir string, rules []Rule) string {
	t.Helper()
	data, err := json.Marshal(rules)
	require.NoError(t, err)
	p := filepath.Join(dir, "filter_rules.json")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestEngine_NoPathMeansNoOp(t *testing.T) {
	e, err := New("", nil)
	require.NoError(t, err)

	body := []byte(`{"a":1}`)
	assert.Equal(t, body, e.Apply(body))
}

func TestEngine_RemoveRuleDropsField(t *testing.T) {
	dir := t.TempDir()
	p := writeRules(t, dir, []Rule{{Op: OpRemove, Source: "metadata.api_key"}})

	e, err := New(p, nil)
	require.NoError(t, err)
	defer e.Close()

	body := []byte(`{"metadata":{"api_key":"secret","other":"x"}}`)
	out := e.Apply(body)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &doc))
	meta := doc["metadata"].(map[string]interface{})
	_, exists := meta["api_key"]
	assert.False(t, exists)
	assert.Equal(t, "x", meta["other"])
}

func TestEngine_ReplaceRuleCopiesValue(t *testing.T) {
	dir := t.TempDir()
	p := writeRules(t, dir, []Rule{{Op: OpReplace, Source: "old_field", Target: "new_field"}})

	e, err := New(p, nil)
	require.NoError(t, err)
	defer e.Close()

	body := []byte(`{"old_field":"value"}`)
	out := e.Apply(body)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "value", doc["new_field"])
}

func TestEngine_MissingSourceSkipsRuleWithoutError(t *testing.T) {
	dir := t.TempDir()
	p := writeRules(t, dir, []Rule{{Op: OpReplace, Source: "absent.field", Target: "x"}})

	e, err := New(p, nil)
	require.NoError(t, err)
	defer e.Close()

	body := []byte(`{"present":"yes"}`)
	out := e.Apply(body)
	assert.JSONEq(t, `{"present":"yes"}`, string(out))
}

func TestEngine_NonJSONBodyFallsBackUnfiltered(t *testing.T) {
	dir := t.TempDir()
	p := writeRules(t, dir, []Rule{{Op: OpRemove, Source: "x"}})

	e, err := New(p, nil)
	require.NoError(t, err)
	defer e.Close()

	body := []byte("not json")
	assert.Equal(t, body, e.Apply(body))
}

func TestEngine_ReloadPicksUpFileChange(t *testing.T) {
	dir := t.TempDir()
	p := writeRules(t, dir, []Rule{{Op: OpRemove, Source: "a"}})

	e, err := New(p, nil)
	require.NoError(t, err)
	defer e.Close()

	writeRules(t, dir, []Rule{{Op: OpRemove, Source: "b"}})
	require.NoError(t, e.reload())

	body := []byte(`{"a":1,"b":2}`)
	out := e.Apply(body)
	assert.JSONEq(t, `{"a":1}`, string(out))
}
