package expressions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyFilter(t *testing.T, name string, v any, args ...any) any {
	t.Helper()
	fn, ok := NewFilterRegistry(nil).Lookup(name)
	require.True(t, ok, name)
	out, err := fn(v, args)
	require.NoError(t, err)
	return out
}

func TestFilters_Strings(t *testing.T) {
	assert.Equal(t, "HELLO", applyFilter(t, "upper", "hello"))
	assert.Equal(t, "hello", applyFilter(t, "lower", "HeLLo"))
	assert.Equal(t, "Hello Big-World", applyFilter(t, "title", "hello big-world"))
	assert.Equal(t, "x", applyFilter(t, "trim", "  x \n"))
	assert.Equal(t, "42", applyFilter(t, "str", 42))
	assert.Equal(t, []any{"a", "b"}, applyFilter(t, "split", "a,b", ","))
}

func TestFilters_Default(t *testing.T) {
	assert.Equal(t, "d", applyFilter(t, "default", nil, "d"))
	assert.Equal(t, "d", applyFilter(t, "default", "", "d"))
	assert.Equal(t, 0, applyFilter(t, "default", 0, "d"))
}

func TestFilters_Numbers(t *testing.T) {
	assert.Equal(t, 12, applyFilter(t, "int", "12"))
	assert.Equal(t, 3, applyFilter(t, "int", 3.9))
	assert.Equal(t, 2.5, applyFilter(t, "float", "2.5"))
	assert.Equal(t, 4, applyFilter(t, "abs", -4))
	assert.Equal(t, 1.5, applyFilter(t, "abs", -1.5))
}

func TestFilters_Collections(t *testing.T) {
	assert.Equal(t, 3, applyFilter(t, "length", []any{1, 2, 3}))
	assert.Equal(t, 2, applyFilter(t, "length", map[string]any{"a": 1, "b": 2}))
	assert.Equal(t, 4, applyFilter(t, "length", "día!"))
	assert.Equal(t, []any{"a", "b"}, applyFilter(t, "keys", map[string]any{"b": 1, "a": 2}))
	assert.Equal(t, "1|2", applyFilter(t, "join", []any{1, 2}, "|"))
	assert.Equal(t, `{"a":1}`, applyFilter(t, "json", map[string]any{"a": 1}))
}

func TestFilters_Date(t *testing.T) {
	ts := time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-02-29", applyFilter(t, "date", ts, "2006-01-02"))
	assert.Equal(t, "29/02/2024", applyFilter(t, "date", "2024-02-29T10:00:00Z", "02/01/2006"))
	assert.Equal(t, "2024-02-29T10:00:00Z", applyFilter(t, "date", ts))
}

func TestFilters_JQ(t *testing.T) {
	out := applyFilter(t, "jq", map[string]any{"rows": []any{1, 2, 3}}, ".rows | length")
	assert.Equal(t, 3, out)
}

func TestFilters_ArgumentErrors(t *testing.T) {
	r := NewFilterRegistry(nil)

	fn, _ := r.Lookup("default")
	_, err := fn(nil, nil)
	assert.Error(t, err)

	fn, _ = r.Lookup("replace")
	_, err = fn("x", []any{"a"})
	assert.Error(t, err)

	fn, _ = r.Lookup("keys")
	_, err = fn([]any{}, nil)
	assert.Error(t, err)
}

func TestFilterRegistry_Register(t *testing.T) {
	r := NewFilterRegistry(nil)
	r.Register("double", func(v any, _ []any) (any, error) { return v.(int) * 2, nil })

	res := NewResolver(r)
	out, err := res.ResolveString("${{ params.n | double }}", map[string]any{"params": map[string]any{"n": 21}})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Contains(t, r.Names(), "double")
}
