package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// FilterFunc is a pure function applied to a resolved value: `value | name(args)`.
type FilterFunc func(value any, args []any) (any, error)

// FilterRegistry maps filter names to functions. Safe for concurrent use.
type FilterRegistry struct {
	mu      sync.RWMutex
	filters map[string]FilterFunc
}

// NewFilterRegistry returns a registry holding the built-in filters. The jq
// filter runs on jq; a nil engine gets a private one.
func NewFilterRegistry(jq *GoJQEngine) *FilterRegistry {
	if jq == nil {
		jq = NewGoJQEngine()
	}
	r := &FilterRegistry{filters: make(map[string]FilterFunc)}
	r.Register("upper", stringFilter(strings.ToUpper))
	r.Register("lower", stringFilter(strings.ToLower))
	r.Register("title", stringFilter(titleCase))
	r.Register("trim", stringFilter(strings.TrimSpace))
	r.Register("default", filterDefault)
	r.Register("str", func(v any, _ []any) (any, error) { return Stringify(v), nil })
	r.Register("int", filterInt)
	r.Register("float", filterFloat)
	r.Register("abs", filterAbs)
	r.Register("length", filterLength)
	r.Register("join", filterJoin)
	r.Register("split", filterSplit)
	r.Register("replace", filterReplace)
	r.Register("keys", filterKeys)
	r.Register("json", filterJSON)
	r.Register("date", filterDate)
	r.Register("jq", func(v any, args []any) (any, error) {
		query, err := stringArg(args, 0, "jq")
		if err != nil {
			return nil, err
		}
		return jq.Query(context.Background(), query, v)
	})
	return r
}

// Register adds or replaces a filter.
func (r *FilterRegistry) Register(name string, fn FilterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[name] = fn
}

// Lookup returns the filter registered under name.
func (r *FilterRegistry) Lookup(name string) (FilterFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.filters[name]
	return fn, ok
}

// Names returns the registered filter names, sorted.
func (r *FilterRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.filters))
	for n := range r.filters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func stringFilter(fn func(string) string) FilterFunc {
	return func(v any, _ []any) (any, error) {
		return fn(Stringify(v)), nil
	}
}

func titleCase(s string) string {
	runes := []rune(s)
	prevSpace := true
	for i, r := range runes {
		if prevSpace && unicode.IsLetter(r) {
			runes[i] = unicode.ToUpper(r)
		} else {
			runes[i] = unicode.ToLower(r)
		}
		prevSpace = unicode.IsSpace(r) || r == '-' || r == '_'
	}
	return string(runes)
}

func stringArg(args []any, i int, filter string) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%s expects argument %d", filter, i+1)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%s argument %d must be a string, got %T", filter, i+1, args[i])
	}
	return s, nil
}

func filterDefault(v any, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("default expects 1 argument, got %d", len(args))
	}
	if v == nil {
		return args[0], nil
	}
	if s, ok := v.(string); ok && s == "" {
		return args[0], nil
	}
	return v, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return 0, fmt.Errorf("cannot convert %T to a number", v)
}

func filterInt(v any, _ []any) (any, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, nil
		}
	}
	f, err := toFloat(v)
	if err != nil {
		return nil, err
	}
	return int(f), nil
}

func filterFloat(v any, _ []any) (any, error) {
	return toFloat(v)
}

func filterAbs(v any, _ []any) (any, error) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return -n, nil
		}
		return n, nil
	case int64:
		if n < 0 {
			return -n, nil
		}
		return n, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return nil, err
	}
	return math.Abs(f), nil
}

func filterLength(v any, _ []any) (any, error) {
	switch c := v.(type) {
	case nil:
		return 0, nil
	case string:
		return len([]rune(c)), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len(), nil
	}
	return nil, fmt.Errorf("length of %T is undefined", v)
}

func filterJoin(v any, args []any) (any, error) {
	sep := ","
	if len(args) > 0 {
		s, err := stringArg(args, 0, "join")
		if err != nil {
			return nil, err
		}
		sep = s
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("join expects a sequence, got %T", v)
	}
	parts := make([]string, rv.Len())
	for i := range parts {
		parts[i] = Stringify(rv.Index(i).Interface())
	}
	return strings.Join(parts, sep), nil
}

func filterSplit(v any, args []any) (any, error) {
	sep, err := stringArg(args, 0, "split")
	if err != nil {
		return nil, err
	}
	parts := strings.Split(Stringify(v), sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func filterReplace(v any, args []any) (any, error) {
	oldS, err := stringArg(args, 0, "replace")
	if err != nil {
		return nil, err
	}
	newS, err := stringArg(args, 1, "replace")
	if err != nil {
		return nil, err
	}
	return strings.ReplaceAll(Stringify(v), oldS, newS), nil
}

func filterKeys(v any, _ []any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("keys expects a mapping, got %T", v)
	}
	keys := sortedKeys(m)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out, nil
}

func filterJSON(v any, _ []any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// filterDate formats a time (or a parseable time string) with a Go layout.
func filterDate(v any, args []any) (any, error) {
	layout := time.RFC3339
	if len(args) > 0 {
		s, err := stringArg(args, 0, "date")
		if err != nil {
			return nil, err
		}
		layout = s
	}
	t, err := toTime(v)
	if err != nil {
		return nil, err
	}
	return t.Format(layout), nil
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", time.DateOnly}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t != nil {
			return *t, nil
		}
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as a time", t)
	case int:
		return time.Unix(int64(t), 0).UTC(), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to a time", v)
}
