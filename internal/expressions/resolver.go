package expressions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rendis/jobflow/pkg/schema"
)

const (
	openDelim  = "${{"
	closeDelim = "}}"
)

// Resolver resolves ${{ ... }} templates against the root namespaces of a
// read view (params, stages, jobs, matrix, env, ...). It only reads; the data
// handed in is never modified.
type Resolver struct {
	filters *FilterRegistry

	mu    sync.RWMutex
	cache map[string]*expression
}

// NewResolver creates a Resolver. A nil registry gets the built-in filters.
func NewResolver(filters *FilterRegistry) *Resolver {
	if filters == nil {
		filters = NewFilterRegistry(nil)
	}
	return &Resolver{filters: filters, cache: make(map[string]*expression)}
}

// HasTemplate reports whether s contains a ${{ segment.
func HasTemplate(s string) bool {
	return strings.Contains(s, openDelim)
}

// Resolve walks maps and sequences and resolves every string leaf. Values
// without templates are returned unchanged, which makes resolution idempotent.
func (r *Resolver) Resolve(value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.ResolveString(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := r.Resolve(item, data)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.Resolve(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveString resolves one template string. A string that is exactly one
// expression keeps the native type of its value; anything else is
// stringified and concatenated.
func (r *Resolver) ResolveString(tmpl string, data map[string]any) (any, error) {
	if !HasTemplate(tmpl) {
		return tmpl, nil
	}

	var out strings.Builder
	out.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], openDelim)
		if idx == -1 {
			out.WriteString(tmpl[i:])
			break
		}
		out.WriteString(tmpl[i : i+idx])
		start := i + idx + len(openDelim)

		end := findClose(tmpl, start)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeTemplateResolution,
				"unclosed ${{ expression in %q", tmpl)
		}

		body := strings.TrimSpace(tmpl[start:end])
		val, err := r.evalSegment(body, data)
		if err != nil {
			return nil, err
		}

		// Exactly one expression and nothing around it: keep the native value.
		if i == 0 && idx == 0 && end+len(closeDelim) == len(tmpl) {
			return val, nil
		}
		out.WriteString(Stringify(val))
		i = end + len(closeDelim)
	}
	return out.String(), nil
}

// ResolveToString resolves a template and stringifies the result.
func (r *Resolver) ResolveToString(tmpl string, data map[string]any) (string, error) {
	v, err := r.ResolveString(tmpl, data)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// findClose finds the "}}" that ends the segment starting at start, skipping
// over quoted filter arguments.
func findClose(s string, start int) int {
	var quote byte
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			return i
		}
	}
	return -1
}

func (r *Resolver) evalSegment(body string, data map[string]any) (any, error) {
	if body == "" {
		return nil, schema.NewError(schema.ErrCodeTemplateResolution, "empty expression ${{ }}")
	}
	e, err := r.parse(body)
	if err != nil {
		return nil, err
	}
	val, err := walk(e, data)
	if err != nil {
		return nil, err
	}
	for _, f := range e.filters {
		fn, ok := r.filters.Lookup(f.name)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownFilter,
				"unknown filter %q in ${{ %s }}; available: [%s]", f.name, body, strings.Join(r.filters.Names(), ", ")).
				WithDetails(map[string]any{"expression": body, "filter": f.name})
		}
		val, err = fn(val, f.args)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTemplateResolution,
				"filter %q in ${{ %s }}: %s", f.name, body, err.Error()).WithCause(err)
		}
	}
	return val, nil
}

// parse returns a cached parse of body.
func (r *Resolver) parse(body string) (*expression, error) {
	r.mu.RLock()
	e, ok := r.cache[body]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	e, err := parseExpression(body)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[body] = e
	r.mu.Unlock()
	return e, nil
}

// walk follows the expression path from its root. A missing step marked
// optional turns the whole path into nil; any other missing step fails.
func walk(e *expression, data map[string]any) (any, error) {
	cur, ok := data[e.root]
	if !ok {
		if e.rootOptional {
			return nil, nil
		}
		roots := sortedKeys(data)
		return nil, schema.NewErrorf(schema.ErrCodeTemplateResolution,
			"unknown root %q in ${{ %s }}; available: [%s]", e.root, e.source, strings.Join(roots, ", ")).
			WithDetails(map[string]any{"expression": e.source, "missing": e.root, "available": roots})
	}

	walked := e.root
	for _, st := range e.steps {
		next, found := step(cur, st)
		if !found {
			if st.optional {
				return nil, nil
			}
			avail := availableKeys(cur)
			return nil, schema.NewErrorf(schema.ErrCodeTemplateResolution,
				"key %q not found at %s in ${{ %s }}; available: [%s]", st.String(), walked, e.source, strings.Join(avail, ", ")).
				WithDetails(map[string]any{"expression": e.source, "missing": st.String(), "path": walked, "available": avail})
		}
		cur = next
		if st.isIndex {
			walked += st.String()
		} else {
			walked += "." + st.key
		}
	}
	return cur, nil
}

func step(cur any, st pathStep) (any, bool) {
	key := st.key
	if st.isIndex {
		key = strconv.Itoa(st.index)
	}
	switch v := cur.(type) {
	case map[string]any:
		val, ok := v[key]
		return val, ok
	case map[string]string:
		val, ok := v[key]
		return val, ok
	case []any:
		return indexSlice(len(v), st, func(i int) any { return v[i] })
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Slice, reflect.Array:
		return indexSlice(rv.Len(), st, func(i int) any { return rv.Index(i).Interface() })
	}
	return nil, false
}

func indexSlice(n int, st pathStep, at func(int) any) (any, bool) {
	i := st.index
	if !st.isIndex {
		parsed, err := strconv.Atoi(st.key)
		if err != nil {
			return nil, false
		}
		i = parsed
	}
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return nil, false
	}
	return at(i), true
}

func availableKeys(v any) []string {
	switch m := v.(type) {
	case map[string]any:
		return sortedKeys(m)
	case map[string]string:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	case []any:
		return []string{fmt.Sprintf("0..%d", len(m)-1)}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stringify renders a resolved value for concatenation into a larger string.
func Stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.Format(time.RFC3339)
	case json.RawMessage:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
