package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/jobflow/pkg/schema"
)

// datetimeLayouts are tried in order when a datetime param arrives as text.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// CastParams validates raw input against the declared parameters and
// returns the typed values. Defaults fill missing optional params; a choice
// without a default falls back to its first option. Any failure is a
// ParameterValidationError listing every offending param.
func CastParams(decls map[string]schema.ParamDefinition, raw map[string]any) (map[string]any, error) {
	var problems []string

	for name := range raw {
		if _, ok := decls[name]; !ok {
			problems = append(problems, fmt.Sprintf("%s: undeclared parameter", name))
		}
	}

	names := make([]string, 0, len(decls))
	for name := range decls {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]any, len(decls))
	for _, name := range names {
		decl := decls[name]
		v, present := raw[name]
		if !present || v == nil {
			switch {
			case decl.Default != nil:
				v = decl.Default
			case decl.Type == schema.ParamTypeChoice && len(decl.Options) > 0 && !decl.Required:
				v = decl.Options[0]
			case decl.Required:
				problems = append(problems, fmt.Sprintf("%s: required parameter is missing", name))
				continue
			default:
				continue
			}
		}
		typed, err := CastParam(decl, v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		out[name] = typed
	}

	if len(problems) == 0 {
		if err := validateParamSchema(decls, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	sort.Strings(problems)
	msg := problems[0]
	if len(problems) > 1 {
		msg = fmt.Sprintf("%d invalid parameters: %s", len(problems), strings.Join(problems, "; "))
	}
	return nil, schema.NewError(schema.ErrCodeParameterValidation, msg).
		WithDetails(map[string]any{"violations": problems})
}

// CastParam converts a single value to the declared type.
func CastParam(decl schema.ParamDefinition, v any) (any, error) {
	switch decl.Type {
	case schema.ParamTypeString:
		return castString(v)
	case schema.ParamTypeInt:
		return castInt(v)
	case schema.ParamTypeFloat:
		return castFloat(v)
	case schema.ParamTypeBool:
		return castBool(v)
	case schema.ParamTypeDatetime:
		return castDatetime(v)
	case schema.ParamTypeChoice:
		return castChoice(decl.Options, v)
	case schema.ParamTypeArray:
		return castArray(v)
	case schema.ParamTypeMap:
		return castMap(v)
	default:
		return nil, fmt.Errorf("unknown parameter type %q", decl.Type)
	}
}

func castString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case fmt.Stringer:
		return x.String(), nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return fmt.Sprint(x), nil
	default:
		return nil, fmt.Errorf("cannot use %T as str", v)
	}
}

func castInt(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return int(reflect.ValueOf(x).Convert(reflect.TypeOf(int64(0))).Int()), nil
	case float32:
		return castInt(float64(x))
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%v is not an integer", x)
		}
		return int(x), nil
	case json.Number:
		return castInt(x.String())
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", x)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("cannot use %T as int", v)
	}
}

func castFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return reflect.ValueOf(x).Convert(reflect.TypeOf(float64(0))).Float(), nil
	case json.Number:
		return castFloat(x.String())
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", x)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cannot use %T as float", v)
	}
}

func castBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "1", "yes", "y", "on":
			return true, nil
		case "false", "f", "0", "no", "n", "off":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", x)
	case int:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	}
	return nil, fmt.Errorf("cannot use %v (%T) as bool", v, v)
}

func castDatetime(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range datetimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("%q is not a datetime", x)
	default:
		return nil, fmt.Errorf("cannot use %T as datetime", v)
	}
}

// castChoice returns the matching option itself so the param keeps the
// option's type even when the input arrived as text.
func castChoice(options []any, v any) (any, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("choice declares no options")
	}
	for _, opt := range options {
		if reflect.DeepEqual(opt, v) {
			return opt, nil
		}
	}
	want := fmt.Sprint(v)
	for _, opt := range options {
		if fmt.Sprint(opt) == want {
			return opt, nil
		}
	}
	return nil, fmt.Errorf("%v is not one of %v", v, options)
}

func castArray(v any) (any, error) {
	switch x := v.(type) {
	case []any:
		return schema.DeepCopyValue(x), nil
	case string:
		var out []any
		if err := json.Unmarshal([]byte(x), &out); err != nil {
			return nil, fmt.Errorf("%q is not a JSON array", x)
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("cannot use %T as array", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func castMap(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		return schema.DeepCopyMap(x), nil
	case string:
		var out map[string]any
		if err := json.Unmarshal([]byte(x), &out); err != nil || out == nil {
			return nil, fmt.Errorf("%q is not a JSON object", x)
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("cannot use %T as map", v)
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, nil
}
