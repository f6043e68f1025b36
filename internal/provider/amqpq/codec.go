package amqpq

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"

	"github.com/rendis/jobflow/pkg/schema"
)

// Reply is the message a worker sends back on the job's reply queue.
// JobResult keeps its errors out of its own JSON form, so they travel here.
type Reply struct {
	Result         *schema.JobResult            `json:"result,omitempty"`
	Errors         *schema.ErrorInfo            `json:"errors,omitempty"`
	StrategyErrors map[string]*schema.ErrorInfo `json:"strategy_errors,omitempty"`
	Fault          *schema.ErrorInfo            `json:"fault,omitempty"` // the worker could not run the job
}

func replyFor(res *schema.JobResult, err error) *Reply {
	if err != nil {
		return &Reply{Fault: schema.ErrorInfoFrom(err)}
	}
	return &Reply{Result: res, Errors: res.Errors, StrategyErrors: res.StrategyErrors}
}

// JobResult restores the result with its errors.
func (r *Reply) JobResult() *schema.JobResult {
	if r.Result == nil {
		return nil
	}
	res := r.Result
	res.Errors = r.Errors
	res.StrategyErrors = r.StrategyErrors
	return res
}

// decode unmarshals JSON keeping integers as int, so values read the same
// on both sides of the queue.
func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	normalizeValue(reflect.ValueOf(v))
	return nil
}

func normalizeValue(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			normalizeValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanSet() {
				normalizeValue(f)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			normalizeValue(v.Index(i))
		}
	case reflect.Map:
		if v.IsNil() {
			return
		}
		iter := v.MapRange()
		for iter.Next() {
			elem := reflect.New(v.Type().Elem()).Elem()
			elem.Set(iter.Value())
			normalizeValue(elem)
			v.SetMapIndex(iter.Key(), elem)
		}
	case reflect.Interface:
		if !v.IsNil() && v.CanSet() {
			v.Set(reflect.ValueOf(normalizeAny(v.Elem().Interface())))
		}
	}
}

func normalizeAny(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return int(n)
		}
		f, _ := x.Float64()
		return f
	case float64:
		// JobResult decodes its own body without UseNumber.
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int(x)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeAny(x[i])
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeAny(e)
		}
		return x
	default:
		return v
	}
}

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
