package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rendis/jobflow/internal/expressions"
	"github.com/rendis/jobflow/internal/isolation"
	"github.com/rendis/jobflow/internal/runctx"
	"github.com/rendis/jobflow/pkg/schema"
)

// Reserved output keys a stage body may set.
const (
	keyOutputs = "outputs"
	keyErrors  = "errors"
)

func (e *Executor) runEmpty(ctx context.Context, stage *schema.StageDefinition, view *runctx.View) *schema.StageResult {
	data := view.Data()
	if stage.Echo != "" {
		msg, err := e.resolver.ResolveToString(stage.Echo, data)
		if err != nil {
			return schema.StageFailed(err)
		}
		e.sink.Info(ctx, msg, "stage", stage.ID)
	}
	if stage.Sleep != "" {
		raw, err := e.resolver.ResolveToString(stage.Sleep, data)
		if err != nil {
			return schema.StageFailed(err)
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return schema.StageFailed(schema.NewErrorf(schema.ErrCodeValidation, "stage %q: invalid sleep %q", stage.ID, raw))
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return schema.StageFailed(timeoutError(stage))
		}
	}
	return schema.StageSuccess(nil)
}

func (e *Executor) runShell(ctx context.Context, stage *schema.StageDefinition, view *runctx.View) *schema.StageResult {
	data := view.Data()
	script, err := e.resolver.ResolveToString(stage.Run, data)
	if err != nil {
		return schema.StageFailed(err)
	}
	shell, err := e.resolver.ResolveToString(stage.Shell, data)
	if err != nil {
		return schema.StageFailed(err)
	}
	env, err := e.shellEnv(view, stage.Env)
	if err != nil {
		return schema.StageFailed(err)
	}

	res, err := isolation.Run(ctx, e.isolator, isolation.Script{Source: script, Shell: shell, Env: env}, isolation.Limits{})
	if err != nil {
		return schema.StageFailed(schema.NewErrorf(schema.ErrNameShell, "stage %q: %s", stage.ID, err.Error()).WithCause(err))
	}
	if res.Killed && ctx.Err() != nil {
		return schema.StageFailed(timeoutError(stage))
	}

	base := map[string]any{
		"return_code": res.ExitCode,
		"stdout":      strings.TrimRight(res.Stdout, "\n"),
		"stderr":      strings.TrimRight(res.Stderr, "\n"),
	}
	if res.ExitCode != 0 {
		msg := fmt.Sprintf("stage %q exited with status %d", stage.ID, res.ExitCode)
		if tail := lastLine(res.Stderr); tail != "" {
			msg += ": " + tail
		}
		return &schema.StageResult{
			Status:  schema.StatusFailed,
			Outputs: base,
			Errors:  &schema.ErrorInfo{Name: schema.ErrNameShell, Message: msg},
		}
	}

	// A JSON object printed on stdout is merged as user outputs.
	var user map[string]any
	if trimmed := strings.TrimSpace(res.Stdout); strings.HasPrefix(trimmed, "{") {
		if json.Unmarshal([]byte(trimmed), &user) != nil {
			user = nil
		}
	}
	return normalize(base, user)
}

// shellEnv resolves the stage env over the view's env root.
func (e *Executor) shellEnv(view *runctx.View, stageEnv map[string]string) (map[string]string, error) {
	out := make(map[string]string)
	for k, v := range view.Env() {
		out[k] = expressions.Stringify(v)
	}
	keys := make([]string, 0, len(stageEnv))
	for k := range stageEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := view.Data()
	for _, k := range keys {
		v, err := e.resolver.ResolveToString(stageEnv[k], data)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (e *Executor) runCode(ctx context.Context, stage *schema.StageDefinition, view *runctx.View) *schema.StageResult {
	data := view.Data()
	src := stage.Run
	if expressions.HasTemplate(src) {
		resolved, err := e.resolver.ResolveToString(src, data)
		if err != nil {
			return schema.StageFailed(err)
		}
		src = resolved
	}

	var engine expressions.Engine
	switch stage.Lang {
	case "", "expr":
		engine = e.expr
	case "jq":
		engine = e.jq
	default:
		return schema.StageFailed(schema.NewErrorf(schema.ErrCodeValidation, "stage %q: unsupported lang %q", stage.ID, stage.Lang))
	}

	out, err := engine.Evaluate(ctx, src, data)
	if err != nil {
		return schema.StageFailed(err)
	}
	if ctx.Err() != nil {
		return schema.StageFailed(timeoutError(stage))
	}

	switch v := out.(type) {
	case nil:
		return schema.StageSuccess(nil)
	case map[string]any:
		return normalize(nil, v)
	default:
		return schema.StageSuccess(map[string]any{"result": v})
	}
}

// normalize applies the reserved-key rule to user-set keys layered over the
// kind's native outputs: `outputs` is merged first, any other key is merged
// into outputs, and a non-null `errors` fails the stage.
func normalize(base, user map[string]any) *schema.StageResult {
	outputs := make(map[string]any, len(base)+len(user))
	for k, v := range base {
		outputs[k] = v
	}
	if o, ok := user[keyOutputs].(map[string]any); ok {
		for k, v := range o {
			outputs[k] = v
		}
	} else if raw, ok := user[keyOutputs]; ok && raw != nil {
		outputs[keyOutputs] = raw
	}
	for k, v := range user {
		if k == keyOutputs || k == keyErrors {
			continue
		}
		outputs[k] = v
	}

	if raw, ok := user[keyErrors]; ok && raw != nil {
		return &schema.StageResult{
			Status:  schema.StatusFailed,
			Outputs: schema.DeepCopyMap(outputs),
			Errors:  errorInfoFromValue(raw),
		}
	}
	return schema.StageSuccess(schema.DeepCopyMap(outputs))
}

func errorInfoFromValue(v any) *schema.ErrorInfo {
	if m, ok := v.(map[string]any); ok {
		info := &schema.ErrorInfo{Name: schema.ErrNameStage}
		if name, ok := m["name"].(string); ok && name != "" {
			info.Name = name
		}
		if msg, ok := m["message"].(string); ok {
			info.Message = msg
		} else {
			info.Message = expressions.Stringify(m)
		}
		return info
	}
	return &schema.ErrorInfo{Name: schema.ErrNameStage, Message: expressions.Stringify(v)}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
