package store

import (
	"encoding/json"
	"fmt"
)

// runColumnsJSON holds the JSON-encoded columns of a run row.
type runColumnsJSON struct {
	params  json.RawMessage
	errInfo json.RawMessage
	context json.RawMessage
}

func encodeRun(run *Run) (runColumnsJSON, error) {
	var cols runColumnsJSON
	if run.ID == "" {
		return cols, fmt.Errorf("save run: empty id")
	}
	if run.Context == nil {
		return cols, fmt.Errorf("save run %s: nil context", run.ID)
	}
	var err error
	if len(run.Params) > 0 {
		if cols.params, err = json.Marshal(run.Params); err != nil {
			return cols, fmt.Errorf("marshal params: %w", err)
		}
	}
	if run.Error != nil {
		if cols.errInfo, err = json.Marshal(run.Error); err != nil {
			return cols, fmt.Errorf("marshal error: %w", err)
		}
	}
	if cols.context, err = json.Marshal(run.Context); err != nil {
		return cols, fmt.Errorf("marshal context: %w", err)
	}
	return cols, nil
}

func decodeRun(run *Run, params, errInfo, ctxJSON json.RawMessage) error {
	if len(params) > 0 {
		if err := json.Unmarshal(params, &run.Params); err != nil {
			return fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if len(errInfo) > 0 {
		if err := json.Unmarshal(errInfo, &run.Error); err != nil {
			return fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &run.Context); err != nil {
			return fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return nil
}
