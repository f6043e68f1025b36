package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// parseParams merges a JSON params file with KEY=VALUE pairs; pairs win.
// Values stay strings and are cast against the workflow's declarations by
// the engine.
func parseParams(file string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read params file: %w", err)
		}
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("parse params file %s: %w", file, err)
		}
	}
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid param %q, expected KEY=VALUE", kv)
		}
		params[strings.TrimSpace(k)] = v
	}
	return params, nil
}
