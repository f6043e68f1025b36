// Package loader reads workflow definitions from YAML or JSON files.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/jobflow/pkg/schema"
)

// Format of a definition document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the format from a file extension. Unknown extensions are
// read as YAML, which also accepts most JSON.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// LoadFile reads and decodes one workflow file. A missing name defaults to
// the file's base name.
func LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read workflow %s: %v", path, err).WithCause(err)
	}
	wf, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if wf.Name == "" {
		base := filepath.Base(path)
		wf.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return wf, nil
}

// Parse decodes a workflow document. Unknown fields are rejected and job
// ids are filled from the jobs map keys.
func Parse(data []byte, format Format) (*schema.WorkflowDefinition, error) {
	var wf schema.WorkflowDefinition
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		dec.UseNumber()
		if err := dec.Decode(&wf); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow json: %v", err).WithCause(err)
		}
		normalizeNumbers(&wf)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&wf); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow yaml: %v", err).WithCause(err)
		}
	}

	for id, job := range wf.Jobs {
		if job == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "job %q is empty", id)
		}
		if job.ID == "" {
			job.ID = id
		}
	}
	return &wf, nil
}

// Entry is one definition found by LoadDir.
type Entry struct {
	Path     string
	Workflow *schema.WorkflowDefinition
}

// LoadDir loads every .yaml, .yml and .json file directly under dir, in
// name order. The first failing file aborts the load.
func LoadDir(dir string) ([]Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read workflow dir %s: %v", dir, err).WithCause(err)
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(f.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	out := make([]Entry, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		wf, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[wf.Name]; ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q defined in both %s and %s", wf.Name, prev, path)
		}
		seen[wf.Name] = path
		out = append(out, Entry{Path: path, Workflow: wf})
	}
	return out, nil
}

// normalizeNumbers turns json.Number leaves into int or float64 so JSON and
// YAML definitions decode to the same values.
func normalizeNumbers(wf *schema.WorkflowDefinition) {
	for name, p := range wf.Params {
		p.Default = normalize(p.Default)
		for i := range p.Options {
			p.Options[i] = normalize(p.Options[i])
		}
		wf.Params[name] = p
	}
	for _, job := range wf.Jobs {
		if job == nil {
			continue
		}
		for k, v := range job.RunsOn.With {
			job.RunsOn.With[k] = normalize(v)
		}
		if s := job.Strategy; s != nil {
			for axis, values := range s.Matrix {
				for i := range values {
					values[i] = normalize(values[i])
				}
				s.Matrix[axis] = values
			}
			for _, combo := range s.Include {
				for k, v := range combo {
					combo[k] = normalize(v)
				}
			}
			for _, combo := range s.Exclude {
				for k, v := range combo {
					combo[k] = normalize(v)
				}
			}
		}
		normalizeStages(job.Stages)
	}
}

func normalizeStages(stages []schema.StageDefinition) {
	for i := range stages {
		stages[i].Items = normalize(stages[i].Items)
		normalizeStages(stages[i].Stages)
		normalizeStages(stages[i].Else)
	}
}

func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return int(n)
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	default:
		return v
	}
}
