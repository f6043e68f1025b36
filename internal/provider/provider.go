// Package provider defines the contract of job execution backends. A job
// whose runs_on type names a registered Provider is handed off whole; the
// engine only sees the JobResult that comes back.
package provider

import (
	"context"

	"github.com/rendis/jobflow/pkg/schema"
)

// Provider executes a whole job outside the in-process strategy runner.
type Provider interface {
	// Name is the runs_on type the provider is registered under.
	Name() string

	// Execute runs the job and returns its result. ctx carries both the
	// run's cancellation signal and the job deadline. A returned error is a
	// fault (submission, timeout, lost result); a remote job that failed is
	// reported as a FAILED JobResult instead.
	Execute(ctx context.Context, req *Request) (*schema.JobResult, error)

	// Cleanup releases whatever Execute acquired for the job. It is called
	// exactly once per Execute, is idempotent and never fails.
	Cleanup(ctx context.Context, runID, jobID string)
}

// Request is the serialized hand-off of one job.
type Request struct {
	RunID    string                       `json:"run_id"`
	Workflow string                       `json:"workflow,omitempty"`
	JobID    string                       `json:"job_id"`
	Job      *schema.JobDefinition        `json:"job"`
	Params   map[string]any               `json:"params"`
	Env      map[string]string            `json:"env,omitempty"`
	Needs    map[string]*schema.JobResult `json:"needs,omitempty"` // terminal results of the job's dependencies
}
