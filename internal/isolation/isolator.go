// Package isolation runs shell stage processes bound to the stage context.
package isolation

import (
	"context"
	"os/exec"
	"time"
)

const defaultWaitDelay = 5 * time.Second

// Limits bounds one shell stage process.
type Limits struct {
	Timeout        time.Duration
	MaxOutputBytes int64
}

// Process is the program a shell stage runs.
type Process struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Isolator turns a Process into a runnable command. release must be called
// once the command has exited.
type Isolator interface {
	Command(ctx context.Context, p Process) (cmd *exec.Cmd, release func(), err error)
}

// NewIsolator returns the isolator used for shell stages.
func NewIsolator() Isolator {
	return &ContextIsolator{}
}

// ContextIsolator kills the process when the stage context is done or the
// process timeout elapses. It enforces nothing else.
type ContextIsolator struct {
	// WaitDelay bounds how long Wait blocks on output pipes after a kill.
	WaitDelay time.Duration
}

var _ Isolator = (*ContextIsolator)(nil)

func (c *ContextIsolator) Command(ctx context.Context, p Process) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	release := func() {}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		release = cancel
	}

	cmd := exec.CommandContext(ctx, p.Path, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = p.Env
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}
	return cmd, release, nil
}
