package isolation

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"
)

const (
	DefaultShell          = "/bin/sh"
	defaultMaxOutputBytes = 10 * 1024 * 1024
)

// Script is a shell script to run through an Isolator.
type Script struct {
	Source string
	Shell  string
	Env    map[string]string
	Dir    string
}

// Result is the outcome of a finished process. A non-zero ExitCode is not
// an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Killed   bool
}

// Run executes s with `<shell> -c <source>` under iso. The process
// environment is inherited and extended with s.Env. Errors are returned only
// when the process could not run at all.
func Run(ctx context.Context, iso Isolator, s Script, limits Limits) (*Result, error) {
	if iso == nil {
		iso = NewIsolator()
	}
	shell := s.Shell
	if shell == "" {
		shell = DefaultShell
	}
	maxOut := limits.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = defaultMaxOutputBytes
	}

	path, err := exec.LookPath(shell)
	if err != nil {
		return nil, err
	}
	cmd, release, err := iso.Command(ctx, Process{
		Path:    path,
		Args:    []string{"-c", s.Source},
		Dir:     s.Dir,
		Env:     environ(s.Env),
		Timeout: limits.Timeout,
	})
	if err != nil {
		return nil, err
	}
	defer release()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: maxOut}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxOut}

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, runErr
		}
		res.ExitCode = exitErr.ExitCode()
		res.Killed = exitErr.ExitCode() == -1
	}
	return res, nil
}

// environ returns nil (inherit) when extra is empty.
func environ(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// limitedWriter silently discards bytes beyond the limit. Write always
// reports len(p) so the subprocess never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
