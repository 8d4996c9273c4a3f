// Package mltest provides fakes for code that shells out to the training library.
package mltest

import (
	"context"
	"io"
	"strings"
	"sync"
)

// Runner is a fake ml.Runner. Every call is recorded; RunFunc decides the outcome.
type Runner struct {
	mu      sync.Mutex
	calls   []Call
	RunFunc func(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error
}

// Call is one recorded invocation.
type Call struct {
	Name string
	Args []string
}

// String renders the call as a command line.
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Run records the call and delegates to RunFunc, succeeding silently when it is nil.
func (r *Runner) Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Name: name, Args: append([]string(nil), args...)})
	r.mu.Unlock()
	if r.RunFunc == nil {
		return nil
	}
	return r.RunFunc(ctx, name, args, stdout, stderr)
}

// Calls returns a copy of the recorded calls.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}
