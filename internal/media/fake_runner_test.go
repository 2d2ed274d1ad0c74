package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	count  atomic.Int32
	stdout []byte
	stderr string
	fail   bool
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (*Result, error) {
	f.count.Add(1)
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: append([]string(nil), args...)})
	f.mu.Unlock()
	if f.fail {
		return &Result{ExitCode: 1, StderrTail: f.stderr}, &ToolError{Tool: name, ExitCode: 1, Stderr: f.stderr, Err: errors.New("exit status 1")}
	}
	return &Result{Stdout: f.stdout}, nil
}

func (f *fakeRunner) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}
