package tool

import (
	"context"
	"sync"
)

// ---------------------------------------------------------------------------
// Test double
// ---------------------------------------------------------------------------

// MockExecutor records every command and answers with Handler, or with
// Result and Err when Handler is nil. It is safe for concurrent use.
type MockExecutor struct {
	Handler func(cmd Command) (Result, error)
	Result  Result
	Err     error

	mu       sync.Mutex
	commands []Command
}

// Run implements Executor.
func (m *MockExecutor) Run(ctx context.Context, cmd Command) (Result, error) {
	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	m.mu.Unlock()

	if ctx.Err() != nil {
		return Result{Interrupted: true}, nil
	}
	if m.Handler != nil {
		return m.Handler(cmd)
	}
	return m.Result, m.Err
}

// Commands returns the commands run so far.
func (m *MockExecutor) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Command(nil), m.commands...)
}

// CallCount returns how many commands were run.
func (m *MockExecutor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commands)
}
