// Package runner hands tasks to external worker processes. The launcher
// boundary is deliberately narrow: a task goes in, a result comes out, and
// nothing about the worker's protocol leaks past it.
package runner

import (
	"context"

	"github.com/nkaragias/hivemind/internal/store"
)

// Result is the outcome reported by a worker process.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Launcher runs one unit of agent work to completion.
type Launcher interface {
	Launch(ctx context.Context, task store.Task) (*Result, error)
}
