// Package saga executes a multi-step flow with reverse-order compensation.
// When a step fails, the compensations of every step that already ran are
// executed newest-first; a failing compensation never stops the pass, and
// never masks the original failure.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

type Step struct {
	Name       string
	Run        func(ctx context.Context) error
	Compensate func(ctx context.Context) error // nil when the step has nothing to undo
}

// RollbackError carries the original step failure plus every compensation
// failure collected during the rollback pass.
type RollbackError struct {
	Step     string  // the step that failed
	Cause    error   // the original failure
	Failures []error // compensation failures, newest-first
}

func (e *RollbackError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "step %s failed: %v", e.Step, e.Cause)
	for _, f := range e.Failures {
		fmt.Fprintf(&sb, "; compensation failed: %v", f)
	}
	return sb.String()
}

// Unwrap exposes the original failure so errors.Is/As still match it.
func (e *RollbackError) Unwrap() error {
	return e.Cause
}

// Execute runs steps in order. On failure it compensates completed steps in
// reverse order and returns the original error, wrapped in a RollbackError
// when any compensation also failed.
func Execute(ctx context.Context, steps []Step) error {
	for i, step := range steps {
		if err := step.Run(ctx); err == nil {
			continue
		} else {
			slog.Error("saga step failed, rolling back", "step", step.Name, "error", err)

			var failures []error
			for j := i - 1; j >= 0; j-- {
				prev := steps[j]
				if prev.Compensate == nil {
					continue
				}
				if cerr := prev.Compensate(ctx); cerr != nil {
					slog.Error("saga compensation failed", "step", prev.Name, "error", cerr)
					failures = append(failures, fmt.Errorf("compensate %s: %w", prev.Name, cerr))
				}
			}

			if len(failures) > 0 {
				return &RollbackError{Step: step.Name, Cause: err, Failures: failures}
			}
			return fmt.Errorf("step %s: %w", step.Name, err)
		}
	}
	return nil
}
