// Copyright © 2025 Medroster Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"fmt"
	"time"
)

// SagaDefinition is an immutable blueprint for a multi-step operation.
// Definitions are registered once at process start and never mutated.
type SagaDefinition struct {
	// Name is the unique registry key.
	Name string

	// Version distinguishes incompatible revisions of the same saga.
	Version string

	// Steps is the ordered list of step definitions.
	Steps []StepDefinition

	// Timeout is the whole-saga budget. Zero means no saga-level timeout.
	Timeout time.Duration
}

// StepDefinition describes one step of a saga.
type StepDefinition struct {
	// Name is unique within the saga.
	Name string

	// Handler supplies the step's action and, when it also implements
	// Compensator, its compensation. Handlers are wired at registration
	// time in every process instance, so a definition resolved after a
	// crash behaves identically to the one that created the run.
	Handler StepHandler

	// Timeout bounds a single attempt of the action and of the
	// compensation. Zero means no per-step timeout.
	Timeout time.Duration

	// RetryAttempts is the number of additional attempts beyond the first.
	RetryAttempts int

	// RetryDelay is the wait between attempts.
	RetryDelay time.Duration

	// ParallelGroup tags steps that execute concurrently. Steps sharing a
	// non-empty tag must appear contiguously in Steps.
	ParallelGroup string

	// Idempotent gates retry on non-timeout failures. Timeouts are always
	// retryable.
	Idempotent bool
}

// MaxAttempts returns the total attempt budget including the first attempt.
func (s *StepDefinition) MaxAttempts() int {
	if s.RetryAttempts < 0 {
		return 1
	}
	return s.RetryAttempts + 1
}

// Compensable reports whether the step's handler provides a compensation.
func (s *StepDefinition) Compensable() bool {
	_, ok := s.Handler.(Compensator)
	return ok
}

// Validate checks the definition for correctness: non-empty name and steps,
// wired handlers, unique step names, and contiguity of parallel-group tags.
func (d *SagaDefinition) Validate() error {
	if d.Name == "" {
		return NewValidationError("saga definition requires a name")
	}
	if len(d.Steps) == 0 {
		return NewValidationError(fmt.Sprintf("saga %q defines no steps", d.Name))
	}

	seen := make(map[string]struct{}, len(d.Steps))
	closedGroups := make(map[string]struct{})
	prevGroup := ""
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Name == "" {
			return NewValidationError(fmt.Sprintf("saga %q: step %d has no name", d.Name, i))
		}
		if _, dup := seen[step.Name]; dup {
			return NewValidationError(fmt.Sprintf("saga %q: duplicate step name %q", d.Name, step.Name))
		}
		seen[step.Name] = struct{}{}

		if step.Handler == nil {
			return NewValidationError(fmt.Sprintf("saga %q: step %q has no handler", d.Name, step.Name))
		}

		// A parallel-group tag may only appear in one contiguous run.
		if step.ParallelGroup != prevGroup && prevGroup != "" {
			closedGroups[prevGroup] = struct{}{}
		}
		if step.ParallelGroup != "" {
			if _, closed := closedGroups[step.ParallelGroup]; closed {
				return NewValidationError(fmt.Sprintf(
					"saga %q: parallel group %q is not contiguous", d.Name, step.ParallelGroup))
			}
		}
		prevGroup = step.ParallelGroup
	}
	return nil
}

// StepByName returns the step definition with the given name, or nil.
func (d *SagaDefinition) StepByName(name string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}
