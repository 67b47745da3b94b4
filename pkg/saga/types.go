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
	"time"
)

// SagaStatus represents the overall status of a saga execution.
// The string values are the persisted wire format and must not change;
// monitoring and recovery tooling depend on them.
type SagaStatus string

const (
	// StatusPending indicates the execution is created but not yet started.
	StatusPending SagaStatus = "pending"

	// StatusRunning indicates step groups are currently executing.
	StatusRunning SagaStatus = "running"

	// StatusCompleted indicates every step completed successfully.
	StatusCompleted SagaStatus = "completed"

	// StatusFailed indicates a step failed terminally; compensation has
	// already been attempted by the time this status is persisted.
	StatusFailed SagaStatus = "failed"

	// StatusTimeout indicates the whole-saga timeout elapsed before the
	// step groups finished.
	StatusTimeout SagaStatus = "timeout"

	// StatusCompensating indicates completed steps are being rolled back.
	StatusCompensating SagaStatus = "compensating"

	// StatusCancelled indicates the execution was cancelled by an operator.
	StatusCancelled SagaStatus = "cancelled"
)

// String returns the persisted representation of the status.
func (s SagaStatus) String() string {
	return string(s)
}

// IsTerminal returns true if no further execution is possible.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// IsActive returns true if a process is (or should be) driving this saga.
// A crashed process leaves its sagas in an active status; the recovery scan
// keys off this predicate.
func (s SagaStatus) IsActive() bool {
	return s == StatusRunning || s == StatusCompensating
}

// TerminalStatuses is the set of statuses eligible for retention cleanup.
var TerminalStatuses = []SagaStatus{StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled}

// ActiveStatuses is the set of statuses the recovery scan selects.
var ActiveStatuses = []SagaStatus{StatusRunning, StatusCompensating}

// sagaTransitions is the closed transition table for saga statuses.
// Illegal transitions are rejected centrally by SagaExecution.TransitionTo.
var sagaTransitions = map[SagaStatus][]SagaStatus{
	StatusPending:      {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusTimeout, StatusCompensating},
	StatusCompensating: {StatusFailed, StatusTimeout, StatusCancelled},
}

// CanTransition reports whether a saga status change is legal.
func (s SagaStatus) CanTransition(to SagaStatus) bool {
	for _, next := range sagaTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// StepStatus represents the execution status of a single step.
type StepStatus string

const (
	// StepStatusPending indicates the step row exists but no attempt has started.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates an attempt is in flight.
	StepStatusRunning StepStatus = "running"

	// StepStatusCompleted indicates the step's action succeeded.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusFailed indicates the step failed after exhausting its retries.
	StepStatusFailed StepStatus = "failed"

	// StepStatusCompensating indicates the step's compensation is executing,
	// or failed and the step is awaiting manual review (compensation_error set).
	StepStatusCompensating StepStatus = "compensating"

	// StepStatusCompensated indicates the step's compensation succeeded.
	StepStatusCompensated StepStatus = "compensated"
)

// String returns the persisted representation of the step status.
func (s StepStatus) String() string {
	return string(s)
}

// stepTransitions is the closed transition table for step statuses.
// Compensation states are reachable only from completed; a step that never
// completed is never compensated.
var stepTransitions = map[StepStatus][]StepStatus{
	StepStatusPending:      {StepStatusRunning},
	StepStatusRunning:      {StepStatusRunning, StepStatusCompleted, StepStatusFailed},
	StepStatusCompleted:    {StepStatusCompensating},
	StepStatusCompensating: {StepStatusCompensated},
	// A failed or compensated step is re-run when its saga is resumed.
	StepStatusFailed:      {StepStatusRunning},
	StepStatusCompensated: {StepStatusRunning},
}

// CanTransition reports whether a step status change is legal.
func (s StepStatus) CanTransition(to StepStatus) bool {
	for _, next := range stepTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// EventType identifies a saga audit-trail event.
type EventType string

const (
	EventSagaStarted   EventType = "saga_started"
	EventSagaCompleted EventType = "saga_completed"
	EventSagaFailed    EventType = "saga_failed"
	EventSagaTimeout   EventType = "saga_timeout"

	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventStepRetrying  EventType = "step_retrying"

	EventCompensationStarted   EventType = "compensation_started"
	EventStepCompensated       EventType = "step_compensated"
	EventCompensationError     EventType = "compensation_error"
	EventCompensationCompleted EventType = "compensation_completed"

	EventRecoveryMarkedFailed EventType = "recovery_marked_failed"
)

// SagaExecution is the persisted record of one saga run. It is created once
// when the run starts (or rehydrated for recovery), mutated only by the
// orchestrator, and deleted only by retention cleanup.
type SagaExecution struct {
	ID                    string                 `json:"id"`
	SagaName              string                 `json:"saga_name"`
	SagaVersion           string                 `json:"saga_version"`
	Status                SagaStatus             `json:"status"`
	InputData             map[string]interface{} `json:"input_data,omitempty"`
	AccumulatedData       map[string]interface{} `json:"accumulated_data,omitempty"`
	Metadata              map[string]interface{} `json:"metadata,omitempty"`
	StartedAt             time.Time              `json:"started_at"`
	CompletedAt           *time.Time             `json:"completed_at,omitempty"`
	TimeoutAt             *time.Time             `json:"timeout_at,omitempty"`
	CompensatedStepsCount int                    `json:"compensated_steps_count"`
	ErrorMessage          string                 `json:"error_message,omitempty"`
	Steps                 []*StepExecution       `json:"steps,omitempty"`
}

// TransitionTo applies a saga status change, rejecting illegal transitions.
func (e *SagaExecution) TransitionTo(to SagaStatus) error {
	if !e.Status.CanTransition(to) {
		return NewInvalidTransitionError(string(e.Status), string(to))
	}
	e.Status = to
	return nil
}

// Reopen returns an execution to running for an explicit resume by saga id.
// Resume is the one path allowed to leave a terminal status; the recovery
// scan marks crashed runs failed precisely so an operator can reopen them.
func (e *SagaExecution) Reopen() {
	e.Status = StatusRunning
	e.CompletedAt = nil
	e.ErrorMessage = ""
}

// StepByName returns the step execution row with the given name, or nil.
func (e *SagaExecution) StepByName(name string) *StepExecution {
	for _, s := range e.Steps {
		if s.StepName == name {
			return s
		}
	}
	return nil
}

// CompletedSteps returns the step rows persisted as completed, ordered by
// step_order. This is the safe source of truth for compensation after a
// failure or timeout.
func (e *SagaExecution) CompletedSteps() []*StepExecution {
	var out []*StepExecution
	for _, s := range e.Steps {
		if s.Status == StepStatusCompleted {
			out = append(out, s)
		}
	}
	return out
}

// StepExecution is the persisted record of one step within a saga run.
// One row per step per run, created lazily the first time the step begins.
type StepExecution struct {
	ID                string                 `json:"id"`
	SagaID            string                 `json:"saga_id"`
	StepName          string                 `json:"step_name"`
	StepOrder         int                    `json:"step_order"`
	ParallelGroup     string                 `json:"parallel_group,omitempty"`
	Status            StepStatus             `json:"status"`
	OutputData        map[string]interface{} `json:"output_data,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	CompensationError string                 `json:"compensation_error,omitempty"`
	RetryCount        int                    `json:"retry_count"`
	MaxRetries        int                    `json:"max_retries"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	CompensatedAt     *time.Time             `json:"compensated_at,omitempty"`
	TimeoutAt         *time.Time             `json:"timeout_at,omitempty"`
}

// TransitionTo applies a step status change, rejecting illegal transitions.
func (s *StepExecution) TransitionTo(to StepStatus) error {
	if !s.Status.CanTransition(to) {
		return NewInvalidTransitionError(string(s.Status), string(to))
	}
	s.Status = to
	return nil
}

// SagaEvent is one entry in the append-only audit trail of a saga run.
// Events are never updated or deleted within a run's lifetime; retention
// cleanup removes them together with their execution.
type SagaEvent struct {
	ID        string                 `json:"id"`
	SagaID    string                 `json:"saga_id"`
	StepID    string                 `json:"step_id,omitempty"`
	EventType EventType              `json:"event_type"`
	EventData map[string]interface{} `json:"event_data,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// StepResult is the caller-visible outcome of one step.
type StepResult struct {
	StepName     string                 `json:"step_name"`
	Status       StepStatus             `json:"status"`
	Output       map[string]interface{} `json:"output,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	RetryCount   int                    `json:"retry_count"`
}

// Failed reports whether the step result is a failure.
func (r *StepResult) Failed() bool {
	return r.Status == StepStatusFailed
}

// SagaExecutionResult is the caller-visible outcome of one saga run.
// Partial compensation failure is visible only on the individual step
// records (compensation_error), not here.
type SagaExecutionResult struct {
	SagaID           string        `json:"saga_id"`
	SagaName         string        `json:"saga_name"`
	Status           SagaStatus    `json:"status"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	CompensatedSteps int           `json:"compensated_steps"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	Steps            []*StepResult `json:"steps,omitempty"`
}

// ResultFromExecution builds a caller-visible result from a persisted
// execution record.
func ResultFromExecution(exec *SagaExecution) *SagaExecutionResult {
	res := &SagaExecutionResult{
		SagaID:           exec.ID,
		SagaName:         exec.SagaName,
		Status:           exec.Status,
		ErrorMessage:     exec.ErrorMessage,
		CompensatedSteps: exec.CompensatedStepsCount,
		StartedAt:        exec.StartedAt,
		CompletedAt:      exec.CompletedAt,
	}
	for _, step := range exec.Steps {
		res.Steps = append(res.Steps, &StepResult{
			StepName:     step.StepName,
			Status:       step.Status,
			Output:       step.OutputData,
			ErrorMessage: step.ErrorMessage,
			RetryCount:   step.RetryCount,
		})
	}
	return res
}
