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

// Package saga provides the data model, capability interfaces and
// persistence port of the medroster saga orchestration core. The engine
// itself lives in the orchestrator subpackage; storage adapters live in
// the storage subpackage.
package saga

import (
	"context"
	"time"
)

// StepHandler is the opaque capability a caller supplies for a step's
// forward action. Handlers take the merged step input (input_data unioned
// with accumulated_data) and return an output map to merge back under the
// step's name.
type StepHandler interface {
	Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Compensator is the optional second capability of a step handler. Handlers
// that implement it participate in rollback; handlers that don't are
// skipped during compensation. The compensation input is the step input
// union plus the step's own persisted output under "step_output".
type Compensator interface {
	Compensate(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// StepFunc adapts a plain function into a StepHandler without compensation.
type StepFunc func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// Execute implements StepHandler.
func (f StepFunc) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, input)
}

// FuncHandler bundles an action and a compensation function into a handler
// implementing both StepHandler and Compensator. Use StepFunc for steps
// without a compensation.
type FuncHandler struct {
	ExecuteFunc    func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
	CompensateFunc func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Execute implements StepHandler.
func (h *FuncHandler) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return h.ExecuteFunc(ctx, input)
}

// Compensate implements Compensator.
func (h *FuncHandler) Compensate(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if h.CompensateFunc == nil {
		return nil, nil
	}
	return h.CompensateFunc(ctx, input)
}

// Storage is the persistence port the host application implements. The
// orchestrator is the sole writer for a given execution; adapters need no
// cross-run coordination beyond their own internal thread safety.
//
// Implementations can be found in the storage subpackage (memory, postgres,
// redis, mysql).
type Storage interface {
	// CreateExecution persists a new execution with one pending step row
	// slot per definition step created lazily later. The returned record
	// carries the generated identity.
	CreateExecution(ctx context.Context, def *SagaDefinition, sagaCtx *SagaContext) (*SagaExecution, error)

	// GetExecution rehydrates an execution and its ordered step rows.
	// Returns a SAGA_NOT_FOUND error if absent.
	GetExecution(ctx context.Context, sagaID string) (*SagaExecution, error)

	// UpdateExecution persists the execution's status, timestamps, error,
	// compensated count and accumulated context.
	UpdateExecution(ctx context.Context, exec *SagaExecution) error

	// GetOrCreateStep returns the existing step row for the definition's
	// step, or creates a pending one at the given order.
	GetOrCreateStep(ctx context.Context, exec *SagaExecution, stepDef *StepDefinition, order int) (*StepExecution, error)

	// UpdateStep persists a step row's status, output, error, retry count,
	// compensation error and timestamps.
	UpdateStep(ctx context.Context, sagaID string, step *StepExecution) error

	// AppendEvent appends one entry to the execution's audit trail.
	AppendEvent(ctx context.Context, event *SagaEvent) error

	// FindExecutionsByStatus returns executions whose status is in the
	// given set, including their step rows.
	FindExecutionsByStatus(ctx context.Context, statuses []SagaStatus) ([]*SagaExecution, error)

	// DeleteExecution removes an execution, its step rows and its events.
	DeleteExecution(ctx context.Context, sagaID string) error
}

// Pinger is optionally implemented by storage adapters that can verify
// connectivity; the orchestrator's health check uses it when present.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MetricsCollector receives orchestration metrics. The orchestrator package
// provides a Prometheus implementation and a no-op default.
type MetricsCollector interface {
	RecordSagaStarted(sagaName string)
	RecordSagaCompleted(sagaName string, duration time.Duration)
	RecordSagaFailed(sagaName string, duration time.Duration)
	RecordSagaTimedOut(sagaName string, duration time.Duration)
	RecordStepExecuted(sagaName, stepName string, success bool, duration time.Duration)
	RecordStepRetried(sagaName, stepName string, attempt int)
	RecordCompensationExecuted(sagaName, stepName string, success bool, duration time.Duration)
}
