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

// Package orchestrator implements the saga engine: it sequences step
// groups, retries and times out individual steps, fans parallel cohorts
// out and in, and drives best-effort compensation on failure. Step
// business logic stays opaque; the engine only coordinates.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medroster/medroster/pkg/logger"
	"github.com/medroster/medroster/pkg/saga"
)

var (
	// ErrOrchestratorClosed indicates the orchestrator has been shut down.
	ErrOrchestratorClosed = errors.New("orchestrator is closed")

	// ErrStorageNotConfigured indicates Storage is missing from the config.
	ErrStorageNotConfigured = errors.New("storage not configured")

	// ErrRegistryNotConfigured indicates Registry is missing from the config.
	ErrRegistryNotConfigured = errors.New("registry not configured")
)

// Config contains the orchestrator's dependencies.
type Config struct {
	// Storage is the persistence port. Required.
	Storage saga.Storage

	// Registry holds the saga definitions this orchestrator can execute.
	// Required; register definitions before executing.
	Registry *saga.Registry

	// Metrics receives orchestration metrics. Optional; defaults to no-op.
	Metrics saga.MetricsCollector
}

// Validate checks that required dependencies are present.
func (c *Config) Validate() error {
	if c.Storage == nil {
		return ErrStorageNotConfigured
	}
	if c.Registry == nil {
		return ErrRegistryNotConfigured
	}
	return nil
}

// Orchestrator is the saga engine façade. One orchestrator serves many
// concurrent, fully independent saga runs; within a single run it is the
// sole writer of persisted state.
type Orchestrator struct {
	storage  saga.Storage
	registry *saga.Registry
	metrics  saga.MetricsCollector

	mu     sync.RWMutex
	closed bool
}

// New creates an orchestrator from the given config.
func New(config *Config) (*Orchestrator, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = NewNoopCollector()
	}

	return &Orchestrator{
		storage:  config.Storage,
		registry: config.Registry,
		metrics:  metrics,
	}, nil
}

// RegisterSaga registers a definition with the orchestrator's registry.
func (o *Orchestrator) RegisterSaga(def *saga.SagaDefinition) error {
	return o.registry.Register(def)
}

// Close shuts the orchestrator down. In-flight runs finish; new ExecuteSaga
// calls fail with ErrOrchestratorClosed.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOrchestratorClosed
	}
	o.closed = true
	return nil
}

// HealthCheck verifies the orchestrator and its storage are operational.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrOrchestratorClosed
	}
	if p, ok := o.storage.(saga.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// ExecuteOption configures a single ExecuteSaga call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	metadata map[string]interface{}
	sagaID   string
}

// WithMetadata attaches caller metadata (trace id, requester) to the run.
func WithMetadata(metadata map[string]interface{}) ExecuteOption {
	return func(eo *executeOptions) { eo.metadata = metadata }
}

// WithSagaID resumes a previously persisted execution instead of creating a
// new one. Steps already persisted as completed are skipped and their
// outputs reused; everything else re-runs from the persisted accumulated
// context.
func WithSagaID(sagaID string) ExecuteOption {
	return func(eo *executeOptions) { eo.sagaID = sagaID }
}

// run bundles the per-execution state shared by the executor, the parallel
// runner and the compensator. Its mutex guards the in-memory execution
// record against concurrent cohort goroutines; persisted step rows are
// disjoint per goroutine and need no extra coordination.
type run struct {
	def     *saga.SagaDefinition
	exec    *saga.SagaExecution
	sagaCtx *saga.SagaContext

	mu sync.Mutex
}

// ExecuteSaga runs the named saga to a terminal status and returns the
// caller-visible result. On step failure or saga timeout, compensation has
// already been attempted by the time this returns; the error identifies the
// terminal condition while the result carries statuses and counts.
func (o *Orchestrator) ExecuteSaga(
	ctx context.Context,
	sagaName string,
	input map[string]interface{},
	opts ...ExecuteOption,
) (*saga.SagaExecutionResult, error) {
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return nil, ErrOrchestratorClosed
	}
	o.mu.RUnlock()

	def, err := o.registry.Get(sagaName)
	if err != nil {
		return nil, err
	}

	var eo executeOptions
	for _, opt := range opts {
		opt(&eo)
	}

	r, err := o.prepareRun(ctx, def, input, &eo)
	if err != nil {
		return nil, err
	}

	log := logger.GetLogger()
	log.Info("saga execution started",
		zap.String("saga_id", r.exec.ID),
		zap.String("saga_name", def.Name),
		zap.String("saga_version", def.Version))

	o.metrics.RecordSagaStarted(def.Name)
	o.appendEvent(ctx, r.exec.ID, "", saga.EventSagaStarted,
		map[string]interface{}{"saga_name": def.Name, "saga_version": def.Version},
		"saga execution started")

	return o.driveGroups(ctx, r)
}

// prepareRun creates a fresh execution or rehydrates one for resume, and
// transitions it to running.
func (o *Orchestrator) prepareRun(
	ctx context.Context,
	def *saga.SagaDefinition,
	input map[string]interface{},
	eo *executeOptions,
) (*run, error) {
	if eo.sagaID != "" {
		exec, err := o.storage.GetExecution(ctx, eo.sagaID)
		if err != nil {
			return nil, err
		}

		sagaCtx := saga.NewSagaContext(exec.ID, exec.InputData, exec.Metadata)
		sagaCtx.RestoreAccumulated(exec.AccumulatedData)

		exec.Reopen()
		if err := o.storage.UpdateExecution(ctx, exec); err != nil {
			return nil, saga.NewStorageError("UpdateExecution", err)
		}
		return &run{def: def, exec: exec, sagaCtx: sagaCtx}, nil
	}

	sagaCtx := saga.NewSagaContext("saga-"+uuid.NewString(), input, eo.metadata)
	exec, err := o.storage.CreateExecution(ctx, def, sagaCtx)
	if err != nil {
		return nil, saga.NewStorageError("CreateExecution", err)
	}

	if err := exec.TransitionTo(saga.StatusRunning); err != nil {
		return nil, err
	}
	if err := o.storage.UpdateExecution(ctx, exec); err != nil {
		return nil, saga.NewStorageError("UpdateExecution", err)
	}
	return &run{def: def, exec: exec, sagaCtx: sagaCtx}, nil
}

// driveGroups executes the step groups under the whole-saga timeout race
// and finalizes the terminal status.
func (o *Orchestrator) driveGroups(ctx context.Context, r *run) (*saga.SagaExecutionResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- o.runGroups(runCtx, r)
	}()

	var timeoutC <-chan time.Time
	if r.def.Timeout > 0 {
		timer := time.NewTimer(r.def.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-done:
		if err == nil {
			return o.finalizeCompleted(ctx, r)
		}
		if saga.IsStorageError(err) {
			return o.finalizeStorageFault(ctx, r, err)
		}
		return o.finalizeFailed(ctx, r, err)

	case <-timeoutC:
		cancel()
		return o.finalizeTimeout(ctx, r)

	case <-ctx.Done():
		cancel()
		return o.finalizeFailed(ctx, r, ctx.Err())
	}
}

// runGroups iterates the ordered step groups, dispatching singletons to the
// step executor and cohorts to the parallel runner. The first failure
// aborts further groups.
func (o *Orchestrator) runGroups(ctx context.Context, r *run) error {
	groups := saga.GroupSteps(r.def.Steps)
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}

		if group.Parallel() {
			if err := o.runParallelGroup(ctx, r, group); err != nil {
				return err
			}
			continue
		}

		result, err := o.executeStep(ctx, r, &group.Steps[0], group.Offset)
		if err != nil {
			return err
		}
		if result.Failed() {
			return saga.NewStepExecutionError(result.StepName, errors.New(result.ErrorMessage))
		}
	}
	return nil
}

// finalizeCompleted persists the successful terminal status.
func (o *Orchestrator) finalizeCompleted(ctx context.Context, r *run) (*saga.SagaExecutionResult, error) {
	r.mu.Lock()
	if err := r.exec.TransitionTo(saga.StatusCompleted); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	now := time.Now()
	r.exec.CompletedAt = &now
	r.exec.AccumulatedData = r.sagaCtx.AccumulatedSnapshot()
	r.mu.Unlock()

	if err := o.storage.UpdateExecution(ctx, r.exec); err != nil {
		return nil, saga.NewStorageError("UpdateExecution", err)
	}

	o.appendEvent(ctx, r.exec.ID, "", saga.EventSagaCompleted, nil, "saga completed")
	o.metrics.RecordSagaCompleted(r.def.Name, time.Since(r.exec.StartedAt))
	logger.GetLogger().Info("saga completed",
		zap.String("saga_id", r.exec.ID),
		zap.String("saga_name", r.def.Name))

	return saga.ResultFromExecution(r.exec), nil
}

// finalizeFailed runs compensation over the completed steps and persists
// the failed terminal status.
func (o *Orchestrator) finalizeFailed(ctx context.Context, r *run, cause error) (*saga.SagaExecutionResult, error) {
	// The caller may already have cancelled. Compensation and the terminal
	// persist still have to run, so finalization detaches from the inbound
	// cancellation while keeping the context values.
	ctx = context.WithoutCancel(ctx)

	compensated := o.compensate(ctx, r)

	r.mu.Lock()
	if err := r.exec.TransitionTo(saga.StatusFailed); err != nil {
		logger.GetLogger().Error("illegal saga status transition",
			zap.String("saga_id", r.exec.ID), zap.Error(err))
		r.exec.Status = saga.StatusFailed
	}
	now := time.Now()
	r.exec.CompletedAt = &now
	r.exec.ErrorMessage = cause.Error()
	r.exec.CompensatedStepsCount = compensated
	r.exec.AccumulatedData = r.sagaCtx.AccumulatedSnapshot()
	r.mu.Unlock()

	if err := o.storage.UpdateExecution(ctx, r.exec); err != nil {
		logger.GetLogger().Error("failed to persist failed saga status",
			zap.String("saga_id", r.exec.ID), zap.Error(err))
	}

	o.appendEvent(ctx, r.exec.ID, "", saga.EventSagaFailed,
		map[string]interface{}{"compensated_steps": compensated},
		cause.Error())
	o.metrics.RecordSagaFailed(r.def.Name, time.Since(r.exec.StartedAt))
	logger.GetLogger().Warn("saga failed",
		zap.String("saga_id", r.exec.ID),
		zap.String("saga_name", r.def.Name),
		zap.Int("compensated_steps", compensated),
		zap.Error(cause))

	return saga.ResultFromExecution(r.exec), cause
}

// finalizeTimeout handles the whole-saga timeout. In-flight step tasks are
// signalled but not forcibly killed; compensation is driven off the
// persisted completed steps, which is the safe source of truth here, so the
// run state is re-read from storage rather than from the live task set.
func (o *Orchestrator) finalizeTimeout(ctx context.Context, r *run) (*saga.SagaExecutionResult, error) {
	ctx = context.WithoutCancel(ctx)
	timeoutErr := saga.NewSagaTimeoutError(r.exec.ID, r.def.Timeout)

	snapshot, err := o.storage.GetExecution(ctx, r.exec.ID)
	if err != nil {
		logger.GetLogger().Error("failed to load persisted state after saga timeout",
			zap.String("saga_id", r.exec.ID), zap.Error(err))
		return nil, timeoutErr
	}

	sagaCtx := saga.NewSagaContext(snapshot.ID, snapshot.InputData, snapshot.Metadata)
	sagaCtx.RestoreAccumulated(snapshot.AccumulatedData)
	tr := &run{def: r.def, exec: snapshot, sagaCtx: sagaCtx}

	compensated := o.compensate(ctx, tr)

	if err := snapshot.TransitionTo(saga.StatusTimeout); err != nil {
		logger.GetLogger().Error("illegal saga status transition",
			zap.String("saga_id", snapshot.ID), zap.Error(err))
		snapshot.Status = saga.StatusTimeout
	}
	now := time.Now()
	snapshot.CompletedAt = &now
	snapshot.ErrorMessage = timeoutErr.Error()
	snapshot.CompensatedStepsCount = compensated

	if err := o.storage.UpdateExecution(ctx, snapshot); err != nil {
		logger.GetLogger().Error("failed to persist timed-out saga status",
			zap.String("saga_id", snapshot.ID), zap.Error(err))
	}

	o.appendEvent(ctx, snapshot.ID, "", saga.EventSagaTimeout,
		map[string]interface{}{"timeout": r.def.Timeout.String(), "compensated_steps": compensated},
		timeoutErr.Error())
	o.metrics.RecordSagaTimedOut(r.def.Name, time.Since(snapshot.StartedAt))
	logger.GetLogger().Warn("saga timed out",
		zap.String("saga_id", snapshot.ID),
		zap.Duration("timeout", r.def.Timeout),
		zap.Int("compensated_steps", compensated))

	return saga.ResultFromExecution(snapshot), timeoutErr
}

// finalizeStorageFault records the failure as well as it can and propagates
// the storage error. Persistence faults are never retried and never trigger
// compensation; the store itself is suspect.
func (o *Orchestrator) finalizeStorageFault(ctx context.Context, r *run, cause error) (*saga.SagaExecutionResult, error) {
	r.mu.Lock()
	r.exec.Status = saga.StatusFailed
	now := time.Now()
	r.exec.CompletedAt = &now
	r.exec.ErrorMessage = cause.Error()
	r.mu.Unlock()

	if err := o.storage.UpdateExecution(ctx, r.exec); err != nil {
		logger.GetLogger().Error("best-effort status recording failed after storage fault",
			zap.String("saga_id", r.exec.ID), zap.Error(err))
	}
	return nil, cause
}

// GetSagaStatus rehydrates an execution into a caller-visible result. A
// missing saga surfaces as a SAGA_NOT_FOUND error.
func (o *Orchestrator) GetSagaStatus(ctx context.Context, sagaID string) (*saga.SagaExecutionResult, error) {
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return nil, ErrOrchestratorClosed
	}
	o.mu.RUnlock()

	exec, err := o.storage.GetExecution(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return saga.ResultFromExecution(exec), nil
}

// appendEvent writes one audit-trail entry. Event appends are best-effort;
// a failed append is logged but never fails the run.
func (o *Orchestrator) appendEvent(
	ctx context.Context,
	sagaID, stepID string,
	eventType saga.EventType,
	data map[string]interface{},
	message string,
) {
	event := &saga.SagaEvent{
		ID:        "event-" + uuid.NewString(),
		SagaID:    sagaID,
		StepID:    stepID,
		EventType: eventType,
		EventData: data,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err := o.storage.AppendEvent(ctx, event); err != nil {
		logger.GetLogger().Warn("failed to append saga event",
			zap.String("saga_id", sagaID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}
