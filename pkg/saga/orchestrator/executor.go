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

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medroster/medroster/pkg/logger"
	"github.com/medroster/medroster/pkg/saga"
)

// executeStep runs one step through its attempt budget and persists every
// transition. It returns a StepResult for action outcomes (including
// terminal failure) and an error only for persistence faults or parent
// context cancellation, which abort the saga without a retry.
func (o *Orchestrator) executeStep(
	ctx context.Context,
	r *run,
	stepDef *saga.StepDefinition,
	order int,
) (*saga.StepResult, error) {
	step, err := o.storage.GetOrCreateStep(ctx, r.exec, stepDef, order)
	if err != nil {
		return nil, saga.NewStorageError("GetOrCreateStep", err)
	}
	o.attachStep(r, step)

	// Resume path: a step persisted as completed keeps its outcome; its
	// output is re-merged so later steps see it.
	if step.Status == saga.StepStatusCompleted {
		r.sagaCtx.MergeOutput(step.StepName, step.OutputData)
		return &saga.StepResult{
			StepName:   step.StepName,
			Status:     saga.StepStatusCompleted,
			Output:     step.OutputData,
			RetryCount: step.RetryCount,
		}, nil
	}

	log := logger.GetLogger()
	maxAttempts := stepDef.MaxAttempts()
	step.MaxRetries = stepDef.RetryAttempts

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			o.metrics.RecordStepRetried(r.def.Name, step.StepName, attempt)
			o.appendEvent(ctx, r.exec.ID, step.ID, saga.EventStepRetrying,
				map[string]interface{}{"attempt": attempt + 1, "max_attempts": maxAttempts},
				fmt.Sprintf("retrying step %q after %v", step.StepName, stepDef.RetryDelay))

			select {
			case <-time.After(stepDef.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := o.beginAttempt(ctx, r, step, stepDef, attempt); err != nil {
			return nil, err
		}

		start := time.Now()
		input := r.sagaCtx.BuildStepInput()
		output, actionErr := o.invokeBounded(ctx, stepDef.Timeout, stepDef.Name, func(callCtx context.Context) (map[string]interface{}, error) {
			return stepDef.Handler.Execute(callCtx, input)
		})
		duration := time.Since(start)

		if actionErr == nil {
			return o.completeStep(ctx, r, step, output, duration)
		}
		if ctx.Err() != nil {
			// Parent cancelled (saga timeout or caller); do not burn
			// retries against a dead run.
			return nil, ctx.Err()
		}

		lastErr = actionErr
		timedOut := saga.IsStepTimeout(actionErr)

		log.Warn("step attempt failed",
			zap.String("saga_id", r.exec.ID),
			zap.String("step", step.StepName),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Bool("timeout", timedOut),
			zap.Error(actionErr))

		// Timeouts are always retryable; other faults only for
		// idempotent steps.
		if attempt+1 < maxAttempts && (timedOut || stepDef.Idempotent) {
			continue
		}
		return o.failStep(ctx, r, step, lastErr, duration)
	}

	// Unreachable: the loop always returns from within.
	return o.failStep(ctx, r, step, lastErr, 0)
}

// beginAttempt persists the running transition for one attempt.
func (o *Orchestrator) beginAttempt(
	ctx context.Context,
	r *run,
	step *saga.StepExecution,
	stepDef *saga.StepDefinition,
	attempt int,
) error {
	now := time.Now()
	if err := step.TransitionTo(saga.StepStatusRunning); err != nil {
		return err
	}
	if step.StartedAt == nil {
		step.StartedAt = &now
	}
	step.RetryCount = attempt
	if stepDef.Timeout > 0 {
		deadline := now.Add(stepDef.Timeout)
		step.TimeoutAt = &deadline
	}
	if err := o.storage.UpdateStep(ctx, r.exec.ID, step); err != nil {
		return saga.NewStorageError("UpdateStep", err)
	}

	o.appendEvent(ctx, r.exec.ID, step.ID, saga.EventStepStarted,
		map[string]interface{}{"attempt": attempt + 1},
		fmt.Sprintf("step %q attempt %d started", step.StepName, attempt+1))
	return nil
}

// completeStep persists the completed transition and merges the output into
// the accumulated context.
func (o *Orchestrator) completeStep(
	ctx context.Context,
	r *run,
	step *saga.StepExecution,
	output map[string]interface{},
	duration time.Duration,
) (*saga.StepResult, error) {
	now := time.Now()
	if err := step.TransitionTo(saga.StepStatusCompleted); err != nil {
		return nil, err
	}
	step.CompletedAt = &now
	step.OutputData = output
	if err := o.storage.UpdateStep(ctx, r.exec.ID, step); err != nil {
		return nil, saga.NewStorageError("UpdateStep", err)
	}

	r.sagaCtx.MergeOutput(step.StepName, output)

	// Persist the accumulated context with each completed step so a crash
	// leaves a resumable record. The storage call happens outside the lock,
	// so it gets a snapshot: parallel siblings keep writing r.exec while the
	// adapter serializes.
	r.mu.Lock()
	r.exec.AccumulatedData = r.sagaCtx.AccumulatedSnapshot()
	snapshot := *r.exec
	r.mu.Unlock()
	if err := o.storage.UpdateExecution(ctx, &snapshot); err != nil {
		return nil, saga.NewStorageError("UpdateExecution", err)
	}

	o.appendEvent(ctx, r.exec.ID, step.ID, saga.EventStepCompleted,
		map[string]interface{}{"retry_count": step.RetryCount},
		fmt.Sprintf("step %q completed", step.StepName))
	o.metrics.RecordStepExecuted(r.def.Name, step.StepName, true, duration)

	logger.GetLogger().Info("step completed",
		zap.String("saga_id", r.exec.ID),
		zap.String("step", step.StepName),
		zap.Duration("duration", duration),
		zap.Int("retry_count", step.RetryCount))

	return &saga.StepResult{
		StepName:   step.StepName,
		Status:     saga.StepStatusCompleted,
		Output:     output,
		RetryCount: step.RetryCount,
	}, nil
}

// failStep persists the terminal failed transition for a step.
func (o *Orchestrator) failStep(
	ctx context.Context,
	r *run,
	step *saga.StepExecution,
	cause error,
	duration time.Duration,
) (*saga.StepResult, error) {
	now := time.Now()
	if err := step.TransitionTo(saga.StepStatusFailed); err != nil {
		return nil, err
	}
	step.CompletedAt = &now
	if cause != nil {
		step.ErrorMessage = cause.Error()
	}
	if err := o.storage.UpdateStep(ctx, r.exec.ID, step); err != nil {
		return nil, saga.NewStorageError("UpdateStep", err)
	}

	o.appendEvent(ctx, r.exec.ID, step.ID, saga.EventStepFailed,
		map[string]interface{}{"retry_count": step.RetryCount},
		step.ErrorMessage)
	o.metrics.RecordStepExecuted(r.def.Name, step.StepName, false, duration)

	return &saga.StepResult{
		StepName:     step.StepName,
		Status:       saga.StepStatusFailed,
		ErrorMessage: step.ErrorMessage,
		RetryCount:   step.RetryCount,
	}, nil
}

// invokeBounded calls a step capability under its per-step timeout. The
// capability runs in its own goroutine so a non-cooperative handler cannot
// wedge the orchestrator; on timeout the handler is signalled through its
// context and abandoned. A panic inside the capability becomes an error.
func (o *Orchestrator) invokeBounded(
	ctx context.Context,
	timeout time.Duration,
	stepName string,
	call func(ctx context.Context) (map[string]interface{}, error),
) (map[string]interface{}, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		output map[string]interface{}
		err    error
	}
	resultC := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultC <- outcome{err: fmt.Errorf("step %q panicked: %v", stepName, rec)}
			}
		}()
		out, err := call(callCtx)
		resultC <- outcome{output: out, err: err}
	}()

	select {
	case res := <-resultC:
		if res.err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, saga.NewStepTimeoutError(stepName, timeout)
		}
		return res.output, res.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, saga.NewStepTimeoutError(stepName, timeout)
	}
}

// attachStep records the step row on the in-memory execution, replacing a
// rehydrated row with the same name. Cohort goroutines call this
// concurrently.
func (o *Orchestrator) attachStep(r *run, step *saga.StepExecution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.exec.Steps {
		if existing.StepName == step.StepName {
			r.exec.Steps[i] = step
			return
		}
	}
	r.exec.Steps = append(r.exec.Steps, step)
}
