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
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/medroster/medroster/pkg/logger"
	"github.com/medroster/medroster/pkg/saga"
)

// compensate walks the persisted completed steps in reverse completion
// order and invokes each one's compensation. Compensation is best-effort:
// individual failures are recorded on the step row and never abort the
// walk. Returns the count of successfully compensated steps.
//
// Called exactly once per failed or timed-out run.
func (o *Orchestrator) compensate(ctx context.Context, r *run) int {
	log := logger.GetLogger()

	r.mu.Lock()
	if err := r.exec.TransitionTo(saga.StatusCompensating); err != nil {
		log.Error("illegal saga status transition",
			zap.String("saga_id", r.exec.ID), zap.Error(err))
		r.exec.Status = saga.StatusCompensating
	}
	r.mu.Unlock()
	if err := o.storage.UpdateExecution(ctx, r.exec); err != nil {
		log.Warn("failed to persist compensating status",
			zap.String("saga_id", r.exec.ID), zap.Error(err))
	}

	completed := r.exec.CompletedSteps()
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].StepOrder > completed[j].StepOrder
	})

	o.appendEvent(ctx, r.exec.ID, "", saga.EventCompensationStarted,
		map[string]interface{}{"eligible_steps": len(completed)},
		"compensation started")

	compensated := 0
	errored := 0
	for _, step := range completed {
		stepDef := r.def.StepByName(step.StepName)
		if stepDef == nil || !stepDef.Compensable() {
			log.Info("skipping step without compensation",
				zap.String("saga_id", r.exec.ID),
				zap.String("step", step.StepName))
			continue
		}

		if o.compensateStep(ctx, r, step, stepDef) {
			compensated++
			r.mu.Lock()
			r.exec.CompensatedStepsCount = compensated
			r.mu.Unlock()
		} else {
			errored++
		}
	}

	o.appendEvent(ctx, r.exec.ID, "", saga.EventCompensationCompleted,
		map[string]interface{}{"compensated": compensated, "errored": errored},
		"compensation finished")

	log.Info("compensation finished",
		zap.String("saga_id", r.exec.ID),
		zap.Int("compensated", compensated),
		zap.Int("errored", errored))

	return compensated
}

// compensateStep runs one step's compensation under the step's own timeout.
// Returns true on success; on failure it records compensation_error on the
// step row and returns false without raising.
func (o *Orchestrator) compensateStep(
	ctx context.Context,
	r *run,
	step *saga.StepExecution,
	stepDef *saga.StepDefinition,
) bool {
	log := logger.GetLogger()

	if err := step.TransitionTo(saga.StepStatusCompensating); err != nil {
		log.Error("illegal step status transition",
			zap.String("saga_id", r.exec.ID),
			zap.String("step", step.StepName),
			zap.Error(err))
		return false
	}
	if err := o.storage.UpdateStep(ctx, r.exec.ID, step); err != nil {
		log.Warn("failed to persist compensating step",
			zap.String("saga_id", r.exec.ID),
			zap.String("step", step.StepName),
			zap.Error(err))
	}

	compensator := stepDef.Handler.(saga.Compensator)
	input := r.sagaCtx.BuildCompensationInput(step.OutputData)

	start := time.Now()
	_, err := o.invokeBounded(ctx, stepDef.Timeout, stepDef.Name, func(callCtx context.Context) (map[string]interface{}, error) {
		return compensator.Compensate(callCtx, input)
	})
	duration := time.Since(start)

	if err != nil {
		step.CompensationError = err.Error()
		if uerr := o.storage.UpdateStep(ctx, r.exec.ID, step); uerr != nil {
			log.Warn("failed to persist compensation error",
				zap.String("saga_id", r.exec.ID),
				zap.String("step", step.StepName),
				zap.Error(uerr))
		}
		o.appendEvent(ctx, r.exec.ID, step.ID, saga.EventCompensationError,
			map[string]interface{}{"step_name": step.StepName}, err.Error())
		o.metrics.RecordCompensationExecuted(r.def.Name, step.StepName, false, duration)

		log.Error("compensation failed",
			zap.String("saga_id", r.exec.ID),
			zap.String("step", step.StepName),
			zap.Error(err))
		return false
	}

	now := time.Now()
	if terr := step.TransitionTo(saga.StepStatusCompensated); terr != nil {
		log.Error("illegal step status transition",
			zap.String("saga_id", r.exec.ID),
			zap.String("step", step.StepName),
			zap.Error(terr))
		return false
	}
	step.CompensatedAt = &now
	if err := o.storage.UpdateStep(ctx, r.exec.ID, step); err != nil {
		log.Warn("failed to persist compensated step",
			zap.String("saga_id", r.exec.ID),
			zap.String("step", step.StepName),
			zap.Error(err))
	}

	o.appendEvent(ctx, r.exec.ID, step.ID, saga.EventStepCompensated,
		map[string]interface{}{"step_name": step.StepName},
		"step compensated")
	o.metrics.RecordCompensationExecuted(r.def.Name, step.StepName, true, duration)

	return true
}
