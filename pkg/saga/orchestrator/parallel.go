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
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/medroster/medroster/pkg/logger"
	"github.com/medroster/medroster/pkg/saga"
)

// runParallelGroup fans one cohort out across goroutines and joins on all
// of them. The join barrier never cancels siblings when one fails: every
// cohort result is known before the group's outcome is decided, so the
// completed steps remain compensation-eligible. A fault escaping a task
// becomes a synthetic failed result for that step rather than silently
// dropping the siblings' outcomes.
func (o *Orchestrator) runParallelGroup(ctx context.Context, r *run, group saga.StepGroup) error {
	results := make([]*saga.StepResult, len(group.Steps))
	stepErrs := make([]error, len(group.Steps))

	var wg sync.WaitGroup
	for i := range group.Steps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					results[i] = &saga.StepResult{
						StepName:     group.Steps[i].Name,
						Status:       saga.StepStatusFailed,
						ErrorMessage: fmt.Sprintf("step task panicked: %v", rec),
					}
				}
			}()
			results[i], stepErrs[i] = o.executeStep(ctx, r, &group.Steps[i], group.Offset+i)
		}(i)
	}
	wg.Wait()

	// Persistence faults abort the saga; report the first one.
	for _, err := range stepErrs {
		if err != nil && saga.IsStorageError(err) {
			return err
		}
	}
	for _, err := range stepErrs {
		if err != nil {
			return err
		}
	}

	var failed []string
	for i, result := range results {
		if result == nil {
			// A task that produced neither result nor error still counts
			// as a failure for its step.
			results[i] = &saga.StepResult{
				StepName:     group.Steps[i].Name,
				Status:       saga.StepStatusFailed,
				ErrorMessage: "step task produced no result",
			}
			result = results[i]
		}
		if result.Failed() {
			failed = append(failed, result.StepName)
		}
	}

	if len(failed) > 0 {
		logger.GetLogger().Warn("parallel group failed",
			zap.String("saga_id", r.exec.ID),
			zap.String("parallel_group", group.Steps[0].ParallelGroup),
			zap.Strings("failed_steps", failed))
		return saga.NewStepExecutionError(strings.Join(failed, ","),
			errors.New("one or more steps in the parallel group failed"))
	}
	return nil
}
