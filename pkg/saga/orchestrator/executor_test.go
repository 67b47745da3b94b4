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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medroster/medroster/pkg/saga"
)

func TestIdempotentStepRetriesUntilSuccess(t *testing.T) {
	var calls int32
	def := &saga.SagaDefinition{
		Name: "flaky",
		Steps: []saga.StepDefinition{{
			Name:          "flaky-step",
			Idempotent:    true,
			RetryAttempts: 3,
			RetryDelay:    time.Millisecond,
			Handler: saga.StepFunc(func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
				if atomic.AddInt32(&calls, 1) <= 2 {
					return nil, errors.New("transient")
				}
				return map[string]interface{}{"ok": true}, nil
			}),
		}},
	}
	orch, _ := newTestOrchestrator(t, def)

	result, err := orch.ExecuteSaga(context.Background(), "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, result.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.Len(t, result.Steps, 1)
	assert.Equal(t, 2, result.Steps[0].RetryCount, "retry count is the index of the winning attempt")
}

func TestNonIdempotentStepIsNotRetried(t *testing.T) {
	var calls int32
	def := &saga.SagaDefinition{
		Name: "fragile",
		Steps: []saga.StepDefinition{{
			Name:          "fragile-step",
			RetryAttempts: 3,
			RetryDelay:    time.Millisecond,
			Handler: saga.StepFunc(func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
				atomic.AddInt32(&calls, 1)
				return nil, errors.New("not safe to repeat")
			}),
		}},
	}
	orch, store := newTestOrchestrator(t, def)

	result, err := orch.ExecuteSaga(context.Background(), "fragile", nil)
	require.Error(t, err)
	assert.True(t, saga.IsStepExecutionFailed(err))
	assert.Equal(t, saga.StatusFailed, result.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a non-idempotent fault burns no retries")

	persisted, err := store.GetExecution(context.Background(), result.SagaID)
	require.NoError(t, err)
	step := persisted.StepByName("fragile-step")
	assert.Equal(t, 0, step.RetryCount)
	assert.Equal(t, "not safe to repeat", step.ErrorMessage)
}

func TestTimeoutIsRetriedEvenWhenNotIdempotent(t *testing.T) {
	var calls int32
	def := &saga.SagaDefinition{
		Name: "slow-once",
		Steps: []saga.StepDefinition{{
			Name:          "slow-step",
			Timeout:       30 * time.Millisecond,
			RetryAttempts: 2,
			RetryDelay:    time.Millisecond,
			Handler: saga.StepFunc(func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
				if atomic.AddInt32(&calls, 1) == 1 {
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
					}
					return nil, ctx.Err()
				}
				return map[string]interface{}{"ok": true}, nil
			}),
		}},
	}
	orch, _ := newTestOrchestrator(t, def)

	result, err := orch.ExecuteSaga(context.Background(), "slow-once", nil)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, result.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, result.Steps[0].RetryCount)
}

func TestRetryBudgetExhaustedByTimeouts(t *testing.T) {
	var calls int32
	def := &saga.SagaDefinition{
		Name: "always-slow",
		Steps: []saga.StepDefinition{{
			Name:          "stuck-step",
			Timeout:       20 * time.Millisecond,
			RetryAttempts: 2,
			RetryDelay:    time.Millisecond,
			Handler: saga.StepFunc(func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
				atomic.AddInt32(&calls, 1)
				<-ctx.Done()
				return nil, ctx.Err()
			}),
		}},
	}
	orch, store := newTestOrchestrator(t, def)

	result, err := orch.ExecuteSaga(context.Background(), "always-slow", nil)
	require.Error(t, err)
	assert.True(t, saga.IsStepExecutionFailed(err))
	assert.Equal(t, saga.StatusFailed, result.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "one initial attempt plus two retries")

	persisted, err := store.GetExecution(context.Background(), result.SagaID)
	require.NoError(t, err)
	assert.Equal(t, 2, persisted.StepByName("stuck-step").RetryCount)
}

func TestCallerCancellationAbortsWithoutRetrying(t *testing.T) {
	var calls int32
	def := &saga.SagaDefinition{
		Name: "cancellable",
		Steps: []saga.StepDefinition{{
			Name:          "waiting-step",
			Idempotent:    true,
			RetryAttempts: 5,
			Handler: saga.StepFunc(func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
				atomic.AddInt32(&calls, 1)
				<-ctx.Done()
				return nil, ctx.Err()
			}),
		}},
	}
	orch, _ := newTestOrchestrator(t, def)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := orch.ExecuteSaga(ctx, "cancellable", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "cancellation does not burn the retry budget")
}
