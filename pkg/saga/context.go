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
	"sync"
)

// SagaContext carries the per-execution data flowing between steps.
// InputData is caller-supplied and immutable for the run; AccumulatedData
// receives each completed step's output under the step's name. The merge
// operations are mutex-guarded so steps of a parallel cohort can merge
// concurrently.
type SagaContext struct {
	SagaID   string
	Metadata map[string]interface{}

	mu          sync.Mutex
	inputData   map[string]interface{}
	accumulated map[string]interface{}
}

// NewSagaContext creates a context for a new saga execution.
func NewSagaContext(sagaID string, input, metadata map[string]interface{}) *SagaContext {
	return &SagaContext{
		SagaID:      sagaID,
		Metadata:    copyMap(metadata),
		inputData:   copyMap(input),
		accumulated: make(map[string]interface{}),
	}
}

// RestoreAccumulated replaces the accumulated data with a persisted snapshot.
// Used on the recovery path when resuming a prior execution.
func (c *SagaContext) RestoreAccumulated(data map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulated = copyMap(data)
}

// MergeOutput records a completed step's output under the step's name.
func (c *SagaContext) MergeOutput(stepName string, output map[string]interface{}) {
	if output == nil {
		output = map[string]interface{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulated[stepName] = copyMap(output)
}

// BuildStepInput returns the union of input and accumulated data as a fresh
// map; accumulated keys win on conflict. Steps receive this and must not be
// able to mutate the context through it.
func (c *SagaContext) BuildStepInput() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := make(map[string]interface{}, len(c.inputData)+len(c.accumulated))
	for k, v := range c.inputData {
		merged[k] = v
	}
	for k, v := range c.accumulated {
		merged[k] = v
	}
	return merged
}

// BuildCompensationInput returns the step input union with the given step's
// own persisted output injected under the "step_output" key.
func (c *SagaContext) BuildCompensationInput(stepOutput map[string]interface{}) map[string]interface{} {
	merged := c.BuildStepInput()
	merged["step_output"] = copyMap(stepOutput)
	return merged
}

// InputSnapshot returns a copy of the immutable input data.
func (c *SagaContext) InputSnapshot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyMap(c.inputData)
}

// AccumulatedSnapshot returns a copy of the accumulated data for persistence.
func (c *SagaContext) AccumulatedSnapshot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyMap(c.accumulated)
}

// copyMap returns a shallow copy of m; nil maps yield an empty map.
func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
