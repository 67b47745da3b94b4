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

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medroster/medroster/pkg/saga"
)

// MemoryStorage is a map-backed saga.Storage for development and tests.
// Records are deep-copied on the way in and out so callers cannot mutate
// stored state behind the adapter's back.
type MemoryStorage struct {
	mu     sync.RWMutex
	sagas  map[string]*saga.SagaExecution
	events map[string][]*saga.SagaEvent
	closed bool
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sagas:  make(map[string]*saga.SagaExecution),
		events: make(map[string][]*saga.SagaEvent),
	}
}

// Close marks the storage closed; subsequent operations fail.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.sagas = nil
	m.events = nil
	return nil
}

// Ping implements saga.Pinger.
func (m *MemoryStorage) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return saga.NewSagaError(saga.ErrCodeStorageError, "storage is closed")
	}
	return nil
}

// CreateExecution implements saga.Storage.
func (m *MemoryStorage) CreateExecution(_ context.Context, def *saga.SagaDefinition, sagaCtx *saga.SagaContext) (*saga.SagaExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, saga.NewSagaError(saga.ErrCodeStorageError, "storage is closed")
	}
	if _, ok := m.sagas[sagaCtx.SagaID]; ok {
		return nil, saga.NewDuplicateSagaError(sagaCtx.SagaID)
	}

	exec := &saga.SagaExecution{
		ID:              sagaCtx.SagaID,
		SagaName:        def.Name,
		SagaVersion:     def.Version,
		Status:          saga.StatusPending,
		InputData:       sagaCtx.InputSnapshot(),
		AccumulatedData: sagaCtx.AccumulatedSnapshot(),
		Metadata:        sagaCtx.Metadata,
		StartedAt:       time.Now(),
	}
	m.sagas[exec.ID] = copyExecution(exec)
	return exec, nil
}

// GetExecution implements saga.Storage.
func (m *MemoryStorage) GetExecution(_ context.Context, sagaID string) (*saga.SagaExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, saga.NewSagaError(saga.ErrCodeStorageError, "storage is closed")
	}
	exec, ok := m.sagas[sagaID]
	if !ok {
		return nil, saga.NewSagaNotFoundError(sagaID)
	}
	return copyExecution(exec), nil
}

// UpdateExecution implements saga.Storage. Step rows are not touched; they
// travel through UpdateStep.
func (m *MemoryStorage) UpdateExecution(_ context.Context, exec *saga.SagaExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return saga.NewSagaError(saga.ErrCodeStorageError, "storage is closed")
	}
	stored, ok := m.sagas[exec.ID]
	if !ok {
		return saga.NewSagaNotFoundError(exec.ID)
	}

	stored.Status = exec.Status
	stored.AccumulatedData = copyData(exec.AccumulatedData)
	stored.CompletedAt = copyTime(exec.CompletedAt)
	stored.TimeoutAt = copyTime(exec.TimeoutAt)
	stored.CompensatedStepsCount = exec.CompensatedStepsCount
	stored.ErrorMessage = exec.ErrorMessage
	return nil
}

// GetOrCreateStep implements saga.Storage.
func (m *MemoryStorage) GetOrCreateStep(_ context.Context, exec *saga.SagaExecution, stepDef *saga.StepDefinition, order int) (*saga.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, saga.NewSagaError(saga.ErrCodeStorageError, "storage is closed")
	}
	stored, ok := m.sagas[exec.ID]
	if !ok {
		return nil, saga.NewSagaNotFoundError(exec.ID)
	}

	if existing := stored.StepByName(stepDef.Name); existing != nil {
		return copyStep(existing), nil
	}

	step := &saga.StepExecution{
		ID:            "step-" + uuid.NewString(),
		SagaID:        exec.ID,
		StepName:      stepDef.Name,
		StepOrder:     order,
		ParallelGroup: stepDef.ParallelGroup,
		Status:        saga.StepStatusPending,
		MaxRetries:    stepDef.RetryAttempts,
	}
	stored.Steps = append(stored.Steps, copyStep(step))
	sort.Slice(stored.Steps, func(i, j int) bool {
		return stored.Steps[i].StepOrder < stored.Steps[j].StepOrder
	})
	return step, nil
}

// UpdateStep implements saga.Storage.
func (m *MemoryStorage) UpdateStep(_ context.Context, sagaID string, step *saga.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return saga.NewSagaError(saga.ErrCodeStorageError, "storage is closed")
	}
	stored, ok := m.sagas[sagaID]
	if !ok {
		return saga.NewSagaNotFoundError(sagaID)
	}
	for i, s := range stored.Steps {
		if s.ID == step.ID {
			stored.Steps[i] = copyStep(step)
			return nil
		}
	}
	return saga.NewSagaError(saga.ErrCodeStorageError, "step not found: "+step.StepName)
}

// AppendEvent implements saga.Storage.
func (m *MemoryStorage) AppendEvent(_ context.Context, event *saga.SagaEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return saga.NewSagaError(saga.ErrCodeStorageError, "storage is closed")
	}
	copied := *event
	copied.EventData = copyData(event.EventData)
	m.events[event.SagaID] = append(m.events[event.SagaID], &copied)
	return nil
}

// GetEvents returns the audit trail of a saga in append order.
func (m *MemoryStorage) GetEvents(_ context.Context, sagaID string) ([]*saga.SagaEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, saga.NewSagaError(saga.ErrCodeStorageError, "storage is closed")
	}
	events := m.events[sagaID]
	out := make([]*saga.SagaEvent, len(events))
	for i, e := range events {
		copied := *e
		copied.EventData = copyData(e.EventData)
		out[i] = &copied
	}
	return out, nil
}

// FindExecutionsByStatus implements saga.Storage.
func (m *MemoryStorage) FindExecutionsByStatus(_ context.Context, statuses []saga.SagaStatus) ([]*saga.SagaExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, saga.NewSagaError(saga.ErrCodeStorageError, "storage is closed")
	}

	wanted := make(map[saga.SagaStatus]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}

	var out []*saga.SagaExecution
	for _, exec := range m.sagas {
		if _, ok := wanted[exec.Status]; ok {
			out = append(out, copyExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// DeleteExecution implements saga.Storage.
func (m *MemoryStorage) DeleteExecution(_ context.Context, sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return saga.NewSagaError(saga.ErrCodeStorageError, "storage is closed")
	}
	if _, ok := m.sagas[sagaID]; !ok {
		return saga.NewSagaNotFoundError(sagaID)
	}
	delete(m.sagas, sagaID)
	delete(m.events, sagaID)
	return nil
}

func copyExecution(exec *saga.SagaExecution) *saga.SagaExecution {
	copied := *exec
	copied.InputData = copyData(exec.InputData)
	copied.AccumulatedData = copyData(exec.AccumulatedData)
	copied.Metadata = copyData(exec.Metadata)
	copied.CompletedAt = copyTime(exec.CompletedAt)
	copied.TimeoutAt = copyTime(exec.TimeoutAt)
	copied.Steps = make([]*saga.StepExecution, len(exec.Steps))
	for i, s := range exec.Steps {
		copied.Steps[i] = copyStep(s)
	}
	return &copied
}

func copyStep(step *saga.StepExecution) *saga.StepExecution {
	copied := *step
	copied.OutputData = copyData(step.OutputData)
	copied.StartedAt = copyTime(step.StartedAt)
	copied.CompletedAt = copyTime(step.CompletedAt)
	copied.CompensatedAt = copyTime(step.CompensatedAt)
	copied.TimeoutAt = copyTime(step.TimeoutAt)
	return &copied
}

func copyData(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}

var (
	_ saga.Storage = (*MemoryStorage)(nil)
	_ saga.Pinger  = (*MemoryStorage)(nil)
)
