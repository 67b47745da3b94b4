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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medroster/medroster/pkg/saga"
	"github.com/medroster/medroster/pkg/saga/storage"
)

// faultyStorage wraps a real store and fails selected operations.
type faultyStorage struct {
	saga.Storage

	failUpdateStepFor string
	err               error
}

func (f *faultyStorage) UpdateStep(ctx context.Context, sagaID string, step *saga.StepExecution) error {
	if step.StepName == f.failUpdateStepFor {
		return f.err
	}
	return f.Storage.UpdateStep(ctx, sagaID, step)
}

func TestStorageFaultAbortsWithoutCompensation(t *testing.T) {
	rec := &compRecorder{}
	def := &saga.SagaDefinition{
		Name: "durable",
		Steps: []saga.StepDefinition{
			{Name: "first", Handler: okStep("first", rec)},
			{Name: "second", Handler: okStep("second", rec)},
		},
	}

	store := storage.NewMemoryStorage()
	faulty := &faultyStorage{
		Storage:           store,
		failUpdateStepFor: "second",
		err:               errors.New("connection reset"),
	}
	orch, err := New(&Config{Storage: faulty, Registry: saga.NewRegistry()})
	require.NoError(t, err)
	require.NoError(t, orch.RegisterSaga(def))

	result, err := orch.ExecuteSaga(context.Background(), "durable", nil)
	require.Error(t, err)
	assert.True(t, saga.IsStorageError(err))
	assert.Nil(t, result, "no trustworthy result when the store is suspect")

	assert.Empty(t, rec.recorded(), "a persistence fault never triggers compensation")

	persisted, err := store.GetExecution(context.Background(), findOnlySagaID(t, store))
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailed, persisted.Status)
	assert.NotEmpty(t, persisted.ErrorMessage)
}

func findOnlySagaID(t *testing.T, store *storage.MemoryStorage) string {
	t.Helper()
	all, err := store.FindExecutionsByStatus(context.Background(),
		append(append([]saga.SagaStatus{}, saga.TerminalStatuses...), saga.ActiveStatuses...))
	require.NoError(t, err)
	require.Len(t, all, 1)
	return all[0].ID
}
