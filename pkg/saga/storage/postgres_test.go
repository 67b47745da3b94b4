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
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medroster/medroster/pkg/saga"
)

var executionColumns = []string{
	"id", "saga_name", "saga_version", "status", "input_data", "accumulated_data",
	"metadata", "started_at", "completed_at", "timeout_at", "compensated_steps_count", "error_message",
}

var stepColumns = []string{
	"id", "saga_id", "step_name", "step_order", "parallel_group", "status", "output_data",
	"error_message", "compensation_error", "retry_count", "max_retries",
	"started_at", "completed_at", "compensated_at", "timeout_at",
}

func newMockStorage(t *testing.T) (*PostgresStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStorageWithDB(db, nil), mock
}

func TestPostgresCreateExecution(t *testing.T) {
	store, mock := newMockStorage(t)
	mock.ExpectExec("INSERT INTO saga_executions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	def := testDefinition("test-saga")
	sagaCtx := saga.NewSagaContext("saga-1", map[string]interface{}{"month": "2026-09"}, nil)
	exec, err := store.CreateExecution(context.Background(), def, sagaCtx)
	require.NoError(t, err)
	assert.Equal(t, "saga-1", exec.ID)
	assert.Equal(t, saga.StatusPending, exec.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateExecutionDuplicate(t *testing.T) {
	store, mock := newMockStorage(t)
	mock.ExpectExec("INSERT INTO saga_executions").
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "saga_executions_pkey"`))

	def := testDefinition("test-saga")
	sagaCtx := saga.NewSagaContext("saga-1", nil, nil)
	_, err := store.CreateExecution(context.Background(), def, sagaCtx)
	require.Error(t, err)
	assert.True(t, saga.IsDuplicateSaga(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetExecution(t *testing.T) {
	store, mock := newMockStorage(t)
	started := time.Now()
	completed := started.Add(time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM saga_executions WHERE id").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows(executionColumns).AddRow(
			"saga-1", "test-saga", "1", "completed",
			[]byte(`{"month":"2026-09"}`), []byte(`{"one":{"ok":true}}`), nil,
			started, completed, nil, 0, ""))
	mock.ExpectQuery("SELECT (.+) FROM saga_steps WHERE saga_id").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows(stepColumns).
			AddRow("step-1", "saga-1", "one", 0, "", "completed", []byte(`{"ok":true}`),
				"", "", 0, 2, started, completed, nil, nil).
			AddRow("step-2", "saga-1", "two", 1, "", "completed", nil,
				"", "", 1, 0, started, completed, nil, nil))

	exec, err := store.GetExecution(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, exec.Status)
	assert.Equal(t, "2026-09", exec.InputData["month"])
	require.NotNil(t, exec.CompletedAt)
	require.Len(t, exec.Steps, 2)
	assert.Equal(t, "one", exec.Steps[0].StepName)
	assert.Equal(t, map[string]interface{}{"ok": true}, exec.Steps[0].OutputData)
	assert.Equal(t, 1, exec.Steps[1].RetryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetExecutionNotFound(t *testing.T) {
	store, mock := newMockStorage(t)
	mock.ExpectQuery("SELECT (.+) FROM saga_executions WHERE id").
		WithArgs("saga-missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetExecution(context.Background(), "saga-missing")
	require.Error(t, err)
	assert.True(t, saga.IsSagaNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateExecutionNotFound(t *testing.T) {
	store, mock := newMockStorage(t)
	mock.ExpectExec("UPDATE saga_executions SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateExecution(context.Background(), &saga.SagaExecution{ID: "saga-missing"})
	require.Error(t, err)
	assert.True(t, saga.IsSagaNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetOrCreateStepCreates(t *testing.T) {
	store, mock := newMockStorage(t)
	mock.ExpectQuery("SELECT (.+) FROM saga_steps WHERE saga_id").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO saga_steps").
		WillReturnResult(sqlmock.NewResult(0, 1))

	def := testDefinition("test-saga")
	exec := &saga.SagaExecution{ID: "saga-1"}
	step, err := store.GetOrCreateStep(context.Background(), exec, &def.Steps[0], 0)
	require.NoError(t, err)
	assert.NotEmpty(t, step.ID)
	assert.Equal(t, saga.StepStatusPending, step.Status)
	assert.Equal(t, 2, step.MaxRetries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetOrCreateStepReturnsExisting(t *testing.T) {
	store, mock := newMockStorage(t)
	mock.ExpectQuery("SELECT (.+) FROM saga_steps WHERE saga_id").
		WithArgs("saga-1", "one").
		WillReturnRows(sqlmock.NewRows(stepColumns).AddRow(
			"step-1", "saga-1", "one", 0, "", "completed", nil,
			"", "", 0, 2, nil, nil, nil, nil))

	def := testDefinition("test-saga")
	exec := &saga.SagaExecution{ID: "saga-1"}
	step, err := store.GetOrCreateStep(context.Background(), exec, &def.Steps[0], 0)
	require.NoError(t, err)
	assert.Equal(t, "step-1", step.ID)
	assert.Equal(t, saga.StepStatusCompleted, step.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendEvent(t *testing.T) {
	store, mock := newMockStorage(t)
	mock.ExpectExec("INSERT INTO saga_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AppendEvent(context.Background(), &saga.SagaEvent{
		ID:        "event-1",
		SagaID:    "saga-1",
		EventType: saga.EventSagaStarted,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteExecution(t *testing.T) {
	store, mock := newMockStorage(t)
	mock.ExpectExec("DELETE FROM saga_events").
		WithArgs("saga-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM saga_executions").
		WithArgs("saga-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.DeleteExecution(context.Background(), "saga-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteExecutionNotFound(t *testing.T) {
	store, mock := newMockStorage(t)
	mock.ExpectExec("DELETE FROM saga_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM saga_executions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeleteExecution(context.Background(), "saga-missing")
	require.Error(t, err)
	assert.True(t, saga.IsSagaNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindExecutionsByStatusEmptySet(t *testing.T) {
	store, mock := newMockStorage(t)

	found, err := store.FindExecutionsByStatus(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClosed(t *testing.T) {
	store, mock := newMockStorage(t)
	mock.ExpectClose()
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "double close is harmless")

	_, err := store.GetExecution(context.Background(), "saga-1")
	assert.True(t, saga.IsStorageError(err))
	assert.Error(t, store.Ping(context.Background()))
}

func TestPostgresConfigDefaultsAndValidation(t *testing.T) {
	cfg := &PostgresConfig{DSN: "postgres://localhost/medroster"}
	cfg.ApplyDefaults()
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, time.Hour, cfg.ConnMaxLifetime)
	assert.NoError(t, cfg.Validate())

	assert.ErrorIs(t, (&PostgresConfig{}).Validate(), ErrEmptyDSN)

	bad := &PostgresConfig{DSN: "x", MaxOpenConns: 2, MaxIdleConns: 5, ConnectionTimeout: time.Second}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidPoolConfig)
}
