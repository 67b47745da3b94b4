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

package examples

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medroster/medroster/pkg/saga"
	"github.com/medroster/medroster/pkg/saga/orchestrator"
	"github.com/medroster/medroster/pkg/saga/storage"
)

type fakeScheduleStore struct {
	mu       sync.Mutex
	saved    map[string]map[string]interface{}
	deleted  []string
	failSave bool
}

func newFakeScheduleStore() *fakeScheduleStore {
	return &fakeScheduleStore{saved: make(map[string]map[string]interface{})}
}

func (s *fakeScheduleStore) SaveSchedule(_ context.Context, month string, assignments map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return "", errors.New("schedule table unavailable")
	}
	id := "sched-" + month
	s.saved[id] = assignments
	return id, nil
}

func (s *fakeScheduleStore) DeleteSchedule(_ context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, scheduleID)
	s.deleted = append(s.deleted, scheduleID)
	return nil
}

type fakeNotifier struct {
	mu          sync.Mutex
	notified    []string
	retracted   []string
	failChannel string
}

func (n *fakeNotifier) Notify(_ context.Context, channel, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if channel == n.failChannel {
		return errors.New("notification gateway rejected " + channel)
	}
	n.notified = append(n.notified, channel)
	return nil
}

func (n *fakeNotifier) Retract(_ context.Context, channel, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.retracted = append(n.retracted, channel)
	return nil
}

// withoutRetries zeroes the retry budgets so failure-path tests do not sit
// in retry delays.
func withoutRetries(def *saga.SagaDefinition) *saga.SagaDefinition {
	for i := range def.Steps {
		def.Steps[i].RetryAttempts = 0
		def.Steps[i].RetryDelay = 0
	}
	return def
}

func newSchedulingOrchestrator(t *testing.T, def *saga.SagaDefinition) *orchestrator.Orchestrator {
	t.Helper()
	orch, err := orchestrator.New(&orchestrator.Config{
		Storage:  storage.NewMemoryStorage(),
		Registry: saga.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, orch.RegisterSaga(def))
	return orch
}

func schedulingInput() map[string]interface{} {
	return map[string]interface{}{
		"month":     "2026-09",
		"residents": []interface{}{"chen", "okafor", "ruiz"},
	}
}

func TestSchedulingSagaPublishes(t *testing.T) {
	store := newFakeScheduleStore()
	notifier := &fakeNotifier{}
	orch := newSchedulingOrchestrator(t, NewSchedulingSaga(store, notifier))

	result, err := orch.ExecuteSaga(context.Background(), "publish-monthly-schedule", schedulingInput())
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, result.Status)

	assert.Len(t, store.saved, 1)
	assignments := store.saved["sched-2026-09"]
	require.NotNil(t, assignments)
	assert.Len(t, assignments, 3)
	assert.ElementsMatch(t, []string{"residents", "coordinators"}, notifier.notified)
	assert.Empty(t, notifier.retracted)
}

func TestSchedulingSagaRollsBackOnNotifyFailure(t *testing.T) {
	store := newFakeScheduleStore()
	notifier := &fakeNotifier{failChannel: "coordinators"}
	orch := newSchedulingOrchestrator(t, withoutRetries(NewSchedulingSaga(store, notifier)))

	result, err := orch.ExecuteSaga(context.Background(), "publish-monthly-schedule", schedulingInput())
	require.Error(t, err)
	assert.True(t, saga.IsStepExecutionFailed(err))
	assert.Equal(t, saga.StatusFailed, result.Status)

	assert.Empty(t, store.saved, "the published schedule is withdrawn")
	assert.Equal(t, []string{"sched-2026-09"}, store.deleted)
	assert.Equal(t, []string{"residents"}, notifier.notified)
	assert.Equal(t, []string{"residents"}, notifier.retracted, "only the delivered channel is retracted")
}

func TestSchedulingSagaRejectsIncompleteRoster(t *testing.T) {
	store := newFakeScheduleStore()
	notifier := &fakeNotifier{}
	orch := newSchedulingOrchestrator(t, withoutRetries(NewSchedulingSaga(store, notifier)))

	_, err := orch.ExecuteSaga(context.Background(), "publish-monthly-schedule", map[string]interface{}{
		"month": "2026-09",
	})
	require.Error(t, err)
	assert.Empty(t, store.saved)
	assert.Empty(t, notifier.notified)
}

func TestValidateRoster(t *testing.T) {
	out, err := validateRoster(context.Background(), schedulingInput())
	require.NoError(t, err)
	assert.Equal(t, 3, out["roster_size"])

	_, err = validateRoster(context.Background(), map[string]interface{}{"residents": []interface{}{"chen"}})
	assert.Error(t, err, "month is required")
}

func TestGenerateAssignmentsCoversRoster(t *testing.T) {
	out, err := generateAssignments(context.Background(), schedulingInput())
	require.NoError(t, err)
	assignments := out["assignments"].(map[string]interface{})
	assert.Len(t, assignments, 3)
	assert.Equal(t, "2026-09-shift-1", assignments["chen"])
}
