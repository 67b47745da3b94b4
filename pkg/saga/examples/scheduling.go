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

// Package examples contains runnable saga definitions that demonstrate how
// to wire step handlers, parallel groups and compensations. The scheduling
// saga here mirrors the monthly rota publication flow: build the schedule,
// persist it, then fan out notifications.
package examples

import (
	"context"
	"fmt"
	"time"

	"github.com/medroster/medroster/pkg/saga"
)

// ScheduleStore abstracts the persistence the scheduling saga talks to.
// The real application backs this with its rota tables; tests use fakes.
type ScheduleStore interface {
	SaveSchedule(ctx context.Context, month string, assignments map[string]interface{}) (string, error)
	DeleteSchedule(ctx context.Context, scheduleID string) error
}

// Notifier delivers schedule notifications to residents and coordinators.
type Notifier interface {
	Notify(ctx context.Context, channel, month string) error
	Retract(ctx context.Context, channel, month string) error
}

// NewSchedulingSaga builds the "generate and publish monthly schedule"
// saga. Steps:
//
//  1. validate_roster      - checks the month's roster is complete
//  2. generate_assignments - computes shift assignments
//  3. persist_schedule     - writes the schedule (compensated by delete)
//  4. notify_residents     - parallel fan-out with notify_coordinators
//  5. notify_coordinators
//
// The notification steps retract on compensation so a failure after
// publication does not leave stale announcements behind.
func NewSchedulingSaga(store ScheduleStore, notifier Notifier) *saga.SagaDefinition {
	return &saga.SagaDefinition{
		Name:    "publish-monthly-schedule",
		Version: "1",
		Timeout: 5 * time.Minute,
		Steps: []saga.StepDefinition{
			{
				Name:    "validate_roster",
				Handler: saga.StepFunc(validateRoster),
				Timeout: 30 * time.Second,
			},
			{
				Name:          "generate_assignments",
				Handler:       saga.StepFunc(generateAssignments),
				Timeout:       2 * time.Minute,
				RetryAttempts: 1,
				RetryDelay:    5 * time.Second,
				Idempotent:    true,
			},
			{
				Name:          "persist_schedule",
				Handler:       persistScheduleHandler(store),
				Timeout:       30 * time.Second,
				RetryAttempts: 2,
				RetryDelay:    2 * time.Second,
				Idempotent:    true,
			},
			{
				Name:          "notify_residents",
				Handler:       notifyHandler(notifier, "residents"),
				Timeout:       time.Minute,
				RetryAttempts: 3,
				RetryDelay:    10 * time.Second,
				ParallelGroup: "notify",
				Idempotent:    true,
			},
			{
				Name:          "notify_coordinators",
				Handler:       notifyHandler(notifier, "coordinators"),
				Timeout:       time.Minute,
				RetryAttempts: 3,
				RetryDelay:    10 * time.Second,
				ParallelGroup: "notify",
				Idempotent:    true,
			},
		},
	}
}

func validateRoster(_ context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	month, ok := input["month"].(string)
	if !ok || month == "" {
		return nil, fmt.Errorf("missing month in saga input")
	}
	residents, ok := input["residents"].([]interface{})
	if !ok || len(residents) == 0 {
		return nil, fmt.Errorf("no residents on roster for %s", month)
	}
	return map[string]interface{}{"roster_size": len(residents)}, nil
}

func generateAssignments(_ context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	month := input["month"].(string)
	residents := input["residents"].([]interface{})

	// Round-robin placeholder; the production scheduler plugs in here.
	assignments := make(map[string]interface{}, len(residents))
	for i, resident := range residents {
		name, ok := resident.(string)
		if !ok {
			return nil, fmt.Errorf("roster entry %d is not a name", i)
		}
		assignments[name] = fmt.Sprintf("%s-shift-%d", month, i+1)
	}
	return map[string]interface{}{"assignments": assignments}, nil
}

func persistScheduleHandler(store ScheduleStore) saga.StepHandler {
	return &saga.FuncHandler{
		ExecuteFunc: func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			month := input["month"].(string)
			generated, _ := input["generate_assignments"].(map[string]interface{})
			assignments, _ := generated["assignments"].(map[string]interface{})
			if len(assignments) == 0 {
				return nil, fmt.Errorf("no assignments to persist for %s", month)
			}

			scheduleID, err := store.SaveSchedule(ctx, month, assignments)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"schedule_id": scheduleID}, nil
		},
		CompensateFunc: func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			output, _ := input["step_output"].(map[string]interface{})
			scheduleID, _ := output["schedule_id"].(string)
			if scheduleID == "" {
				return nil, nil
			}
			return nil, store.DeleteSchedule(ctx, scheduleID)
		},
	}
}

func notifyHandler(notifier Notifier, channel string) saga.StepHandler {
	return &saga.FuncHandler{
		ExecuteFunc: func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			month := input["month"].(string)
			if err := notifier.Notify(ctx, channel, month); err != nil {
				return nil, err
			}
			return map[string]interface{}{"notified": channel}, nil
		},
		CompensateFunc: func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			month := input["month"].(string)
			return nil, notifier.Retract(ctx, channel, month)
		},
	}
}
