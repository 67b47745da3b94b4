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
	"time"

	"go.uber.org/zap"

	"github.com/medroster/medroster/pkg/logger"
	"github.com/medroster/medroster/pkg/saga"
)

const recoveryFailureReason = "interrupted by process restart; marked failed by recovery scan"

// RecoverPendingSagas scans storage for sagas stranded in an active status
// by a previous process crash and marks them FAILED. It does not resume
// them: a stranded saga may have side effects in flight that only a human
// or a deliberate re-execution should reconcile. Returns the IDs of the
// sagas it marked.
func (o *Orchestrator) RecoverPendingSagas(ctx context.Context) ([]string, error) {
	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return nil, ErrOrchestratorClosed
	}

	log := logger.GetLogger()

	stranded, err := o.storage.FindExecutionsByStatus(ctx, saga.ActiveStatuses)
	if err != nil {
		return nil, saga.NewStorageError("FindExecutionsByStatus", err)
	}

	recovered := make([]string, 0, len(stranded))
	for _, exec := range stranded {
		previous := exec.Status
		if err := exec.TransitionTo(saga.StatusFailed); err != nil {
			log.Error("illegal saga status transition",
				zap.String("saga_id", exec.ID), zap.Error(err))
			exec.Status = saga.StatusFailed
		}
		exec.ErrorMessage = recoveryFailureReason
		now := time.Now()
		exec.CompletedAt = &now

		if err := o.storage.UpdateExecution(ctx, exec); err != nil {
			log.Error("failed to mark stranded saga as failed",
				zap.String("saga_id", exec.ID), zap.Error(err))
			continue
		}

		o.appendEvent(ctx, exec.ID, "", saga.EventRecoveryMarkedFailed,
			map[string]interface{}{"previous_status": string(previous)},
			recoveryFailureReason)

		log.Info("marked stranded saga as failed",
			zap.String("saga_id", exec.ID),
			zap.String("saga_name", exec.SagaName))
		recovered = append(recovered, exec.ID)
	}

	return recovered, nil
}

// CleanupOldSagas deletes terminal sagas whose completion time is more
// than olderThanDays in the past, removing at most batchSize per call.
// Returns the number of sagas deleted.
func (o *Orchestrator) CleanupOldSagas(ctx context.Context, olderThanDays, batchSize int) (int, error) {
	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return 0, ErrOrchestratorClosed
	}
	if olderThanDays < 0 {
		return 0, saga.NewValidationError("olderThanDays must not be negative")
	}
	if batchSize <= 0 {
		return 0, saga.NewValidationError("batchSize must be positive")
	}

	log := logger.GetLogger()
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	terminal, err := o.storage.FindExecutionsByStatus(ctx, saga.TerminalStatuses)
	if err != nil {
		return 0, saga.NewStorageError("FindExecutionsByStatus", err)
	}

	deleted := 0
	for _, exec := range terminal {
		if deleted >= batchSize {
			break
		}

		finishedAt := exec.StartedAt
		if exec.CompletedAt != nil {
			finishedAt = *exec.CompletedAt
		}
		if !finishedAt.Before(cutoff) {
			continue
		}

		if err := o.storage.DeleteExecution(ctx, exec.ID); err != nil {
			log.Error("failed to delete old saga",
				zap.String("saga_id", exec.ID), zap.Error(err))
			continue
		}
		deleted++
	}

	if deleted > 0 {
		log.Info("cleaned up old sagas",
			zap.Int("deleted", deleted),
			zap.Int("older_than_days", olderThanDays))
	}

	return deleted, nil
}
