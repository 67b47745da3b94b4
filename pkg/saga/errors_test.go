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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSagaErrorFormatting(t *testing.T) {
	err := NewStepTimeoutError("generate_assignments", 30*time.Second)
	assert.Contains(t, err.Error(), "STEP_TIMEOUT")
	assert.Contains(t, err.Error(), "generate_assignments")

	cause := errors.New("connection refused")
	wrapped := NewStorageError("update execution", cause)
	assert.Contains(t, wrapped.Error(), "STORAGE_ERROR")
	assert.ErrorIs(t, wrapped, cause)
}

func TestWrapErrorNilCause(t *testing.T) {
	assert.Nil(t, WrapError(nil, ErrCodeStorageError, "no-op"))
}

func TestPredicatesWalkWrappedChains(t *testing.T) {
	inner := NewSagaTimeoutError("saga-1", time.Minute)
	outer := fmt.Errorf("execute failed: %w", inner)

	assert.True(t, IsSagaTimeout(outer))
	assert.False(t, IsStepTimeout(outer))
	assert.False(t, IsSagaTimeout(errors.New("plain")))
	assert.False(t, IsSagaTimeout(nil))
}

func TestPredicateMatrix(t *testing.T) {
	cause := errors.New("cause")
	tests := []struct {
		err   error
		check func(error) bool
	}{
		{NewSagaNotFoundError("x"), IsSagaNotFound},
		{NewDuplicateSagaError("x"), IsDuplicateSaga},
		{NewSagaTimeoutError("x", time.Second), IsSagaTimeout},
		{NewStepTimeoutError("x", time.Second), IsStepTimeout},
		{NewStepExecutionError("x", cause), IsStepExecutionFailed},
		{NewCompensationError("x", cause), IsCompensationFailed},
		{NewStorageError("x", cause), IsStorageError},
		{NewValidationError("x"), IsValidationError},
	}
	for _, tt := range tests {
		require.Error(t, tt.err)
		assert.True(t, tt.check(tt.err), "%v", tt.err)
	}
}

func TestStepExecutionErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("handler exploded")
	err := NewStepExecutionError("persist_schedule", cause)
	assert.ErrorIs(t, err, cause)

	var sagaErr *SagaError
	require.True(t, errors.As(err, &sagaErr))
	assert.Equal(t, ErrCodeStepFailed, sagaErr.Code)
}
