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
	"time"
)

// Predefined error codes. These are part of the saga's observable surface;
// callers branch on them via the Is* predicates below.
const (
	ErrCodeSagaNotFound       = "SAGA_NOT_FOUND"
	ErrCodeDuplicateSaga      = "SAGA_DUPLICATE"
	ErrCodeSagaTimeout        = "SAGA_TIMEOUT"
	ErrCodeStepTimeout        = "STEP_TIMEOUT"
	ErrCodeStepFailed         = "STEP_EXECUTION_FAILED"
	ErrCodeCompensationFailed = "COMPENSATION_FAILED"
	ErrCodeStorageError       = "STORAGE_ERROR"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeInvalidTransition  = "INVALID_STATUS_TRANSITION"
)

// SagaError is the structured error type used throughout the saga subsystem.
type SagaError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *SagaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *SagaError) Unwrap() error {
	return e.Err
}

// NewSagaError creates a SagaError with the given code and message.
func NewSagaError(code, message string) *SagaError {
	return &SagaError{Code: code, Message: message}
}

// WrapError wraps an existing error into a SagaError. Returns nil for a nil
// cause.
func WrapError(err error, code, message string) *SagaError {
	if err == nil {
		return nil
	}
	return &SagaError{Code: code, Message: message, Err: err}
}

// NewSagaNotFoundError reports that no execution or definition exists for
// the given key.
func NewSagaNotFoundError(key string) *SagaError {
	return NewSagaError(ErrCodeSagaNotFound, fmt.Sprintf("saga %q not found", key))
}

// NewDuplicateSagaError reports a registration name collision.
func NewDuplicateSagaError(name string) *SagaError {
	return NewSagaError(ErrCodeDuplicateSaga, fmt.Sprintf("saga %q is already registered", name))
}

// NewSagaTimeoutError reports that the whole-saga timeout elapsed.
func NewSagaTimeoutError(sagaID string, timeout time.Duration) *SagaError {
	return NewSagaError(ErrCodeSagaTimeout, fmt.Sprintf("saga %s timed out after %v", sagaID, timeout))
}

// NewStepTimeoutError reports that a single step attempt exceeded its
// timeout. Step timeouts are always retryable up to the step's attempt
// budget.
func NewStepTimeoutError(stepName string, timeout time.Duration) *SagaError {
	return NewSagaError(ErrCodeStepTimeout, fmt.Sprintf("step %q timed out after %v", stepName, timeout))
}

// NewStepExecutionError wraps a fault raised by a step's action.
func NewStepExecutionError(stepName string, err error) *SagaError {
	return WrapError(err, ErrCodeStepFailed, fmt.Sprintf("step %q execution failed", stepName))
}

// NewCompensationError wraps a fatal compensation-subsystem fault. Individual
// tolerated compensation failures are recorded on the step rows instead and
// never surface as this error.
func NewCompensationError(sagaID string, err error) *SagaError {
	return WrapError(err, ErrCodeCompensationFailed, fmt.Sprintf("compensation for saga %s failed", sagaID))
}

// NewStorageError wraps a persistence-port fault. Storage faults are never
// retried by the orchestrator; they propagate to the caller after
// best-effort status recording.
func NewStorageError(operation string, err error) *SagaError {
	return WrapError(err, ErrCodeStorageError, fmt.Sprintf("storage operation %q failed", operation))
}

// NewValidationError reports an invalid definition or argument.
func NewValidationError(message string) *SagaError {
	return NewSagaError(ErrCodeValidationError, message)
}

// NewInvalidTransitionError reports an illegal status transition.
func NewInvalidTransitionError(from, to string) *SagaError {
	return NewSagaError(ErrCodeInvalidTransition, fmt.Sprintf("illegal transition from %s to %s", from, to))
}

func hasCode(err error, code string) bool {
	var se *SagaError
	for errors.As(err, &se) {
		if se.Code == code {
			return true
		}
		err = se.Err
		se = nil
	}
	return false
}

// IsSagaNotFound reports whether err carries the SAGA_NOT_FOUND code.
func IsSagaNotFound(err error) bool { return hasCode(err, ErrCodeSagaNotFound) }

// IsDuplicateSaga reports whether err carries the SAGA_DUPLICATE code.
func IsDuplicateSaga(err error) bool { return hasCode(err, ErrCodeDuplicateSaga) }

// IsSagaTimeout reports whether err carries the SAGA_TIMEOUT code.
func IsSagaTimeout(err error) bool { return hasCode(err, ErrCodeSagaTimeout) }

// IsStepTimeout reports whether err carries the STEP_TIMEOUT code.
func IsStepTimeout(err error) bool { return hasCode(err, ErrCodeStepTimeout) }

// IsStepExecutionFailed reports whether err carries the STEP_EXECUTION_FAILED code.
func IsStepExecutionFailed(err error) bool { return hasCode(err, ErrCodeStepFailed) }

// IsCompensationFailed reports whether err carries the COMPENSATION_FAILED code.
func IsCompensationFailed(err error) bool { return hasCode(err, ErrCodeCompensationFailed) }

// IsStorageError reports whether err carries the STORAGE_ERROR code.
func IsStorageError(err error) bool { return hasCode(err, ErrCodeStorageError) }

// IsValidationError reports whether err carries the VALIDATION_ERROR code.
func IsValidationError(err error) bool { return hasCode(err, ErrCodeValidationError) }
