package syncengine

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the syncengine package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("sync engine is closed")

	// ErrOffline is returned when a sync cycle is requested while the
	// network monitor reports no connectivity.
	ErrOffline = errors.New("network is offline")

	// ErrCycleActive is returned when a sync cycle is requested while
	// another cycle is already running.
	ErrCycleActive = errors.New("sync cycle already active")

	// ErrOperationNotFound is returned when an operation ID is unknown.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrConflictNotFound is returned when a conflict ID is unknown.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrDeadLettered is returned when acting on a dead-lettered operation
	// without resetting it first.
	ErrDeadLettered = errors.New("operation is dead-lettered")

	// ErrVersionConflict indicates the remote store's version did not match
	// the supplied base version. Routed to the conflict detector, never
	// surfaced to callers as a failure.
	ErrVersionConflict = errors.New("version conflict")

	// ErrResolutionDeferred is returned when no automatic strategy may
	// resolve a conflict and it awaits explicit user input.
	ErrResolutionDeferred = errors.New("conflict resolution deferred")

	// ErrCorruptEntity is returned when checksum or schema validation fails
	// for a remote-confirmed entity state.
	ErrCorruptEntity = errors.New("entity state is corrupt")

	// ErrEntityQuarantined is returned when auto-resolution is attempted on
	// an entity excluded after an integrity failure.
	ErrEntityQuarantined = errors.New("entity is quarantined pending acknowledgement")

	// ErrSchemaValidation is returned when an entity state fails field
	// type or range validation.
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrQueueFull is returned when the queue depth limit is reached.
	ErrQueueFull = errors.New("operation queue is full")
)

// SyncErrorType categorizes sync failures.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an unclassified error.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypeTransient indicates a retryable network failure.
	SyncErrorTypeTransient
	// SyncErrorTypeConflict indicates a remote version mismatch.
	SyncErrorTypeConflict
	// SyncErrorTypeIntegrity indicates checksum or schema failure.
	SyncErrorTypeIntegrity
	// SyncErrorTypeCanceled indicates the cycle was canceled via context.
	SyncErrorTypeCanceled
	// SyncErrorTypeRejected indicates the remote store permanently rejected
	// the operation (not retryable).
	SyncErrorTypeRejected
)

// SyncError provides detailed information about a sync failure.
type SyncError struct {
	Type        SyncErrorType
	Message     string
	OperationID string
	Cause       error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	switch e.Type {
	case SyncErrorTypeConflict:
		return target == ErrVersionConflict
	case SyncErrorTypeIntegrity:
		return target == ErrCorruptEntity
	}
	return false
}

// Retryable reports whether the failure should re-enter the backoff cycle.
func (e *SyncError) Retryable() bool {
	return e.Type == SyncErrorTypeTransient
}

func newSyncError(errType SyncErrorType, message, operationID string, cause error) *SyncError {
	return &SyncError{
		Type:        errType,
		Message:     message,
		OperationID: operationID,
		Cause:       cause,
	}
}

// StoreErrorType categorizes local persistence errors.
type StoreErrorType int

const (
	// StoreErrorTypeUnknown is an unclassified store error.
	StoreErrorTypeUnknown StoreErrorType = iota
	// StoreErrorTypeRead indicates a read failure.
	StoreErrorTypeRead
	// StoreErrorTypeWrite indicates a write failure.
	StoreErrorTypeWrite
	// StoreErrorTypeCorruption indicates on-disk corruption.
	StoreErrorTypeCorruption
)

// StoreError provides detailed information about persistence failures.
type StoreError struct {
	Type    StoreErrorType
	Message string
	Table   string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Table != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Table, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Table)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StoreError.
func (e *StoreError) Is(target error) bool {
	return e.Type == StoreErrorTypeCorruption && target == ErrCorruptEntity
}

func newStoreError(errType StoreErrorType, message, table string, cause error) *StoreError {
	return &StoreError{
		Type:    errType,
		Message: message,
		Table:   table,
		Cause:   cause,
	}
}
