package outpost

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the outpost package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine
	// or store.
	ErrClosed = errors.New("sync engine is closed")

	// ErrSyncInProgress is returned when a sync cycle is requested while one
	// is already running.
	ErrSyncInProgress = errors.New("sync cycle already in progress")

	// ErrOffline is returned when a sync cycle is requested without
	// connectivity.
	ErrOffline = errors.New("no connectivity")

	// ErrNotFound is returned when a record does not exist in a collection.
	ErrNotFound = errors.New("record not found")

	// ErrNoSnapshot is returned when a restore is requested for a collection
	// that has never been backed up.
	ErrNoSnapshot = errors.New("no snapshot available")

	// ErrUnknownStrategy is returned for an unrecognized conflict strategy.
	ErrUnknownStrategy = errors.New("unknown conflict strategy")

	// ErrUnknownCollection is returned when an operation names a collection
	// the engine was not configured to sync.
	ErrUnknownCollection = errors.New("unknown collection")
)

// ErrorKind categorizes sync errors for retry and quarantine decisions.
type ErrorKind int

const (
	// KindUnknown is an unclassified error.
	KindUnknown ErrorKind = iota

	// KindTransient covers network failures and timeouts; the next cycle
	// retries automatically.
	KindTransient

	// KindVersionConflict means the server reported a version mismatch; the
	// engine performs one extra pull for the collection, never fatal.
	KindVersionConflict

	// KindValidation means the server rejected a mutation permanently; the
	// mutation is dead-lettered rather than retried.
	KindValidation

	// KindStorage covers local store failures; the current phase aborts and
	// the next cycle retries.
	KindStorage
)

// String returns a stable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindVersionConflict:
		return "version_conflict"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// SyncError wraps an error with its classification and the operation that
// produced it.
type SyncError struct {
	Kind       ErrorKind
	Op         string
	Collection string
	Err        error
}

func (e *SyncError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Op, e.Collection, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// newSyncError wraps err, preserving an existing classification.
func newSyncError(kind ErrorKind, op, collection string, err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		kind = se.Kind
	}
	return &SyncError{Kind: kind, Op: op, Collection: collection, Err: err}
}

// Classify returns the error's kind, defaulting to KindUnknown.
func Classify(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether an error should be retried on a later attempt
// or cycle. Unknown errors are retried; only permanent rejections are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err) != KindValidation
}
