package records

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation matches any ValidationError via errors.Is.
	ErrValidation = errors.New("records: validation failed")

	errMissingDatabase = errors.New("database handle is required")
)

// ValidationError reports blank required fields; nothing was written.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("records: missing required fields: %s", strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StorageError wraps a failure of the underlying database.
type StorageError struct {
	code string
	err  error
}

func (e *StorageError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StorageError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier of the failure.
func (e *StorageError) Code() string {
	return e.code
}

const (
	opStoreNew        = "records.store.new"
	opInsertRequest   = "records.insert_request"
	opInsertComment   = "records.insert_comment"
	opRecentRequests  = "records.recent_requests"
	opRecentComments  = "records.recent_comments"
	opEvictOlderThan  = "records.evict_older_than"
	reasonMissingDB   = "missing_database"
	reasonInsert      = "insert_failed"
	reasonQuery       = "query_failed"
	reasonDelete      = "delete_failed"
	reasonInvalidSpan = "invalid_horizon"
)

func newStorageError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StorageError{code: code, err: cause}
}
