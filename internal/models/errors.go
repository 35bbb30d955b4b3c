package models

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed input draft. Doc/Page locate the fault.
type ValidationError struct {
	DocID  string
	PageNo int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.PageNo > 0 {
		return fmt.Sprintf("validation failed for %s page %d: %s", e.DocID, e.PageNo, e.Reason)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.DocID, e.Reason)
}

// NotFoundError reports an unknown document or unit ID.
type NotFoundError struct {
	Kind string // "document", "page", "unit"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IndexInconsistencyError reports an index returning a unit ID absent from
// the unit store. Indices are rebuildable caches, so this is logged and the
// entry dropped; it never propagates to a retrieval caller.
type IndexInconsistencyError struct {
	UnitID string
	Source string // "fulltext" or "vector"
}

func (e *IndexInconsistencyError) Error() string {
	return fmt.Sprintf("%s index returned unit %s absent from unit store", e.Source, e.UnitID)
}

// TimeoutError reports that an operation exceeded the caller's budget.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IngestionFailure reports a document entering the failed state, with the
// stage that failed and its cause.
type IngestionFailure struct {
	DocID string
	Stage DocState
	Err   error
}

func (e *IngestionFailure) Error() string {
	return fmt.Sprintf("ingestion of %s failed at %s: %v", e.DocID, e.Stage, e.Err)
}

func (e *IngestionFailure) Unwrap() error { return e.Err }
