package store

import (
	"errors"
	"fmt"
)

// ErrTooManyRelations is returned when a subscribe would push a device past the
// configured maximum number of subscriptions.
var ErrTooManyRelations = errors.New("too-many-relations")

// ErrInvalidCount is returned when the derived relation counter disagrees with
// the index, which indicates a prior bug or race rather than caller error.
var ErrInvalidCount = errors.New("invalid-count")

// RollbackError reports a double fault: a mirrored write failed and the
// compensating rollback of the already-applied write failed too. The store is
// left inconsistent; callers see the rollback failure, not the original error.
type RollbackError struct {
	Cause    error // the write failure that triggered the rollback
	Rollback error // the failure of the compensating action
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed: %v (after: %v)", e.Rollback, e.Cause)
}

func (e *RollbackError) Unwrap() error {
	return e.Rollback
}
