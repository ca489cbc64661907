package store

import (
	"errors"
	"fmt"
	"strings"

	"pharmacy-service/internal/ledger"

	"github.com/lib/pq"
)

// PostgreSQL error codes the ledger cares about
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
	codeQueryCanceled        = "57014"
)

// mapError converts PostgreSQL errors into ledger errors. Errors that do not
// map are returned unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	switch pqErr.Code {
	case codeLockNotAvailable, codeQueryCanceled:
		return fmt.Errorf("%w: %v", ledger.ErrBusy, err)
	case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	case codeForeignKeyViolation:
		return fmt.Errorf("%w: %v", ledger.ErrProductNotFound, err)
	case codeCheckViolation:
		if strings.Contains(pqErr.Constraint, "non_negative") {
			return fmt.Errorf("%w: %v", ledger.ErrLedgerDrift, err)
		}
	}
	return err
}
