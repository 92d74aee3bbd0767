package ledger

import "errors"

var (
	ErrKeyNotFound = errors.New("ledger: key not found")
	ErrConflict    = errors.New("ledger: conditional write conflict")
	ErrGuardFailed = errors.New("ledger: guarded increment would exceed limit")
	ErrUnavailable = errors.New("ledger: store unavailable")
)
