package storage

import "errors"

var (
	// ErrLedgerCorrupt is returned when the ledger file cannot be decoded
	ErrLedgerCorrupt = errors.New("ledger file is corrupt")
	// ErrEntryNotFound is returned when no entry has the requested ID
	ErrEntryNotFound = errors.New("ledger entry not found")
	// ErrInvalidTransition is returned for a status change the lifecycle does not allow
	ErrInvalidTransition = errors.New("invalid status transition")
)
