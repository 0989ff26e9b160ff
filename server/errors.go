package server

import (
	"errors"

	"ariesdb/buffer"
	"ariesdb/file"
	"ariesdb/index"
	"ariesdb/log"
	"ariesdb/recovery"
	"ariesdb/transaction"
)

var (
	ErrClosed         = errors.New("server: environment is closed")
	ErrInvalidOptions = errors.New("server: invalid options")
	ErrLocked         = errors.New("server: environment is in use by another process")
)

// The error kinds callers act on, from the package that produces them.
var (
	ErrNeedsRecovery = recovery.ErrNeedsRecovery
	ErrDeadlock      = transaction.ErrDeadlock
	ErrCancelled     = transaction.ErrCancelled
	ErrNotGranted    = transaction.ErrNotGranted
	ErrTxDone        = transaction.ErrTxDone
	ErrKeyExists     = index.ErrKeyExists
	ErrNotFound      = index.ErrNotFound
	ErrKeyTooLarge   = index.ErrKeyTooLarge
	ErrCursorClosed  = index.ErrCursorClosed
	ErrNoMemory      = buffer.ErrNoMemory
)

// IsRetryable reports whether the transaction that got err should be
// aborted and run again.
func IsRetryable(err error) bool {
	return errors.Is(err, transaction.ErrDeadlock) ||
		errors.Is(err, transaction.ErrCancelled) ||
		errors.Is(err, file.ErrNoSpace) ||
		errors.Is(err, log.ErrNoSpace)
}

// IsCorruption reports whether err means the environment cannot be trusted.
func IsCorruption(err error) bool {
	return errors.Is(err, recovery.ErrCorruption) ||
		errors.Is(err, index.ErrCorruption) ||
		errors.Is(err, log.ErrCorruption) ||
		errors.Is(err, file.ErrCorruption)
}

// IsInvalidUsage reports whether err is an API precondition failure.
func IsInvalidUsage(err error) bool {
	return errors.Is(err, transaction.ErrInvalidUsage) ||
		errors.Is(err, index.ErrInvalidUsage) ||
		errors.Is(err, buffer.ErrInvalidUsage)
}
