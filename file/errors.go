package file

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

var (
	ErrIO          = errors.New("file: i/o error")
	ErrShortRead   = fmt.Errorf("%w: short read", ErrIO)
	ErrNoSpace     = errors.New("file: no space left on device")
	ErrPermission  = errors.New("file: permission denied")
	ErrInterrupted = errors.New("file: interrupted")
	ErrCorruption  = errors.New("file: corruption detected")
	ErrUnknownFile = errors.New("file: unknown file id")
	ErrClosed      = errors.New("file: manager is closed")
)

// classify maps an operating system error onto one of the package error
// kinds, keeping the original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %w", ErrNoSpace, err)
	case errors.Is(err, syscall.EINTR):
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: %w", ErrPermission, err)
	default:
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
}
