package lib

import (
	"errors"
	"fmt"
)

var (
	// ErrIOUnreadable marks a local file that vanished, could not be opened, or
	// changed while it was being read.
	ErrIOUnreadable = errors.New("file unreadable")

	// ErrSignatureMismatch is returned when received bytes do not hash to the
	// declared signature.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrTransportInterrupted wraps any failure of the underlying byte stream.
	ErrTransportInterrupted = errors.New("transport interrupted")

	// ErrRepositoryInconsistent is fatal: a reference count would go negative.
	ErrRepositoryInconsistent = errors.New("repository inconsistent")

	// ErrUnknownSignature is returned when binding a path to content the
	// repository does not hold.
	ErrUnknownSignature = errors.New("unknown signature")

	// ErrProtocol is returned for unexpected or malformed protocol messages.
	ErrProtocol = errors.New("protocol error")

	// ErrUploadBusy is returned when another upload of the same content is in
	// progress. The caller should try again once it has finished.
	ErrUploadBusy = errors.New("upload in progress elsewhere")

	// ErrTreeLocked is returned when another process holds the tree or data directory lock.
	ErrTreeLocked = errors.New("locked by another process")
)

// FileError records a per-file failure during a scan.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Unreadable wraps err so that it matches both ErrIOUnreadable and the cause.
func Unreadable(path string, err error) error {
	return &FileError{Path: path, Err: fmt.Errorf("%w: %w", ErrIOUnreadable, err)}
}
