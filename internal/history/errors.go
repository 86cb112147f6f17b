package history

import "errors"

// Caller mistakes. They are rejected before anything is written.
var (
	ErrInvalidRole  = errors.New("invalid role")
	ErrEmptyContent = errors.New("empty content")
)

// StorageWriteError wraps an I/O failure on the write path.
type StorageWriteError struct {
	Op  string
	Err error
}

func (e *StorageWriteError) Error() string {
	return "history: write " + e.Op + ": " + e.Err.Error()
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

// StorageReadError wraps an I/O failure on the read path.
type StorageReadError struct {
	Op  string
	Err error
}

func (e *StorageReadError) Error() string {
	return "history: read " + e.Op + ": " + e.Err.Error()
}

func (e *StorageReadError) Unwrap() error { return e.Err }
