package functions

import "errors"

var (
	// ErrNotFound is returned when no function with the requested name exists.
	ErrNotFound = errors.New("function not found")
	// ErrInactive is returned when the function exists but is deactivated.
	ErrInactive = errors.New("function is not active")

	ErrInvalidArchiveName = errors.New("invalid archive name")
	ErrStorageWrite       = errors.New("storage write failed")
	ErrCorruptArchive     = errors.New("corrupt archive")

	// ErrLoad marks a code unit that is missing or cannot be loaded.
	ErrLoad = errors.New("load error")
	// ErrExecution marks a fault raised while the entry point ran.
	ErrExecution = errors.New("execution error")
)
