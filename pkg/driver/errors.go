package driver

import "errors"

// Common driver errors
var (
	// ErrUnknownDriver indicates an unrecognized driver type for a role
	ErrUnknownDriver = errors.New("unknown driver type")

	// ErrNotFound indicates a requested entry does not exist (or has expired)
	ErrNotFound = errors.New("entry not found")

	// ErrAlreadyExists indicates an insert of an entry that is already present
	ErrAlreadyExists = errors.New("entry already exists")

	// ErrClosed indicates an operation on a closed driver
	ErrClosed = errors.New("driver is closed")

	// ErrInvalidEntry indicates an entry that fails validation
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrMissingPath indicates a file driver opened without a path option
	ErrMissingPath = errors.New("file driver requires a path")

	// ErrMissingDSN indicates a sql driver opened without a dsn option
	ErrMissingDSN = errors.New("sql driver requires a dsn")
)
