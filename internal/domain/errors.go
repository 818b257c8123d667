package domain

import "errors"

// Sentinel errors for the application.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("resource already exists")
	ErrDuplicate          = errors.New("unique constraint violation")
	ErrInvalidInput       = errors.New("invalid input")
	ErrMergeCycle         = errors.New("merge chain does not terminate")
	ErrDatabaseConnection = errors.New("database connection error")
)
