package core

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a package or version is not found.
// A miss on a read path is a normal negative result, not a failure.
var ErrNotFound = errors.New("not found")

// ErrDuplicateVersion is returned when publishing a (package, version)
// pair that already exists in the index.
var ErrDuplicateVersion = errors.New("duplicate version")

// NotFoundError wraps ErrNotFound with the identity that missed.
type NotFoundError struct {
	PackageID string
	Version   string
}

func (e *NotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("package %s version %s not found", e.PackageID, e.Version)
	}
	return fmt.Sprintf("package %s not found", e.PackageID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
