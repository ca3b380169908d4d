package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoIdentity indicates a request reached an authenticated surface
	// without any acting user.
	ErrNoIdentity = errors.New("no acting identity")
)
