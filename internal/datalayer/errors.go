package datalayer

import "errors"

var (
	// ErrStorageCreation is wrapped by CreateRegion failures. The directory
	// is left unchanged when it is returned.
	ErrStorageCreation = errors.New("failed to create region storage")

	// ErrClosed is returned by structural operations after Close.
	ErrClosed = errors.New("data layer is closed")
)
