// Package sentinel defines the infrastructure facts stores report. Stores return
// them wrapped with %w; services translate them into domain errors.
package sentinel

import "errors"

var (
	// ErrNotFound: no deployment, artifact, job or token under the key.
	ErrNotFound = errors.New("not found")
	// ErrConflict: the key is already bound, e.g. a tenant with an active deployment.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyUsed: a single-use token was consumed before.
	ErrAlreadyUsed = errors.New("already used")
	// ErrUnavailable: the backend could not be reached.
	ErrUnavailable = errors.New("unavailable")
)
