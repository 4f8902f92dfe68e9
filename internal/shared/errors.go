package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the actor's role lacks the capability.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthenticated indicates a request without an actor.
	ErrUnauthenticated = errors.New("unauthenticated")
)
