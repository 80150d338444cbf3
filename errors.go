package main

import "errors"

// ErrInvalidCredentials is deliberately generic: wrong password, unknown
// email, and every recovery-flow failure all surface the same way so the
// response never leaks which accounts exist.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ValidationError reports malformed input back to the caller.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
