package domain

import "errors"

// ErrUnauthorized means a credential-gated request carried a bad or missing
// credential.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNotFound means the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidEvent means a forwarded security event is not one the receiver
// accepts.
var ErrInvalidEvent = errors.New("invalid security event")
