package auth

import "errors"

// Sentinel errors returned by token parsing. Handlers map ErrInvalidToken
// onto 401 responses without leaking parser detail to the client.
var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrUnknownRole  = errors.New("auth: unknown role claim")
)
