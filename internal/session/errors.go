package session

import "errors"

var (
	ErrIDSpaceExhausted = errors.New("session id space exhausted")
	ErrNilSession       = errors.New("session cannot be nil")
	ErrShutdown         = errors.New("session service is shut down")
)
