package interfaces

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrLinkNotFound    = errors.New("persistent link not found")
	ErrStoreClosed     = errors.New("backing store closed")
)
