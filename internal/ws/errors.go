package ws

import "errors"

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrWriteTimeout     = errors.New("write timeout exceeded")
	ErrInvalidJSON      = errors.New("failed to marshal message")
)
