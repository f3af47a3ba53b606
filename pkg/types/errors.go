package types

import "errors"

var (
	ErrInvalidSessionID    = errors.New("invalid session id")
	ErrInvalidActivityName = errors.New("invalid activity name")
	ErrInvalidHash         = errors.New("invalid persistent hash")
	ErrTeacherCodeTooLong  = errors.New("teacher code exceeds maximum length")
	ErrEmptyTeacherCode    = errors.New("teacher code cannot be empty")
)
