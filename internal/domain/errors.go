package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrLockHeld           = errors.New("lock already held")
	ErrMalformedEvent     = errors.New("malformed creation event")
	ErrUnsupportedHandler = errors.New("unsupported conditional order handler")
	ErrPartCountMismatch  = errors.New("order part count mismatch")
	ErrInvalidOrder       = errors.New("invalid twap order parameters")
	ErrEmptyRange         = errors.New("empty block range")
)
