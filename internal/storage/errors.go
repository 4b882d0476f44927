package storage

import "errors"

var (
	ErrCorruptFile = errors.New("corrupt file")
	ErrClosed      = errors.New("store is closed")
)
