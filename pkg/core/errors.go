package core

import "errors"

var (
	ErrUnsupportedNetwork = errors.New("network not supported")
	ErrCapacityExceeded   = errors.New("wallet limit reached")
	ErrNotFound           = errors.New("wallet not found")
	ErrCorrupted          = errors.New("stored address cannot be decrypted")
	ErrAlreadyTracked     = errors.New("wallet already tracked")
)
