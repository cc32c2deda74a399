package serialization

import "errors"

// Common errors.
var (
	ErrHeaderTooLarge   = errors.New("header exceeds maximum size")
	ErrOutOfBounds      = errors.New("tensor extends beyond data section")
	ErrNegativeOffset   = errors.New("negative offset or size")
	ErrUnsupportedDType = errors.New("unsupported tensor dtype")
	ErrUnknownFormat    = errors.New("unknown checkpoint format")
)
