package protocol

import (
	"fmt"
)

var (
	// ErrShortFrame is returned when a message is too small to hold a frame header
	ErrShortFrame = fmt.Errorf("protocol: frame shorter than header")

	// ErrSizeMismatch is returned when the size prefix disagrees with the message length
	ErrSizeMismatch = fmt.Errorf("protocol: frame size prefix does not match message length")

	// ErrMissingBody is returned when encoding a frame whose body for its type is nil
	ErrMissingBody = fmt.Errorf("protocol: frame has no body for its context type")

	// ErrUnknownContext is returned when encoding a frame with an unknown context type
	ErrUnknownContext = fmt.Errorf("protocol: unknown context type")
)
