package compression

import (
	"fmt"
)

var (
	// ErrContextClosed is returned when a closed Context is used
	ErrContextClosed = fmt.Errorf("compression: context is closed")

	// ErrUnknownCodec is returned for a DataCompression value with no codec
	ErrUnknownCodec = fmt.Errorf("compression: unknown codec")

	// ErrAlreadyStarted is returned when the expected total size is set after
	// the first chunk
	ErrAlreadyStarted = fmt.Errorf("compression: expected size set after the first chunk")
)
