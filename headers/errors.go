package headers

import (
	"fmt"
)

var (
	// ErrMissingHost is returned when an http context carries no OctoHost, so
	// X-Forwarded-Host cannot be set.
	ErrMissingHost = fmt.Errorf("headers: http initial context has no host")
)
