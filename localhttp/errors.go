package localhttp

import (
	"fmt"
)

var (
	// ErrNoLocalIP is returned when no LAN address could be determined.
	ErrNoLocalIP = fmt.Errorf("localhttp: no local ip")

	// ErrUnknownPathType is returned for a path that is neither relative nor
	// absolute.
	ErrUnknownPathType = fmt.Errorf("localhttp: unknown path type")

	// ErrEmptyPath is returned when a request has no path.
	ErrEmptyPath = fmt.Errorf("localhttp: empty path")
)
