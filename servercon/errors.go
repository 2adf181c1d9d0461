package servercon

import (
	"fmt"
)

// ErrBackoffExhausted is returned by Run when reconnect attempts have backed
// off to the maximum delay. The caller should re-evaluate its settings before
// running again.
var ErrBackoffExhausted = fmt.Errorf("servercon: reconnect backoff exhausted")
