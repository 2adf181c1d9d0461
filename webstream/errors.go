package webstream

import (
	"fmt"
)

var (
	// ErrNoOpenMessage is returned when a stream receives data before its
	// open message.
	ErrNoOpenMessage = fmt.Errorf("webstream: message before open message")

	// ErrDuplicateOpen is returned when a stream receives a second open
	// message.
	ErrDuplicateOpen = fmt.Errorf("webstream: duplicate open message")

	// ErrMissingContext is returned when an open message has no http context.
	ErrMissingContext = fmt.Errorf("webstream: open message has no http context")

	// ErrMissingPath is returned when an http context has no path.
	ErrMissingPath = fmt.Errorf("webstream: http context has no path")

	// ErrMissingMethod is returned when an http request has no method.
	ErrMissingMethod = fmt.Errorf("webstream: http context has no method")

	// ErrUploadTooLarge is returned when more upload data arrives than was
	// declared.
	ErrUploadTooLarge = fmt.Errorf("webstream: upload larger than declared size")

	// ErrIncompleteUpload is returned when a request is executed before all
	// of its declared upload arrived.
	ErrIncompleteUpload = fmt.Errorf("webstream: upload incomplete")

	// ErrRelayDisabled is returned for a relative websocket while the http
	// relay is disabled.
	ErrRelayDisabled = fmt.Errorf("webstream: http relay is disabled")

	// ErrUnknownDataType is returned for a websocket message that is neither
	// text, binary nor close.
	ErrUnknownDataType = fmt.Errorf("webstream: unknown websocket data type")

	// ErrBodyReadTimeout is returned when a streamed body produces nothing
	// for too long.
	ErrBodyReadTimeout = fmt.Errorf("webstream: timed out waiting for body data")
)
