package webstream

import (
	"context"
	"net/http"

	"github.com/taskcluster/devicerelay/localhttp"
	"github.com/taskcluster/devicerelay/protocol"
)

// Request is an http request as handed to a collaborator that answers it
// without the local network.
type Request struct {
	Context *protocol.HttpInitialContext
	Method  string
	// Header is the translated header set that would be sent locally.
	Header http.Header
	Body   []byte
}

// ResponseCache answers requests it already holds a response for. Lookup
// returns nil on a miss.
type ResponseCache interface {
	Lookup(ctx *protocol.HttpInitialContext) *localhttp.Result
}

// Webcam serves snapshot and stream requests, which are recognized by
// headers the relay adds. IsSnapshotOrStreamRequest only sees those headers;
// Handle gets them merged into the translated set.
type Webcam interface {
	IsSnapshotOrStreamRequest(h http.Header) bool
	Handle(ctx context.Context, req *Request) (*localhttp.Result, error)
}

// CommandDispatcher serves the reserved command api.
type CommandDispatcher interface {
	IsCommandRequest(ctx *protocol.HttpInitialContext) bool
	HandleCommand(ctx context.Context, req *Request) *localhttp.Result
}

// WebSocketProvider serves websockets for the command api. WebSocketURL
// returns the url to dial for ctx, or false.
type WebSocketProvider interface {
	WebSocketURL(ctx *protocol.HttpInitialContext) (string, bool)
}

// LocalAuth adds credentials for requests the relay marked as allowed to use
// them.
type LocalAuth interface {
	AddAuthHeader(h http.Header)
}
