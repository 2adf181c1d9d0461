package localhttp

import (
	"io"
	"net/http"

	"github.com/taskcluster/devicerelay/protocol"
)

// Result is a response from the local network, or one produced without a
// network call (cache, webcam snapshot, command). Exactly one body source is
// used: FullBody, then BodyFunc, then Body.
type Result struct {
	StatusCode int
	Header     http.Header
	// URL that produced the response.
	URL string
	// DidFallback is set when a candidate other than the first answered.
	DidFallback bool

	// Body is the streaming response body.
	Body io.ReadCloser

	// FullBody is a body that is already in memory. It may be stored
	// compressed, in which case FullBodyCompression and FullBodySize describe
	// it.
	FullBody            []byte
	FullBodyCompression protocol.DataCompression
	FullBodySize        int

	// BodyFunc produces the body one piece at a time, returning nil at the
	// end. OnClose, if set, is called once when the result is closed.
	BodyFunc func() ([]byte, error)
	OnClose  func()

	closed bool
}

// HasFullBody reports whether the body is already in memory.
func (r *Result) HasFullBody() bool {
	return r.FullBody != nil
}

// FullBodyUncompressedSize is the size of FullBody as the browser will see it.
func (r *Result) FullBodyUncompressedSize() int {
	if r.FullBodyCompression != protocol.CompressionNone {
		return r.FullBodySize
	}
	return len(r.FullBody)
}

// Close releases the body. It is safe to call more than once.
func (r *Result) Close() error {
	if r == nil || r.closed {
		return nil
	}
	r.closed = true
	if r.OnClose != nil {
		r.OnClose()
	}
	if r.Body != nil {
		return r.Body.Close()
	}
	return nil
}
