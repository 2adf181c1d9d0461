package webstream

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/localhttp"
)

const (
	// a little under what the relay reads in one go, so it can use the
	// buffers without copying
	fixedReadSize = 490 * 1024
	// compressible bodies shrink to about a quarter
	compressedReadMultiplier = 4

	boundaryHeaderPiece      = 120
	maxBoundaryHeaderSize    = 5 * 1024
	missingBoundaryWarnEvery = 120

	defaultAccumulationWindow = 50 * time.Millisecond
	maxAccumulatedSize        = 10 * 1024 * 1024
	maxChunkWait              = 20 * time.Hour
	rawReadSize               = 32 * 1024
)

var headerEnd = []byte("\r\n\r\n")

// bodySource produces the pieces of a response body. next returns nil at the
// end of the body.
type bodySource interface {
	next() ([]byte, error)
	close()
}

// readFull reads up to n bytes, returning fewer only at the end of r.
func readFull(r io.Reader, n int) ([]byte, error) {
	p := make([]byte, n)
	got, err := io.ReadFull(r, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return p[:got], err
}

type fullBody struct {
	data []byte
	done bool
}

func (f *fullBody) next() ([]byte, error) {
	if f.done || len(f.data) == 0 {
		return nil, nil
	}
	f.done = true
	return f.data, nil
}

func (f *fullBody) close() {}

type funcBody struct {
	fn func() ([]byte, error)
}

func (f *funcBody) next() ([]byte, error) {
	data, err := f.fn()
	if len(data) == 0 {
		return nil, err
	}
	return data, err
}

func (f *funcBody) close() {}

type emptyBody struct{}

func (emptyBody) next() ([]byte, error) { return nil, nil }
func (emptyBody) close()                {}

// fixedBody reads fixed size pieces; only the last one is shorter.
type fixedBody struct {
	body io.Reader
	size int
}

func (f *fixedBody) next() ([]byte, error) {
	p, err := readFull(f.body, f.size)
	if len(p) > 0 {
		return p, nil
	}
	if err == io.EOF {
		return nil, nil
	}
	return nil, err
}

func (f *fixedBody) close() {}

// boundaryBody reads one part of a multipart body per call, using the
// Content-Length of each part. If a part has none, it falls back to fixed
// size reads for the rest of the body.
type boundaryBody struct {
	body     io.Reader
	boundary string
	fallback *fixedBody
	log      logrus.FieldLogger

	misses int

	now           func() time.Time
	windowEnd     time.Time
	readsInWindow uint32
	// readsPerSecond is the count of the last full window, until taken
	readsPerSecond uint32
}

func newBoundaryBody(body io.Reader, boundary string, fallbackSize int, log logrus.FieldLogger) *boundaryBody {
	return &boundaryBody{
		body:     body,
		boundary: boundary,
		fallback: &fixedBody{body: body, size: fallbackSize},
		log:      log,
		now:      time.Now,
	}
}

func (b *boundaryBody) startsWithBoundary(buf []byte) bool {
	s := string(buf[:min(len(buf), len(b.boundary)+4)])
	return strings.HasPrefix(s, "--"+b.boundary) ||
		strings.HasPrefix(s, b.boundary) ||
		strings.HasPrefix(s, "\r\n--"+b.boundary)
}

func partContentLength(header []byte) int {
	for _, line := range bytes.Split(header, []byte("\r\n")) {
		key, value, ok := bytes.Cut(line, []byte(":"))
		if !ok || !strings.EqualFold(strings.TrimSpace(string(key)), "content-length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(value)))
		if err != nil || n < 0 {
			return -1
		}
		return n
	}
	return -1
}

func (b *boundaryBody) next() ([]byte, error) {
	if b.boundary == "" {
		return b.fallback.next()
	}

	buf := make([]byte, 0, 10*1024)
	headerSize, frameSize := -1, -1
	for headerSize < 0 && len(buf) < maxBoundaryHeaderSize {
		piece, err := readFull(b.body, boundaryHeaderPiece)
		buf = append(buf, piece...)
		if err != nil {
			if len(buf) == 0 {
				if err == io.EOF {
					return nil, nil
				}
				return nil, err
			}
			return buf, nil
		}

		if !b.startsWithBoundary(buf) {
			if b.misses%missingBoundaryWarnEvery == 0 {
				b.log.WithField("got", string(buf[:min(len(buf), 40)])).Warn("multipart part did not start with the boundary")
			}
			b.misses++
		}

		if i := bytes.Index(buf, headerEnd); i >= 0 {
			frameSize = partContentLength(buf[:i])
			// the blank line, plus the line break after the part data
			headerSize = i + len(headerEnd) + 2
		}
	}

	if frameSize < 0 {
		b.log.Info("multipart part has no content length, reading the rest in fixed pieces")
		b.boundary = ""
		return buf, nil
	}

	toRead := frameSize + headerSize - len(buf)
	if toRead < 0 {
		b.log.WithFields(logrus.Fields{"frame": frameSize, "header": headerSize, "read": len(buf)}).Error("read past the end of a multipart part")
		b.boundary = ""
		return buf, nil
	}
	if toRead > 0 {
		rest, err := readFull(b.body, toRead)
		if len(rest) != toRead {
			b.log.WithError(err).Warn("multipart part ended early")
		}
		buf = append(buf, rest...)
	}

	b.countRead()
	return buf, nil
}

func (b *boundaryBody) countRead() {
	now := b.now()
	if b.windowEnd.IsZero() {
		b.windowEnd = now.Add(time.Second)
	}
	for b.windowEnd.Before(now) {
		b.windowEnd = b.windowEnd.Add(time.Second)
		b.readsPerSecond = b.readsInWindow
		b.readsInWindow = 0
	}
	b.readsInWindow++
}

// takeReadsPerSecond returns the parts read in the last full second, once.
func (b *boundaryBody) takeReadsPerSecond() uint32 {
	v := b.readsPerSecond
	b.readsPerSecond = 0
	return v
}

func (b *boundaryBody) close() {}

// accumulationBody reads a body of unknown length on a separate goroutine,
// so that a slow trickle of small writes (such as an event stream) is sent
// in timely batches rather than waiting for a full fixed size read.
type accumulationBody struct {
	body   io.ReadCloser
	window time.Duration

	chunks    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	// set before chunks is closed
	err error

	pending []byte
}

func newAccumulationBody(body io.ReadCloser, window time.Duration) *accumulationBody {
	if window <= 0 {
		window = defaultAccumulationWindow
	}
	a := &accumulationBody{
		body:   body,
		window: window,
		chunks: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go a.readLoop()
	return a
}

func (a *accumulationBody) readLoop() {
	defer close(a.chunks)
	for {
		buf := make([]byte, rawReadSize)
		n, err := a.body.Read(buf)
		if n > 0 {
			select {
			case a.chunks <- buf[:n]:
			case <-a.done:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				select {
				case <-a.done:
				default:
					a.err = err
				}
			}
			return
		}
	}
}

// next waits for data, then keeps collecting for one window before
// returning it.
func (a *accumulationBody) next() ([]byte, error) {
	out := a.pending
	a.pending = nil
	if out == nil {
		wait := time.NewTimer(maxChunkWait)
		select {
		case c, ok := <-a.chunks:
			wait.Stop()
			if !ok {
				return nil, a.err
			}
			out = c
		case <-a.done:
			wait.Stop()
			return nil, nil
		case <-wait.C:
			return nil, ErrBodyReadTimeout
		}
	}

	window := time.NewTimer(a.window)
	defer window.Stop()
	for len(out) < maxAccumulatedSize {
		select {
		case c, ok := <-a.chunks:
			if !ok {
				return out, nil
			}
			if len(out)+len(c) > maxAccumulatedSize {
				a.pending = c
				return out, nil
			}
			out = append(out, c...)
		case <-window.C:
			return out, nil
		case <-a.done:
			return out, nil
		}
	}
	return out, nil
}

func (a *accumulationBody) close() {
	a.closeOnce.Do(func() {
		close(a.done)
		_ = a.body.Close()
	})
}

// mediaType is the lower case content type without parameters.
func mediaType(contentType string) string {
	t, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(t))
}

// parseBoundary returns the multipart boundary of a content type, or "".
func parseBoundary(contentType string) string {
	i := strings.Index(strings.ToLower(contentType), "boundary=")
	if i < 0 {
		return ""
	}
	b := contentType[i+len("boundary="):]
	if j := strings.IndexByte(b, ';'); j >= 0 {
		b = b[:j]
	}
	return strings.Trim(strings.TrimSpace(b), `"`)
}

// newBodySource picks how a response body is read. The choice is made once
// per response.
func newBodySource(res *localhttp.Result, contentType string, contentLength int64, compress bool, window time.Duration, log logrus.FieldLogger) bodySource {
	readSize := fixedReadSize
	if compress {
		readSize *= compressedReadMultiplier
	}

	switch {
	case res.HasFullBody():
		return &fullBody{data: res.FullBody}
	case res.BodyFunc != nil:
		return &funcBody{fn: res.BodyFunc}
	case res.Body == nil:
		return emptyBody{}
	}

	if boundary := parseBoundary(contentType); boundary != "" {
		return newBoundaryBody(res.Body, boundary, readSize, log)
	}
	// single jpeg snapshots often come without a length; a plain read gets
	// them in one piece
	if contentLength < 0 && mediaType(contentType) != "image/jpeg" {
		return newAccumulationBody(res.Body, window)
	}
	return &fixedBody{body: res.Body, size: readSize}
}
