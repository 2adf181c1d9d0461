package webstream

import (
	"bytes"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/compression"
	"github.com/taskcluster/devicerelay/headers"
	"github.com/taskcluster/devicerelay/localhttp"
	"github.com/taskcluster/devicerelay/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	connectAttemptTimeout = 10 * time.Second

	// only the first few messages from the local server are checked for the
	// connection metadata message
	metadataScanLimit = 5
)

var configHashKey = []byte("config_hash")

// DefaultDialer is used for local websockets when Config.Dialer is nil.
var DefaultDialer = &websocket.Dialer{
	HandshakeTimeout: connectAttemptTimeout,
	// local servers use self signed certificates
	TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402
}

// webSocketRelay connects a stream to a local websocket. Candidates are tried
// in order until one opens; after that the stream never tries another.
type webSocketRelay struct {
	s   *Stream
	ctx *protocol.HttpInitialContext
	log logrus.FieldLogger

	header       http.Header
	subprotocols []string
	candidates   []localhttp.Candidate

	// closed when a connection opened
	opened chan struct{}
	// closed when no connection will be used anymore
	dead     chan struct{}
	deadOnce sync.Once

	m      sync.Mutex
	conn   *websocket.Conn
	closed bool

	// in is used by the stream goroutine, out by the read pump
	in  *compression.Context
	out *compression.Context

	metadataScans int
	sentFirst     bool
}

func newWebSocketRelay(s *Stream, open *protocol.WebStreamMsg) (*webSocketRelay, error) {
	ctx := open.HttpInitialContext
	if ctx == nil {
		return nil, ErrMissingContext
	}
	if ctx.Path == "" {
		return nil, ErrMissingPath
	}
	conf := s.conf
	if conf.DisableHTTPRelay && ctx.PathType != protocol.PathAbsolute {
		return nil, ErrRelayDisabled
	}

	r := &webSocketRelay{
		s:            s,
		ctx:          ctx,
		log:          s.log.WithField("path", ctx.Path),
		header:       conf.Headers.GatherWebSocket(ctx),
		subprotocols: headers.SubProtocols(ctx),
		opened:       make(chan struct{}),
		dead:         make(chan struct{}),
		in:           conf.Compression.NewContext(),
		out:          conf.Compression.NewContext(),
	}

	if conf.Commands != nil && conf.Commands.IsCommandRequest(ctx) {
		// a command websocket has exactly one place to go
		if conf.WebSockets != nil {
			if u, ok := conf.WebSockets.WebSocketURL(ctx); ok {
				r.candidates = []localhttp.Candidate{{Kind: "command", URL: u}}
			}
		}
		return r, nil
	}

	cands, err := conf.Resolver.WebSocketCandidates(ctx.Path, ctx.PathType)
	if err != nil {
		r.in.Close()
		r.out.Close()
		return nil, err
	}
	r.candidates = cands
	return r, nil
}

func (r *webSocketRelay) start() {
	go r.connect()
}

func (r *webSocketRelay) dialer() websocket.Dialer {
	d := DefaultDialer
	if r.s.conf.Dialer != nil {
		d = r.s.conf.Dialer
	}
	dialer := *d
	dialer.Subprotocols = r.subprotocols
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = connectAttemptTimeout
	}
	return dialer
}

func (r *webSocketRelay) markDead() {
	r.deadOnce.Do(func() { close(r.dead) })
}

func (r *webSocketRelay) connect() {
	defer r.markDead()

	dialer := r.dialer()
	var conn *websocket.Conn
	for i, c := range r.candidates {
		log := r.log.WithFields(logrus.Fields{"endpoint": c.Kind, "attempt": i + 1})
		ws, resp, err := dialer.DialContext(r.s.ctx, c.URL, r.header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if r.s.ctx.Err() != nil {
				return
			}
			log.WithError(err).Debug("local websocket attempt failed")
			continue
		}
		conn = ws
		log.WithField("after", time.Since(r.s.opened)).Info("local websocket opened")
		break
	}
	if conn == nil {
		if !r.s.IsClosed() {
			r.log.Info("no local websocket could be opened")
			r.s.setFailed()
			r.s.Close()
		}
		return
	}

	r.m.Lock()
	if r.closed {
		r.m.Unlock()
		_ = conn.Close()
		return
	}
	r.conn = conn
	r.m.Unlock()
	close(r.opened)

	g, ctx := errgroup.WithContext(r.s.ctx)
	g.Go(func() error {
		defer r.out.Close()
		return r.readPump(conn)
	})
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	err := g.Wait()
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !r.s.IsClosed() {
		r.log.WithError(err).Debug("local websocket ended")
	}
	r.s.Close()
}

// readPump forwards local messages to the relay until the socket fails.
func (r *webSocketRelay) readPump(conn *websocket.Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var dt protocol.WebsocketDataType
		switch mt {
		case websocket.TextMessage:
			dt = protocol.WebsocketText
		case websocket.BinaryMessage:
			dt = protocol.WebsocketBinary
		default:
			return errors.Wrapf(ErrUnknownDataType, "local message type %d", mt)
		}

		if r.metadataScans < metadataScanLimit {
			r.metadataScans++
			if marked, ok := markRelayedConnection(data); ok {
				data = marked
				r.metadataScans = metadataScanLimit
			} else if r.metadataScans == metadataScanLimit {
				r.log.Debug("no connection metadata message among the first messages")
			}
		}

		msg := &protocol.WebStreamMsg{StreamID: r.s.id, WebsocketDataType: dt}
		if r.out.ShouldCompress(len(data)) {
			res, err := r.out.Compress(data)
			if err != nil {
				return errors.Wrap(err, "compressing websocket message")
			}
			if res.Type != protocol.CompressionNone {
				msg.DataCompression = res.Type
				msg.OriginalDataSize = uint32(len(data))
				data = res.Bytes
			}
		}
		msg.Data = data
		if err := r.s.send(msg, false); err != nil {
			return err
		}
	}
}

// markRelayedConnection prefixes the config hash of a connection metadata
// message, so the browser can tell a relayed connection from a direct one.
func markRelayedConnection(data []byte) ([]byte, bool) {
	i := bytes.Index(data, configHashKey)
	if i < 0 {
		return data, false
	}
	i += len(configHashKey)
	keyQuote := bytes.IndexByte(data[i:], '"')
	if keyQuote < 0 {
		return data, false
	}
	i += keyQuote + 1
	valueQuote := bytes.IndexByte(data[i:], '"')
	if valueQuote < 0 {
		return data, false
	}
	i += valueQuote + 1

	out := make([]byte, 0, len(data)+2)
	out = append(out, data[:i]...)
	out = append(out, "oe"...)
	out = append(out, data[i:]...)
	return out, true
}

// incoming forwards a relay message to the local socket, waiting for it to
// open first.
func (r *webSocketRelay) incoming(msg *protocol.WebStreamMsg) (bool, error) {
	select {
	case <-r.opened:
	case <-r.dead:
		return true, nil
	case <-r.s.ctx.Done():
		return true, nil
	}

	data := msg.Data
	if msg.DataCompression != protocol.CompressionNone {
		var err error
		data, err = r.in.Decompress(data, msg.OriginalDataSize, false, msg.DataCompression)
		if err != nil {
			return false, errors.Wrap(err, "decompressing websocket message")
		}
	}

	var mt int
	switch msg.WebsocketDataType {
	case protocol.WebsocketText:
		mt = websocket.TextMessage
	case protocol.WebsocketBinary:
		mt = websocket.BinaryMessage
	case protocol.WebsocketClose:
		mt = websocket.CloseMessage
	default:
		return false, errors.Wrapf(ErrUnknownDataType, "type %d", msg.WebsocketDataType)
	}

	r.m.Lock()
	conn := r.conn
	closed := r.closed
	r.m.Unlock()
	if closed || conn == nil {
		return true, nil
	}
	if err := conn.WriteMessage(mt, data); err != nil {
		r.log.WithError(err).Debug("writing to local websocket failed")
		return true, nil
	}
	if !r.sentFirst {
		r.sentFirst = true
		r.log.WithField("after", time.Since(r.s.opened)).Debug("first message sent to local websocket")
	}
	// a close from the relay ends the stream
	return mt == websocket.CloseMessage, nil
}

func (r *webSocketRelay) close() {
	r.m.Lock()
	if r.closed {
		r.m.Unlock()
		return
	}
	r.closed = true
	conn := r.conn
	r.m.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (r *webSocketRelay) finish() {
	r.in.Close()
	// out belongs to the read pump, which closes it; if the pump never ran
	// nobody else will
	select {
	case <-r.opened:
	default:
		r.out.Close()
	}
}
