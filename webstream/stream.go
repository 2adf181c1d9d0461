// Package webstream runs the streams multiplexed over a relay session: each
// one relays a single http request or websocket to the local network.
package webstream

import (
	"context"
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
	"github.com/taskcluster/devicerelay/util"
)

// Host is the session a stream belongs to.
type Host interface {
	// Send writes msg to the relay. It is safe for concurrent use.
	Send(msg *protocol.WebStreamMsg) error
	// WebStreamClosed is called once when the stream closes.
	WebStreamClosed(id uint32)
	// OnSessionError tears down the session.
	OnSessionError(err error)
}

// Config holds what streams share across a session.
type Config struct {
	Resolver    *localhttp.Resolver
	Headers     *headers.Translator
	Compression *compression.Pool

	// optional collaborators
	Cache      ResponseCache
	Webcam     Webcam
	Commands   CommandDispatcher
	WebSockets WebSocketProvider
	Auth       LocalAuth

	// DisableHTTPRelay refuses relative requests that no collaborator
	// answers.
	DisableHTTPRelay bool

	// Dialer is used for local websockets. Its HandshakeTimeout bounds each
	// connection attempt.
	Dialer *websocket.Dialer

	// AccumulationWindow is how long bodies of unknown length are batched
	// before being sent.
	AccumulationWindow time.Duration

	Log logrus.FieldLogger
}

// relay is the http or websocket half of a stream.
type relay interface {
	// incoming handles a message from the relay; done means the stream is
	// finished.
	incoming(msg *protocol.WebStreamMsg) (done bool, err error)
	// close unblocks the relay. It may be called from any goroutine.
	close()
	// finish releases what the stream goroutine owns.
	finish()
}

// Stream is one relayed request. Messages for it are queued by Incoming and
// processed in order on the stream's own goroutine.
type Stream struct {
	id     uint32
	host   Host
	gate   *PriorityGate
	conf   *Config
	log    logrus.FieldLogger
	opened time.Time

	// ctx is cancelled on close; local calls are bound to it
	ctx    context.Context
	cancel context.CancelFunc

	// hold m to modify the fields below
	m            sync.Mutex
	closed       bool
	closeSent    bool
	failed       bool
	queue        []*protocol.WebStreamMsg
	relay        relay
	relayClosed  bool
	openMsg      *protocol.WebStreamMsg
	highPriority bool

	wake chan struct{}
}

// New creates a stream. Start must be called to process messages.
func New(id uint32, host Host, gate *PriorityGate, conf *Config) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		id:     id,
		host:   host,
		gate:   gate,
		conf:   conf,
		log:    util.StreamLogger(conf.Log, id),
		opened: time.Now(),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

// ID is the stream id.
func (s *Stream) ID() uint32 {
	return s.id
}

// Start launches the stream goroutine.
func (s *Stream) Start() {
	go s.run()
}

// Incoming queues a message from the relay. A close message closes the
// stream immediately.
func (s *Stream) Incoming(msg *protocol.WebStreamMsg) {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		s.log.Debug("message for closed stream ignored")
		return
	}
	if msg.IsCloseMsg {
		if len(msg.Data) > 0 {
			s.log.Warn("close message carried data, ignoring it")
		}
		// the relay side is already closed; no need to tell it
		s.closeSent = true
		s.m.Unlock()
		s.Close()
		return
	}
	s.queue = append(s.queue, msg)
	s.m.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close closes the stream. It is safe to call more than once and from any
// goroutine.
func (s *Stream) Close() {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	var r relay
	if s.relay != nil && !s.relayClosed {
		s.relayClosed = true
		r = s.relay
	}
	highPriority := s.highPriority
	s.m.Unlock()

	s.cancel()
	s.host.WebStreamClosed(s.id)
	s.ensureCloseSent()
	if highPriority {
		s.gate.Ended()
	}
	if r != nil {
		r.close()
	}
}

// IsClosed reports whether the stream is closed.
func (s *Stream) IsClosed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// setFailed marks the stream as closed because the local request could not
// be made; the relay is told so in the close message.
func (s *Stream) setFailed() {
	s.m.Lock()
	s.failed = true
	s.m.Unlock()
}

func (s *Stream) ensureCloseSent() {
	s.m.Lock()
	failed := s.failed
	s.m.Unlock()
	_ = s.send(&protocol.WebStreamMsg{
		StreamID:                           s.id,
		IsControlFlagsOnly:                 true,
		IsCloseMsg:                         true,
		CloseDueToRequestConnectionFailure: failed,
	}, true)
}

// send writes msg to the relay. isClose marks the message that closes the
// stream; only one is ever sent. A failed send is a session error.
func (s *Stream) send(msg *protocol.WebStreamMsg, isClose bool) error {
	s.m.Lock()
	if isClose {
		if s.closeSent {
			s.m.Unlock()
			return nil
		}
		s.closeSent = true
	} else if s.closed {
		s.m.Unlock()
		s.log.Debug("not sending message after close")
		return nil
	}
	s.m.Unlock()

	if err := s.host.Send(msg); err != nil {
		s.log.WithError(err).Error("could not send stream message")
		s.host.OnSessionError(errors.Wrapf(err, "stream %d send", s.id))
		return err
	}
	return nil
}

// waitForPriority delays low priority streams while high priority ones run.
func (s *Stream) waitForPriority() {
	if s.openMsg != nil && s.openMsg.MsgPriority.IsHigh() {
		return
	}
	s.gate.Wait()
}

func (s *Stream) next() *protocol.WebStreamMsg {
	for {
		s.m.Lock()
		if s.closed {
			s.m.Unlock()
			return nil
		}
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.m.Unlock()
			return msg
		}
		s.m.Unlock()

		select {
		case <-s.wake:
		case <-s.ctx.Done():
		}
	}
}

func (s *Stream) run() {
	// runs last, once the stream is closed
	defer func() {
		s.m.Lock()
		r := s.relay
		s.m.Unlock()
		if r != nil {
			r.finish()
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("stream %d panicked: %v", s.id, r)
			s.log.WithError(err).Error("stream goroutine panicked")
			s.Close()
			s.host.OnSessionError(err)
		}
	}()

	for {
		msg := s.next()
		if msg == nil {
			return
		}
		done, err := s.handle(msg)
		if err != nil {
			s.log.WithError(err).Error("stream failed")
			s.Close()
			s.host.OnSessionError(errors.Wrapf(err, "stream %d", s.id))
			return
		}
		if done {
			s.Close()
			return
		}
	}
}

func (s *Stream) handle(msg *protocol.WebStreamMsg) (bool, error) {
	if msg.IsOpenMsg {
		if err := s.init(msg); err != nil {
			return false, err
		}
	}
	if s.openMsg == nil {
		return false, ErrNoOpenMessage
	}
	// control messages carry nothing for the relay, except the end of an
	// upload
	if msg.IsControlFlagsOnly && !msg.IsDataTransmissionDone {
		return false, nil
	}
	return s.relay.incoming(msg)
}

func (s *Stream) init(msg *protocol.WebStreamMsg) error {
	if s.openMsg != nil {
		return ErrDuplicateOpen
	}
	s.openMsg = msg

	var (
		r   relay
		err error
	)
	if msg.IsWebsocketStream {
		r, err = newWebSocketRelay(s, msg)
	} else {
		r, err = newHTTPRelay(s, msg)
	}
	if err != nil {
		return err
	}

	s.m.Lock()
	s.relay = r
	closed := s.closed
	if closed {
		s.relayClosed = true
	}
	if !closed && msg.MsgPriority.IsHigh() {
		s.highPriority = true
		s.gate.Started()
	}
	s.m.Unlock()

	if closed {
		r.close()
		return nil
	}
	if ws, ok := r.(*webSocketRelay); ok {
		ws.start()
	}
	return nil
}

// requestHeader gathers the headers for a local http call.
func (s *Stream) requestHeader(ctx *protocol.HttpInitialContext) (http.Header, error) {
	h, err := s.conf.Headers.GatherRequest(ctx, headers.HTTP)
	if err != nil {
		return nil, err
	}
	if ctx.UseAuth && s.conf.Auth != nil {
		s.conf.Auth.AddAuthHeader(h)
	}
	return h, nil
}
