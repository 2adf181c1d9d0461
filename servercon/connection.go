// Package servercon keeps one websocket connection to the relay alive. Each
// connect starts a new session; between connects it backs off, and it
// proactively reconnects once the connection has run long enough.
package servercon

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/protocol"
	"github.com/taskcluster/devicerelay/session"
	"github.com/taskcluster/devicerelay/util"
	"github.com/taskcluster/slugid-go/slugid"
)

const (
	// how often the RunFor budget is checked
	runForCheckInterval = 2 * time.Minute
	// a connection past its RunFor budget is dropped once idle this long
	runForIdleGrace = 5 * time.Minute
	// activity defers the RunFor disconnect by at most this much
	runForMaxExtension = 2 * time.Hour

	dialTimeout = 30 * time.Second
)

// StatusHandler receives connection status changes of the primary
// connection.
type StatusHandler interface {
	OnPrimaryConnectionEstablished(accessKey string, connectedAccounts []string)
	OnPluginUpdateRequired()
}

// SummonHandler is asked to connect to another relay endpoint.
type SummonHandler interface {
	OnSummonRequest(url string, method protocol.SummonMethod)
}

// LatencyProber knows the relay endpoint with the lowest round trip time.
// It returns false when it has no better endpoint than the default.
type LatencyProber interface {
	LowestLatencyEndpoint() (string, bool)
}

// Config is used to create a Connection.
type Config struct {
	// Endpoint is the relay websocket url.
	Endpoint string

	IsPrimary bool
	// UseLowestLatency lets a primary connection use the endpoint reported
	// by Latency instead of Endpoint.
	UseLowestLatency bool
	Latency          LatencyProber

	// RunFor is how long the connection runs before it is dropped, once
	// idle. Zero runs forever.
	RunFor time.Duration

	SummonMethod protocol.SummonMethod

	// Session is the template for every session; ID and IsPrimary are set
	// by the connection.
	Session session.Config

	Status  StatusHandler
	Summons SummonHandler

	Backoff BackoffConfig
	Dialer  *websocket.Dialer

	Log logrus.FieldLogger
}

// Status is a snapshot of the connection state.
type Status struct {
	Endpoint      string
	IsPrimary     bool
	Connected     bool
	SessionID     uint64
	ActiveStreams int
}

// Connection is a relay connection that reconnects until its RunFor budget
// is used up or its backoff is exhausted.
type Connection struct {
	// read only values
	conf   Config
	log    logrus.FieldLogger
	dialer *websocket.Dialer

	// replaced in tests
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	runForCheck time.Duration

	// hold m to modify the fields below
	m             sync.Mutex
	backoff       *Backoff
	sessionID     uint64
	session       *session.Session
	ws            *websocket.Conn
	endpoint      string
	handshakeDone bool
	disconnecting bool
	noWait        bool
	// disables the latency override for one connect after a failed dial
	tempDisableLatency bool
	started            time.Time
	lastActivity       time.Time
}

// New creates a Connection. Nothing happens until Run.
func New(conf Config) (*Connection, error) {
	if conf.Endpoint == "" {
		return nil, errors.New("servercon: no relay endpoint")
	}
	if conf.Session.Streams == nil {
		return nil, errors.New("servercon: no stream config")
	}
	if conf.Session.ServerKey == nil {
		key, err := session.ParsePublicKey(session.ServerPublicKey)
		if err != nil {
			return nil, err
		}
		conf.Session.ServerKey = key
	}

	log := util.OrNull(conf.Log).WithField("primary", conf.IsPrimary)
	if conf.UseLowestLatency && !conf.IsPrimary {
		log.Warn("only the primary connection may use the lowest latency endpoint")
		conf.UseLowestLatency = false
	}

	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: websocket.DefaultDialer.Proxy}
	if conf.Dialer != nil {
		d := *conf.Dialer
		dialer = &d
	}

	now := time.Now()
	return &Connection{
		conf:         conf,
		log:          log,
		dialer:       dialer,
		now:          time.Now,
		sleep:        sleepContext,
		runForCheck:  runForCheckInterval,
		backoff:      NewBackoff(conf.Backoff),
		endpoint:     conf.Endpoint,
		started:      now,
		lastActivity: now,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and reconnects to the relay until the context is done, the
// RunFor budget is used up (nil) or the backoff is exhausted
// (ErrBackoffExhausted).
func (c *Connection) Run(ctx context.Context) error {
	c.m.Lock()
	c.started = c.now()
	c.lastActivity = c.started
	c.m.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.watchRunFor(ctx)

	for {
		if err := c.connect(ctx); err != nil {
			c.log.WithError(err).Warn("relay connection ended")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.runForComplete() {
			c.log.Info("relay connection ran for its full budget")
			return nil
		}

		c.m.Lock()
		wait := c.backoff.Next()
		skip := c.noWait
		c.noWait = false
		c.m.Unlock()

		if skip {
			c.log.Info("reconnecting without waiting")
		} else {
			c.log.WithField("wait", wait.String()).Info("waiting before reconnecting")
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
		}

		c.m.Lock()
		exhausted := c.backoff.Exhausted()
		c.m.Unlock()
		if exhausted {
			c.log.Error("reconnect backoff exhausted")
			return ErrBackoffExhausted
		}
	}
}

func (c *Connection) watchRunFor(ctx context.Context) {
	ticker := time.NewTicker(c.runForCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.runForComplete() {
				c.log.Info("run for budget used, disconnecting")
				c.Disconnect()
			}
		}
	}
}

// runForComplete is true once the connection ran past its budget and has
// been idle for the grace period, or ran past the extension ceiling.
func (c *Connection) runForComplete() bool {
	if c.conf.RunFor <= 0 {
		return false
	}
	c.m.Lock()
	defer c.m.Unlock()
	now := c.now()
	over := now.Sub(c.started) - c.conf.RunFor
	if over <= 0 {
		return false
	}
	if now.Sub(c.lastActivity) > runForIdleGrace {
		return true
	}
	return over > runForMaxExtension
}

// touch records relay traffic. Only inbound frames count; the client's own
// sends do not keep a RunFor connection alive.
func (c *Connection) touch() {
	c.m.Lock()
	c.lastActivity = c.now()
	c.m.Unlock()
}

// selectEndpoint must be called with m held.
func (c *Connection) selectEndpoint() string {
	if c.conf.UseLowestLatency && c.conf.Latency != nil {
		if c.tempDisableLatency {
			c.log.Info("lowest latency endpoint disabled after a failed connect")
		} else if endpoint, ok := c.conf.Latency.LowestLatencyEndpoint(); ok {
			return endpoint
		}
	}
	return c.conf.Endpoint
}

// connect runs one connection and session until the websocket closes.
func (c *Connection) connect(ctx context.Context) error {
	c.m.Lock()
	c.sessionID++
	id := c.sessionID
	c.disconnecting = false
	c.endpoint = c.selectEndpoint()
	endpoint := c.endpoint
	c.m.Unlock()

	log := c.log.WithFields(logrus.Fields{
		"conn":     slugid.Nice(),
		"session":  id,
		"endpoint": endpoint,
	})
	log.Info("connecting to relay")

	ws, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.m.Lock()
		c.tempDisableLatency = true
		c.m.Unlock()
		return errors.Wrapf(err, "dialing %s", endpoint)
	}

	l := &link{c: c, ws: ws}
	conf := c.conf.Session
	conf.ID = id
	conf.IsPrimary = c.conf.IsPrimary
	conf.Log = log
	sess, err := session.New(l, conf)
	if err != nil {
		_ = ws.Close()
		return err
	}

	c.m.Lock()
	c.tempDisableLatency = false
	if c.disconnecting {
		// disconnected while dialing
		c.m.Unlock()
		_ = ws.Close()
		return errors.New("disconnected while connecting")
	}
	c.session = sess
	c.ws = ws
	c.m.Unlock()
	log.Info("connected to relay")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Disconnect()
		case <-done:
		}
	}()

	sess.StartHandshake(ctx, c.conf.SummonMethod)

	var readErr error
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.touch()
		sess.HandleMessage(data)
	}

	c.Disconnect()
	c.m.Lock()
	c.session = nil
	c.ws = nil
	c.handshakeDone = false
	c.m.Unlock()
	return readErr
}

// Disconnect closes every stream of the current session and then the
// websocket. Run reconnects after the usual backoff.
func (c *Connection) Disconnect() {
	c.m.Lock()
	first := !c.disconnecting
	c.disconnecting = true
	sess, ws := c.session, c.ws
	c.m.Unlock()

	if first && sess != nil {
		sess.CloseAllWebStreamsAndDisable()
	}
	if ws != nil {
		_ = ws.Close()
	}
}

// ReconnectNow disconnects and reconnects without waiting out the backoff.
func (c *Connection) ReconnectNow() {
	c.m.Lock()
	c.noWait = true
	c.m.Unlock()
	c.Disconnect()
}

// Status returns the current state of the connection.
func (c *Connection) Status() Status {
	c.m.Lock()
	defer c.m.Unlock()
	st := Status{
		Endpoint:  c.endpoint,
		IsPrimary: c.conf.IsPrimary,
		Connected: c.handshakeDone,
		SessionID: c.sessionID,
	}
	if c.session != nil {
		st.ActiveStreams = c.session.ActiveStreams()
	}
	return st
}

// current reports whether id is the session of the running connection.
func (c *Connection) current(id uint64, what string) bool {
	c.m.Lock()
	cur := c.sessionID
	c.m.Unlock()
	if id != cur {
		c.log.WithFields(logrus.Fields{"session": id, "current": cur}).Infof("ignoring %s of an old session", what)
		return false
	}
	return true
}

func (c *Connection) onSessionError(id uint64, backoff time.Duration) {
	if !c.current(id, "error") {
		return
	}
	if backoff > 0 {
		c.m.Lock()
		c.backoff.AddPenalty(backoff)
		c.m.Unlock()
	}
	c.log.WithFields(logrus.Fields{"session": id, "penalty": backoff.String()}).Warn("session error, disconnecting")
	c.Disconnect()
}

func (c *Connection) onHandshakeComplete(id uint64, ack *protocol.HandshakeAck) {
	if !c.current(id, "handshake") {
		return
	}
	c.m.Lock()
	c.handshakeDone = true
	c.backoff.Reset()
	c.m.Unlock()
	if c.conf.IsPrimary && c.conf.Status != nil {
		c.conf.Status.OnPrimaryConnectionEstablished(ack.AccessKey, ack.ConnectedAccounts)
	}
}

func (c *Connection) onSummonRequest(id uint64, url string, method protocol.SummonMethod) {
	if !c.current(id, "summon") {
		return
	}
	if c.conf.Summons == nil {
		c.log.WithField("url", url).Warn("no summon handler")
		return
	}
	c.conf.Summons.OnSummonRequest(url, method)
}

func (c *Connection) onPluginUpdateRequired() {
	if c.conf.Status != nil {
		c.conf.Status.OnPluginUpdateRequired()
	}
}

// link binds a session to the websocket it was created on, so a session
// never writes to a later connection.
type link struct {
	c  *Connection
	ws *websocket.Conn

	// gorilla websockets allow one concurrent writer
	m sync.Mutex
}

func (l *link) SendFrame(data []byte) error {
	l.m.Lock()
	err := l.ws.WriteMessage(websocket.BinaryMessage, data)
	l.m.Unlock()
	if err != nil {
		return errors.Wrap(err, "writing to relay")
	}
	return nil
}

func (l *link) OnSessionError(id uint64, backoff time.Duration) {
	l.c.onSessionError(id, backoff)
}

func (l *link) OnHandshakeComplete(id uint64, ack *protocol.HandshakeAck) {
	l.c.onHandshakeComplete(id, ack)
}

func (l *link) OnSummonRequest(id uint64, url string, method protocol.SummonMethod) {
	l.c.onSummonRequest(id, url, method)
}

func (l *link) OnPluginUpdateRequired() {
	l.c.onPluginUpdateRequired()
}
