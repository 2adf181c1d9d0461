// Package session runs one authenticated session over a relay connection:
// it performs the handshake, then dispatches relay messages to web streams,
// notifications and summon requests.
package session

import (
	"context"
	"crypto/rsa"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/protocol"
	"github.com/taskcluster/devicerelay/util"
	"github.com/taskcluster/devicerelay/webstream"
)

// PluginUpdateBackoff is added to the reconnect delay when the relay refuses
// this version of the client.
const PluginUpdateBackoff = 12 * time.Hour

// Owner is the connection a session runs on. Callbacks carry the session id
// so the owner can ignore those of a session it already replaced.
type Owner interface {
	// SendFrame writes an encoded frame. It is safe for concurrent use.
	SendFrame(data []byte) error
	OnSessionError(sessionID uint64, backoff time.Duration)
	OnHandshakeComplete(sessionID uint64, ack *protocol.HandshakeAck)
	OnSummonRequest(sessionID uint64, url string, method protocol.SummonMethod)
	OnPluginUpdateRequired()
}

// Popup is a notification to show to local users.
type Popup struct {
	Title      string
	Text       string
	Type       string
	ActionText string
	ActionLink string
	ShowFor    time.Duration
	// OnlyIfLoadedViaRelay limits the popup to users of the remote portal.
	OnlyIfLoadedViaRelay bool
}

// PopupInvoker shows popups in the local UI.
type PopupInvoker interface {
	ShowPopup(p Popup)
}

// Config is the identity and environment of a session.
type Config struct {
	ID             uint64
	PrinterID      string
	PrivateKey     string
	IsPrimary      bool
	PluginVersion  string
	ServerHostType uint32
	IsCompanion    bool
	// ProxyPort is the local http proxy port reported to the relay.
	ProxyPort uint32

	// LocalIP returns the LAN address reported to the relay.
	LocalIP func() (string, error)
	// OsType defaults to DetectOsType.
	OsType string

	// ServerKey defaults to ServerPublicKey.
	ServerKey *rsa.PublicKey

	Popups  PopupInvoker
	Streams *webstream.Config

	Log logrus.FieldLogger
}

// Session is the state of one connection between handshake and teardown.
type Session struct {
	conf  Config
	owner Owner
	log   logrus.FieldLogger
	auth  challenge
	gate  *webstream.PriorityGate

	// hold m to modify the fields below
	m         sync.Mutex
	streams   map[uint32]*webstream.Stream
	accepting bool
}

// New creates a session. Nothing is sent until StartHandshake.
func New(owner Owner, conf Config) (*Session, error) {
	if conf.ServerKey == nil {
		key, err := ParsePublicKey(ServerPublicKey)
		if err != nil {
			return nil, err
		}
		conf.ServerKey = key
	}
	if conf.Streams == nil {
		return nil, errors.New("session: no stream config")
	}
	return &Session{
		conf:      conf,
		owner:     owner,
		log:       util.SessionLogger(conf.Log, conf.ID),
		auth:      newChallenge(),
		gate:      webstream.NewPriorityGate(),
		streams:   make(map[uint32]*webstream.Stream),
		accepting: true,
	}, nil
}

// ID is the session id.
func (s *Session) ID() uint64 {
	return s.conf.ID
}

// StartHandshake sends the handshake syn. Failures are reported to the owner.
func (s *Session) StartHandshake(ctx context.Context, method protocol.SummonMethod) {
	if err := s.sendSyn(ctx, method); err != nil {
		s.log.WithError(err).Error("could not send handshake")
		s.owner.OnSessionError(s.conf.ID, 0)
	}
}

func (s *Session) sendSyn(ctx context.Context, method protocol.SummonMethod) error {
	encrypted, err := s.auth.encrypt(s.conf.ServerKey)
	if err != nil {
		return err
	}
	var localIP string
	if s.conf.LocalIP != nil {
		if ip, err := s.conf.LocalIP(); err == nil {
			localIP = ip
		} else {
			s.log.WithError(err).Debug("no local ip for the handshake")
		}
	}
	osType := s.conf.OsType
	if osType == "" {
		osType = DetectOsType(ctx)
	}

	data, err := protocol.Encode(protocol.NewHandshakeSynFrame(&protocol.HandshakeSyn{
		PrinterID:              s.conf.PrinterID,
		PrivateKey:             s.conf.PrivateKey,
		IsPrimaryConnection:    s.conf.IsPrimary,
		PluginVersion:          s.conf.PluginVersion,
		LocalHttpProxyPort:     s.conf.ProxyPort,
		LocalDeviceIP:          localIP,
		RsaChallenge:           encrypted,
		RsaChallengeVersion:    ChallengeKeyVersion,
		SummonMethod:           method,
		ServerHostType:         s.conf.ServerHostType,
		IsCompanion:            s.conf.IsCompanion,
		OsType:                 osType,
		ReceiveCompressionType: s.conf.Streams.Compression.Codec(),
	}))
	if err != nil {
		return err
	}
	return s.owner.SendFrame(data)
}

// HandleMessage processes one message from the relay. It runs on the
// connection's receive goroutine, so it never blocks on a stream.
func (s *Session) HandleMessage(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		s.log.WithError(err).Error("could not decode relay message")
		s.owner.OnSessionError(s.conf.ID, 0)
		return
	}

	switch frame.Type {
	case protocol.ContextHandshakeAck:
		err = s.handleAck(frame.HandshakeAck)
	case protocol.ContextWebStream:
		err = s.handleWebStream(frame.WebStream)
	case protocol.ContextNotification:
		s.handleNotification(frame.Notification)
	case protocol.ContextSummon:
		s.handleSummon(frame.Summon)
	default:
		s.log.WithField("type", frame.Type).Info("ignoring unknown message type")
	}
	if err != nil {
		s.log.WithError(err).Error("relay message failed")
		s.owner.OnSessionError(s.conf.ID, 0)
	}
}

func (s *Session) handleAck(ack *protocol.HandshakeAck) error {
	if ack.Accepted {
		if !s.auth.validate(ack.RsaChallengeResult) {
			return ErrChallengeMismatch
		}
		s.log.Info("handshake complete")
		s.owner.OnHandshakeComplete(s.conf.ID, ack)
		return nil
	}

	reason := ack.Error
	if reason == "" {
		reason = "no error given"
	}
	s.log.WithField("reason", reason).Error("handshake refused")

	backoff := time.Duration(ack.BackoffSeconds) * time.Second
	if ack.RequiresPluginUpdate {
		backoff = PluginUpdateBackoff
		s.owner.OnPluginUpdateRequired()
	}
	s.owner.OnSessionError(s.conf.ID, backoff)
	return nil
}

func (s *Session) handleWebStream(msg *protocol.WebStreamMsg) error {
	if msg.StreamID == 0 {
		return ErrInvalidStreamID
	}

	s.m.Lock()
	stream, ok := s.streams[msg.StreamID]
	if !ok {
		if !msg.IsOpenMsg {
			s.m.Unlock()
			// the local side may have just closed it
			log := s.log.WithFields(logrus.Fields{"stream": msg.StreamID, "close": msg.IsCloseMsg})
			if msg.IsCloseMsg {
				log.Debug("message for unknown stream dropped")
			} else {
				log.Warn("message for unknown stream dropped")
			}
			return nil
		}
		if !s.accepting {
			s.m.Unlock()
			s.log.WithField("stream", msg.StreamID).Info("open message after streams were disabled")
			return nil
		}
		stream = webstream.New(msg.StreamID, s, s.gate, s.conf.Streams)
		s.streams[msg.StreamID] = stream
		stream.Start()
	}
	s.m.Unlock()

	stream.Incoming(msg)
	return nil
}

var notificationTypes = map[uint32]string{
	0: "notice",
	1: "success",
	2: "info",
	3: "error",
}

func (s *Session) handleNotification(n *protocol.Notification) {
	if n.Title == "" || n.Text == "" {
		s.log.Error("notification without title or text")
		return
	}
	if s.conf.Popups == nil {
		s.log.WithField("title", n.Title).Debug("no popup invoker for notification")
		return
	}
	typ, ok := notificationTypes[n.Type]
	if !ok {
		typ = "notice"
	}
	s.conf.Popups.ShowPopup(Popup{
		Title:                n.Title,
		Text:                 n.Text,
		Type:                 typ,
		ActionText:           n.ActionText,
		ActionLink:           n.ActionLink,
		ShowFor:              time.Duration(n.ShowForSec) * time.Second,
		OnlyIfLoadedViaRelay: n.OnlyShowIfLoadedViaOe,
	})
}

func (s *Session) handleSummon(m *protocol.Summon) {
	if m.ServerConnectURL == "" {
		s.log.Error("summon without a server url")
		return
	}
	s.owner.OnSummonRequest(s.conf.ID, m.ServerConnectURL, m.SummonMethod)
}

// Send implements webstream.Host.
func (s *Session) Send(msg *protocol.WebStreamMsg) error {
	data, err := protocol.Encode(protocol.NewWebStreamFrame(msg))
	if err != nil {
		return err
	}
	return s.owner.SendFrame(data)
}

// WebStreamClosed implements webstream.Host.
func (s *Session) WebStreamClosed(id uint32) {
	s.m.Lock()
	defer s.m.Unlock()
	if _, ok := s.streams[id]; !ok {
		s.log.WithField("stream", id).Error("closed stream was not in the stream map")
		return
	}
	delete(s.streams, id)
}

// OnSessionError implements webstream.Host.
func (s *Session) OnSessionError(err error) {
	s.log.WithError(err).Error("stream reported a session error")
	s.owner.OnSessionError(s.conf.ID, 0)
}

// CloseAllWebStreamsAndDisable closes every stream and refuses new ones.
func (s *Session) CloseAllWebStreamsAndDisable() {
	s.m.Lock()
	s.accepting = false
	streams := make([]*webstream.Stream, 0, len(s.streams))
	for _, str := range s.streams {
		streams = append(streams, str)
	}
	s.m.Unlock()

	s.log.WithField("count", len(streams)).Info("closing all web streams")
	// streams remove themselves from the map
	for _, str := range streams {
		str.Close()
	}
}

// ActiveStreams is the number of open streams.
func (s *Session) ActiveStreams() int {
	s.m.Lock()
	defer s.m.Unlock()
	return len(s.streams)
}
