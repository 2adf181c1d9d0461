package protocol

import (
	"strconv"
	"strings"
)

// ContextType tags the union carried by a Frame.
type ContextType byte

const (
	ContextNone ContextType = iota
	ContextHandshakeSyn
	ContextHandshakeAck
	ContextWebStream
	ContextNotification
	ContextSummon
)

func (c ContextType) String() string {
	switch c {
	case ContextHandshakeSyn:
		return "HandshakeSyn"
	case ContextHandshakeAck:
		return "HandshakeAck"
	case ContextWebStream:
		return "WebStreamMsg"
	case ContextNotification:
		return "Notification"
	case ContextSummon:
		return "Summon"
	}
	return "Unknown(" + strconv.Itoa(int(c)) + ")"
}

// PathType says how the Path of an HttpInitialContext must be interpreted.
type PathType int32

const (
	PathNone PathType = iota
	// PathRelative is a path on the local web server, e.g. "/api/version"
	PathRelative
	// PathAbsolute is a full URL, e.g. "http://printer.local:8080/stream"
	PathAbsolute
)

// DataCompression identifies the codec used for the Data of a WebStreamMsg.
type DataCompression int32

const (
	CompressionNone DataCompression = iota
	CompressionZlib
	CompressionZstandard
)

func (d DataCompression) String() string {
	switch d {
	case CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	case CompressionZstandard:
		return "zstd"
	}
	return "unknown(" + strconv.Itoa(int(d)) + ")"
}

// WebsocketDataType is the websocket opcode class of a relayed message.
type WebsocketDataType int32

const (
	WebsocketNone WebsocketDataType = iota
	WebsocketText
	WebsocketBinary
	WebsocketClose
)

// MessagePriority orders streams; anything below PriorityNormal is high priority.
type MessagePriority int32

const (
	PriorityUnset  MessagePriority = 0
	PriorityHigh   MessagePriority = 5
	PriorityNormal MessagePriority = 10
	PriorityLow    MessagePriority = 15
)

// IsHigh reports whether streams with this priority delay low priority streams.
func (p MessagePriority) IsHigh() bool {
	return p != PriorityUnset && p < PriorityNormal
}

// SummonMethod records why a connection was opened.
type SummonMethod int32

const (
	SummonUnknown SummonMethod = iota
	SummonDefault
	SummonUserRequested
	SummonNotification
)

// Header is one http header as carried on the wire. Order and duplicates are
// preserved.
type Header struct {
	Key   string
	Value string
}

// HttpInitialContext is attached to the first message of a stream in each
// direction.
type HttpInitialContext struct {
	Method   string
	Path     string
	PathType PathType
	Headers  []Header
	UseAuth  bool
	// OctoHost is the hostname the remote browser used to reach the relay.
	OctoHost string
}

// HeaderValue returns the first value for key, matched case-insensitively.
func (c *HttpInitialContext) HeaderValue(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	for _, h := range c.Headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value, true
		}
	}
	return "", false
}

// WebStreamMsg is one unit of a multiplexed http or websocket stream.
type WebStreamMsg struct {
	StreamID uint32

	IsOpenMsg              bool
	IsCloseMsg             bool
	IsControlFlagsOnly     bool
	IsDataTransmissionDone bool
	IsWebsocketStream      bool

	Data []byte
	// DataCompression and OriginalDataSize are only meaningful together;
	// OriginalDataSize is the size of Data before compression.
	DataCompression  DataCompression
	OriginalDataSize uint32

	// StatusCode is set on the first response message only.
	StatusCode uint32
	// HttpInitialContext is set on the first message only.
	HttpInitialContext *HttpInitialContext
	// FullStreamDataSize is the declared size of the whole body, 0 when unknown.
	FullStreamDataSize uint64

	WebsocketDataType WebsocketDataType
	MsgPriority       MessagePriority

	CloseDueToRequestConnectionFailure bool

	MultipartReadsPerSecond       uint32
	BodyReadTimeHighWaterMarkMs   uint32
	SocketSendTimeHighWaterMarkMs uint32
}

// HandshakeSyn is the first message sent by the device on a new connection.
type HandshakeSyn struct {
	PrinterID              string
	PrivateKey             string
	IsPrimaryConnection    bool
	PluginVersion          string
	LocalHttpProxyPort     uint32
	LocalDeviceIP          string
	RsaChallenge           []byte
	RsaChallengeVersion    uint32
	SummonMethod           SummonMethod
	ServerHostType         uint32
	IsCompanion            bool
	OsType                 string
	ReceiveCompressionType DataCompression
}

// HandshakeAck is the relay's answer to a HandshakeSyn.
type HandshakeAck struct {
	Accepted             bool
	Error                string
	BackoffSeconds       uint32
	RequiresPluginUpdate bool
	RsaChallengeResult   string
	AccessKey            string
	ConnectedAccounts    []string
}

// Summon asks the device to open a secondary connection to another relay.
type Summon struct {
	ServerConnectURL string
	SummonMethod     SummonMethod
}

// Notification is a user facing message the relay wants shown locally.
type Notification struct {
	Title                 string
	Text                  string
	Type                  uint32
	ShowForSec            uint32
	ActionText            string
	ActionLink            string
	OnlyShowIfLoadedViaOe bool
}

// Frame is the wire unit: exactly one of the pointers matching Type is set.
type Frame struct {
	Type         ContextType
	HandshakeSyn *HandshakeSyn
	HandshakeAck *HandshakeAck
	WebStream    *WebStreamMsg
	Notification *Notification
	Summon       *Summon
}

func NewWebStreamFrame(msg *WebStreamMsg) Frame {
	return Frame{Type: ContextWebStream, WebStream: msg}
}

func NewHandshakeSynFrame(syn *HandshakeSyn) Frame {
	return Frame{Type: ContextHandshakeSyn, HandshakeSyn: syn}
}

func (f Frame) String() string {
	str := f.Type.String()
	if f.WebStream != nil {
		str += " " + strconv.Itoa(int(f.WebStream.StreamID))
		if f.WebStream.IsOpenMsg {
			str += " OPEN"
		}
		if f.WebStream.IsDataTransmissionDone {
			str += " DONE"
		}
		if f.WebStream.IsCloseMsg {
			str += " CLOSE"
		}
		str += " len=" + strconv.Itoa(len(f.WebStream.Data))
	}
	return str
}
