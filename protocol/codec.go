package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Frame layout: |SIZE (32 bits, little endian)|CONTEXT (8 bits)|BODY|
//
// SIZE counts every byte after itself. BODY is protobuf wire encoded so that
// absent fields cost nothing and unknown fields are skipped.

const headerLen = 4 + 1

// field numbers
const (
	wsStreamID protowire.Number = iota + 1
	wsIsOpen
	wsIsClose
	wsIsControlFlagsOnly
	wsIsDataTransmissionDone
	wsIsWebsocketStream
	wsData
	wsDataCompression
	wsOriginalDataSize
	wsStatusCode
	wsHttpInitialContext
	wsFullStreamDataSize
	wsWebsocketDataType
	wsMsgPriority
	wsCloseDueToRequestConnectionFailure
	wsMultipartReadsPerSecond
	wsBodyReadTimeHighWaterMarkMs
	wsSocketSendTimeHighWaterMarkMs
)

const (
	ctxMethod protowire.Number = iota + 1
	ctxPath
	ctxPathType
	ctxHeaders
	ctxUseAuth
	ctxOctoHost
)

const (
	hdrKey protowire.Number = iota + 1
	hdrValue
)

const (
	synPrinterID protowire.Number = iota + 1
	synPrivateKey
	synIsPrimaryConnection
	synPluginVersion
	synLocalHttpProxyPort
	synLocalDeviceIP
	synRsaChallenge
	synRsaChallengeVersion
	synSummonMethod
	synServerHostType
	synIsCompanion
	synOsType
	synReceiveCompressionType
)

const (
	ackAccepted protowire.Number = iota + 1
	ackError
	ackBackoffSeconds
	ackRequiresPluginUpdate
	ackRsaChallengeResult
	ackAccessKey
	ackConnectedAccounts
)

const (
	summonServerConnectURL protowire.Number = iota + 1
	summonMethod
)

const (
	noteTitle protowire.Number = iota + 1
	noteText
	noteType
	noteShowForSec
	noteActionText
	noteActionLink
	noteOnlyShowIfLoadedViaOe
)

// Encode serializes a frame, including its size prefix.
func Encode(f Frame) ([]byte, error) {
	var body []byte
	switch f.Type {
	case ContextWebStream:
		if f.WebStream == nil {
			return nil, ErrMissingBody
		}
		// reserve room for the payload up front, it dominates the frame size
		body = make([]byte, 0, len(f.WebStream.Data)+64)
		body = appendWebStream(body, f.WebStream)
	case ContextHandshakeSyn:
		if f.HandshakeSyn == nil {
			return nil, ErrMissingBody
		}
		body = appendHandshakeSyn(body, f.HandshakeSyn)
	case ContextHandshakeAck:
		if f.HandshakeAck == nil {
			return nil, ErrMissingBody
		}
		body = appendHandshakeAck(body, f.HandshakeAck)
	case ContextSummon:
		if f.Summon == nil {
			return nil, ErrMissingBody
		}
		body = appendSummon(body, f.Summon)
	case ContextNotification:
		if f.Notification == nil {
			return nil, ErrMissingBody
		}
		body = appendNotification(body, f.Notification)
	default:
		return nil, ErrUnknownContext
	}

	buf := make([]byte, headerLen, headerLen+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)+1))
	buf[4] = byte(f.Type)
	return append(buf, body...), nil
}

// Decode parses one message produced by Encode. Unknown context types decode
// without error into a Frame carrying only the Type, so callers can log and
// skip them.
func Decode(msg []byte) (*Frame, error) {
	if len(msg) < headerLen {
		return nil, ErrShortFrame
	}
	size := binary.LittleEndian.Uint32(msg)
	if int(size)+4 != len(msg) {
		return nil, errors.Wrapf(ErrSizeMismatch, "size prefix %d, message length %d", size, len(msg))
	}
	f := &Frame{Type: ContextType(msg[4])}
	body := msg[headerLen:]

	var err error
	switch f.Type {
	case ContextWebStream:
		f.WebStream = &WebStreamMsg{}
		err = consumeWebStream(body, f.WebStream)
	case ContextHandshakeSyn:
		f.HandshakeSyn = &HandshakeSyn{}
		err = consumeHandshakeSyn(body, f.HandshakeSyn)
	case ContextHandshakeAck:
		f.HandshakeAck = &HandshakeAck{}
		err = consumeHandshakeAck(body, f.HandshakeAck)
	case ContextSummon:
		f.Summon = &Summon{}
		err = consumeSummon(body, f.Summon)
	case ContextNotification:
		f.Notification = &Notification{}
		err = consumeNotification(body, f.Notification)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", f.Type)
	}
	return f, nil
}

// encoding helpers; zero values are omitted

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendWebStream(b []byte, m *WebStreamMsg) []byte {
	b = appendVarint(b, wsStreamID, uint64(m.StreamID))
	b = appendBool(b, wsIsOpen, m.IsOpenMsg)
	b = appendBool(b, wsIsClose, m.IsCloseMsg)
	b = appendBool(b, wsIsControlFlagsOnly, m.IsControlFlagsOnly)
	b = appendBool(b, wsIsDataTransmissionDone, m.IsDataTransmissionDone)
	b = appendBool(b, wsIsWebsocketStream, m.IsWebsocketStream)
	b = appendBytes(b, wsData, m.Data)
	b = appendVarint(b, wsDataCompression, uint64(m.DataCompression))
	b = appendVarint(b, wsOriginalDataSize, uint64(m.OriginalDataSize))
	b = appendVarint(b, wsStatusCode, uint64(m.StatusCode))
	if m.HttpInitialContext != nil {
		b = protowire.AppendTag(b, wsHttpInitialContext, protowire.BytesType)
		b = protowire.AppendBytes(b, appendHttpInitialContext(nil, m.HttpInitialContext))
	}
	b = appendVarint(b, wsFullStreamDataSize, m.FullStreamDataSize)
	b = appendVarint(b, wsWebsocketDataType, uint64(m.WebsocketDataType))
	b = appendVarint(b, wsMsgPriority, uint64(m.MsgPriority))
	b = appendBool(b, wsCloseDueToRequestConnectionFailure, m.CloseDueToRequestConnectionFailure)
	b = appendVarint(b, wsMultipartReadsPerSecond, uint64(m.MultipartReadsPerSecond))
	b = appendVarint(b, wsBodyReadTimeHighWaterMarkMs, uint64(m.BodyReadTimeHighWaterMarkMs))
	b = appendVarint(b, wsSocketSendTimeHighWaterMarkMs, uint64(m.SocketSendTimeHighWaterMarkMs))
	return b
}

func appendHttpInitialContext(b []byte, c *HttpInitialContext) []byte {
	b = appendString(b, ctxMethod, c.Method)
	b = appendString(b, ctxPath, c.Path)
	b = appendVarint(b, ctxPathType, uint64(c.PathType))
	for _, h := range c.Headers {
		var hb []byte
		hb = appendString(hb, hdrKey, h.Key)
		hb = appendString(hb, hdrValue, h.Value)
		b = protowire.AppendTag(b, ctxHeaders, protowire.BytesType)
		b = protowire.AppendBytes(b, hb)
	}
	b = appendBool(b, ctxUseAuth, c.UseAuth)
	b = appendString(b, ctxOctoHost, c.OctoHost)
	return b
}

func appendHandshakeSyn(b []byte, s *HandshakeSyn) []byte {
	b = appendString(b, synPrinterID, s.PrinterID)
	b = appendString(b, synPrivateKey, s.PrivateKey)
	b = appendBool(b, synIsPrimaryConnection, s.IsPrimaryConnection)
	b = appendString(b, synPluginVersion, s.PluginVersion)
	b = appendVarint(b, synLocalHttpProxyPort, uint64(s.LocalHttpProxyPort))
	b = appendString(b, synLocalDeviceIP, s.LocalDeviceIP)
	b = appendBytes(b, synRsaChallenge, s.RsaChallenge)
	b = appendVarint(b, synRsaChallengeVersion, uint64(s.RsaChallengeVersion))
	b = appendVarint(b, synSummonMethod, uint64(s.SummonMethod))
	b = appendVarint(b, synServerHostType, uint64(s.ServerHostType))
	b = appendBool(b, synIsCompanion, s.IsCompanion)
	b = appendString(b, synOsType, s.OsType)
	b = appendVarint(b, synReceiveCompressionType, uint64(s.ReceiveCompressionType))
	return b
}

func appendHandshakeAck(b []byte, a *HandshakeAck) []byte {
	b = appendBool(b, ackAccepted, a.Accepted)
	b = appendString(b, ackError, a.Error)
	b = appendVarint(b, ackBackoffSeconds, uint64(a.BackoffSeconds))
	b = appendBool(b, ackRequiresPluginUpdate, a.RequiresPluginUpdate)
	b = appendString(b, ackRsaChallengeResult, a.RsaChallengeResult)
	b = appendString(b, ackAccessKey, a.AccessKey)
	for _, acct := range a.ConnectedAccounts {
		b = protowire.AppendTag(b, ackConnectedAccounts, protowire.BytesType)
		b = protowire.AppendString(b, acct)
	}
	return b
}

func appendSummon(b []byte, s *Summon) []byte {
	b = appendString(b, summonServerConnectURL, s.ServerConnectURL)
	b = appendVarint(b, summonMethod, uint64(s.SummonMethod))
	return b
}

func appendNotification(b []byte, n *Notification) []byte {
	b = appendString(b, noteTitle, n.Title)
	b = appendString(b, noteText, n.Text)
	b = appendVarint(b, noteType, uint64(n.Type))
	b = appendVarint(b, noteShowForSec, uint64(n.ShowForSec))
	b = appendString(b, noteActionText, n.ActionText)
	b = appendString(b, noteActionLink, n.ActionLink)
	b = appendBool(b, noteOnlyShowIfLoadedViaOe, n.OnlyShowIfLoadedViaOe)
	return b
}

// decoding

// field is one parsed tag/value pair; exactly one of varint or bytes is
// meaningful depending on typ.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// walk calls fn for every field in b, skipping wire types other than varint
// and length-delimited.
func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func consumeWebStream(b []byte, m *WebStreamMsg) error {
	return walk(b, func(f field) error {
		switch f.num {
		case wsStreamID:
			m.StreamID = uint32(f.varint)
		case wsIsOpen:
			m.IsOpenMsg = f.varint != 0
		case wsIsClose:
			m.IsCloseMsg = f.varint != 0
		case wsIsControlFlagsOnly:
			m.IsControlFlagsOnly = f.varint != 0
		case wsIsDataTransmissionDone:
			m.IsDataTransmissionDone = f.varint != 0
		case wsIsWebsocketStream:
			m.IsWebsocketStream = f.varint != 0
		case wsData:
			m.Data = f.bytes
		case wsDataCompression:
			m.DataCompression = DataCompression(f.varint)
		case wsOriginalDataSize:
			m.OriginalDataSize = uint32(f.varint)
		case wsStatusCode:
			m.StatusCode = uint32(f.varint)
		case wsHttpInitialContext:
			m.HttpInitialContext = &HttpInitialContext{}
			return consumeHttpInitialContext(f.bytes, m.HttpInitialContext)
		case wsFullStreamDataSize:
			m.FullStreamDataSize = f.varint
		case wsWebsocketDataType:
			m.WebsocketDataType = WebsocketDataType(f.varint)
		case wsMsgPriority:
			m.MsgPriority = MessagePriority(f.varint)
		case wsCloseDueToRequestConnectionFailure:
			m.CloseDueToRequestConnectionFailure = f.varint != 0
		case wsMultipartReadsPerSecond:
			m.MultipartReadsPerSecond = uint32(f.varint)
		case wsBodyReadTimeHighWaterMarkMs:
			m.BodyReadTimeHighWaterMarkMs = uint32(f.varint)
		case wsSocketSendTimeHighWaterMarkMs:
			m.SocketSendTimeHighWaterMarkMs = uint32(f.varint)
		}
		return nil
	})
}

func consumeHttpInitialContext(b []byte, c *HttpInitialContext) error {
	return walk(b, func(f field) error {
		switch f.num {
		case ctxMethod:
			c.Method = string(f.bytes)
		case ctxPath:
			c.Path = string(f.bytes)
		case ctxPathType:
			c.PathType = PathType(f.varint)
		case ctxHeaders:
			var h Header
			err := walk(f.bytes, func(hf field) error {
				switch hf.num {
				case hdrKey:
					h.Key = string(hf.bytes)
				case hdrValue:
					h.Value = string(hf.bytes)
				}
				return nil
			})
			if err != nil {
				return errors.Wrap(err, "header")
			}
			c.Headers = append(c.Headers, h)
		case ctxUseAuth:
			c.UseAuth = f.varint != 0
		case ctxOctoHost:
			c.OctoHost = string(f.bytes)
		}
		return nil
	})
}

func consumeHandshakeSyn(b []byte, s *HandshakeSyn) error {
	return walk(b, func(f field) error {
		switch f.num {
		case synPrinterID:
			s.PrinterID = string(f.bytes)
		case synPrivateKey:
			s.PrivateKey = string(f.bytes)
		case synIsPrimaryConnection:
			s.IsPrimaryConnection = f.varint != 0
		case synPluginVersion:
			s.PluginVersion = string(f.bytes)
		case synLocalHttpProxyPort:
			s.LocalHttpProxyPort = uint32(f.varint)
		case synLocalDeviceIP:
			s.LocalDeviceIP = string(f.bytes)
		case synRsaChallenge:
			s.RsaChallenge = f.bytes
		case synRsaChallengeVersion:
			s.RsaChallengeVersion = uint32(f.varint)
		case synSummonMethod:
			s.SummonMethod = SummonMethod(f.varint)
		case synServerHostType:
			s.ServerHostType = uint32(f.varint)
		case synIsCompanion:
			s.IsCompanion = f.varint != 0
		case synOsType:
			s.OsType = string(f.bytes)
		case synReceiveCompressionType:
			s.ReceiveCompressionType = DataCompression(f.varint)
		}
		return nil
	})
}

func consumeHandshakeAck(b []byte, a *HandshakeAck) error {
	return walk(b, func(f field) error {
		switch f.num {
		case ackAccepted:
			a.Accepted = f.varint != 0
		case ackError:
			a.Error = string(f.bytes)
		case ackBackoffSeconds:
			a.BackoffSeconds = uint32(f.varint)
		case ackRequiresPluginUpdate:
			a.RequiresPluginUpdate = f.varint != 0
		case ackRsaChallengeResult:
			a.RsaChallengeResult = string(f.bytes)
		case ackAccessKey:
			a.AccessKey = string(f.bytes)
		case ackConnectedAccounts:
			a.ConnectedAccounts = append(a.ConnectedAccounts, string(f.bytes))
		}
		return nil
	})
}

func consumeSummon(b []byte, s *Summon) error {
	return walk(b, func(f field) error {
		switch f.num {
		case summonServerConnectURL:
			s.ServerConnectURL = string(f.bytes)
		case summonMethod:
			s.SummonMethod = SummonMethod(f.varint)
		}
		return nil
	})
}

func consumeNotification(b []byte, n *Notification) error {
	return walk(b, func(f field) error {
		switch f.num {
		case noteTitle:
			n.Title = string(f.bytes)
		case noteText:
			n.Text = string(f.bytes)
		case noteType:
			n.Type = uint32(f.varint)
		case noteShowForSec:
			n.ShowForSec = uint32(f.varint)
		case noteActionText:
			n.ActionText = string(f.bytes)
		case noteActionLink:
			n.ActionLink = string(f.bytes)
		case noteOnlyShowIfLoadedViaOe:
			n.OnlyShowIfLoadedViaOe = f.varint != 0
		}
		return nil
	})
}
