package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestWebStreamFrame(t *testing.T) {
	msg := &WebStreamMsg{
		StreamID:               7,
		IsOpenMsg:              true,
		IsDataTransmissionDone: true,
		Data:                   []byte("hello"),
		DataCompression:        CompressionZstandard,
		OriginalDataSize:       412,
		MsgPriority:            PriorityHigh,
		FullStreamDataSize:     1 << 33,
		HttpInitialContext: &HttpInitialContext{
			Method:   "POST",
			Path:     "/api/files/local",
			PathType: PathRelative,
			OctoHost: "printer123.example.com",
			Headers: []Header{
				{Key: "Content-Type", Value: "application/json"},
				{Key: "Cookie", Value: "a=1"},
				{Key: "Cookie", Value: "b=2"},
			},
		},
	}
	buf, err := Encode(NewWebStreamFrame(msg))
	require.NoError(t, err)

	require.Equal(t, uint32(len(buf)-4), binary.LittleEndian.Uint32(buf))
	require.Equal(t, byte(ContextWebStream), buf[4])

	f, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, ContextWebStream, f.Type)
	require.Equal(t, msg, f.WebStream)

	v, ok := f.WebStream.HttpInitialContext.HeaderValue("content-type")
	assert.True(t, ok)
	assert.Equal(t, "application/json", v)
}

func TestHandshakeFrames(t *testing.T) {
	syn := &HandshakeSyn{
		PrinterID:              "printer",
		PrivateKey:             "key",
		IsPrimaryConnection:    true,
		PluginVersion:          "3.1.0",
		LocalHttpProxyPort:     80,
		LocalDeviceIP:          "192.168.1.4",
		RsaChallenge:           []byte{1, 2, 3},
		RsaChallengeVersion:    1,
		SummonMethod:           SummonUserRequested,
		OsType:                 "linux",
		ReceiveCompressionType: CompressionZstandard,
	}
	buf, err := Encode(NewHandshakeSynFrame(syn))
	require.NoError(t, err)
	f, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, syn, f.HandshakeSyn)

	ack := &HandshakeAck{
		Accepted:           true,
		RsaChallengeResult: "abc",
		AccessKey:          "access",
		ConnectedAccounts:  []string{"one", "two"},
	}
	buf, err = Encode(Frame{Type: ContextHandshakeAck, HandshakeAck: ack})
	require.NoError(t, err)
	f, err = Decode(buf)
	require.NoError(t, err)
	require.Equal(t, ack, f.HandshakeAck)
}

func TestEmptyBodyFrame(t *testing.T) {
	buf, err := Encode(Frame{Type: ContextSummon, Summon: &Summon{}})
	require.NoError(t, err)
	require.Len(t, buf, headerLen)

	f, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, &Summon{}, f.Summon)
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode(Frame{Type: ContextWebStream})
	require.Equal(t, ErrMissingBody, err)

	_, err = Encode(Frame{Type: ContextType(99)})
	require.Equal(t, ErrUnknownContext, err)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{1, 0, 0})
	require.Equal(t, ErrShortFrame, err)

	buf, err := Encode(NewWebStreamFrame(&WebStreamMsg{StreamID: 1, Data: []byte("data")}))
	require.NoError(t, err)
	_, err = Decode(buf[:len(buf)-1])
	require.Equal(t, ErrSizeMismatch, errors.Cause(err))

	// truncated varint inside a correctly sized frame
	bad := []byte{2, 0, 0, 0, byte(ContextWebStream), 0x08}
	_, err = Decode(bad)
	require.Error(t, err)
}

func TestDecodeUnknownContext(t *testing.T) {
	f, err := Decode([]byte{1, 0, 0, 0, 42})
	require.NoError(t, err)
	require.Equal(t, ContextType(42), f.Type)
	require.Nil(t, f.WebStream)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, 3)
	body = protowire.AppendTag(body, 99, protowire.Fixed32Type)
	body = protowire.AppendFixed32(body, 0xdeadbeef)
	body = protowire.AppendTag(body, 100, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte("future"))

	buf := make([]byte, headerLen, headerLen+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)+1))
	buf[4] = byte(ContextWebStream)
	buf = append(buf, body...)

	f, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(3), f.WebStream.StreamID)
}

func TestPriority(t *testing.T) {
	assert.True(t, PriorityHigh.IsHigh())
	assert.False(t, PriorityNormal.IsHigh())
	assert.False(t, PriorityLow.IsHigh())
	assert.False(t, PriorityUnset.IsHigh())
}
