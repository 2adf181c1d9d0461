package compression

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/protocol"
)

const sizeUnknown = -1

// Result is one compressed chunk.
type Result struct {
	Bytes    []byte
	Type     protocol.DataCompression
	Duration time.Duration
}

// Context compresses or decompresses the chunks of a single stream. It is not
// safe for concurrent use and is used for one direction only. Close must be
// called by the goroutine that uses the context, once it is done with it.
type Context struct {
	pool *Pool
	log  logrus.FieldLogger

	// guards closed and the rented codecs
	mu     sync.Mutex
	closed bool

	totalSize int64

	enc          *zstd.Encoder
	encStreaming bool
	encOut       bytes.Buffer
	zw           *zlib.Writer

	dec        *zstd.Decoder
	decStarted bool
	feed       feeder

	// once compression stops paying off it stays off
	disabled bool
	in, out  int64
}

// SetExpectedTotalSize declares the size of all the data that will pass
// through the context. It must be called before the first chunk.
func (c *Context) SetExpectedTotalSize(n int64) error {
	if c.encStreaming || c.decStarted {
		return ErrAlreadyStarted
	}
	if n <= 0 {
		n = sizeUnknown
	}
	c.totalSize = n
	return nil
}

// ShouldCompress reports whether a chunk of n bytes is worth compressing.
func (c *Context) ShouldCompress(n int) bool {
	return !c.disabled && n >= MinSizeToCompress
}

// Disabled reports whether compression was turned off for being ineffective.
func (c *Context) Disabled() bool {
	return c.disabled
}

// Compress compresses one chunk. When data is the whole of the declared total
// size a self contained frame is produced; otherwise each chunk is flushed so
// that it can be decompressed as soon as it arrives.
func (c *Context) Compress(data []byte) (Result, error) {
	start := time.Now()
	if len(data) == 0 {
		return Result{Bytes: data, Type: protocol.CompressionNone}, nil
	}

	var (
		out []byte
		err error
	)
	switch c.pool.codec {
	case protocol.CompressionZlib:
		out, err = c.compressZlib(data)
	default:
		out, err = c.compressZstd(data)
	}
	if err != nil {
		return Result{}, err
	}

	c.in += int64(len(data))
	c.out += int64(len(out))
	if !c.disabled && float64(c.out) > float64(c.in)*0.9 {
		c.disabled = true
		c.log.WithField("ratio", float64(c.out)/float64(c.in)).Info("compression is ineffective for this stream, disabling it")
	}

	return Result{Bytes: out, Type: c.pool.codec, Duration: time.Since(start)}, nil
}

func (c *Context) compressZstd(data []byte) ([]byte, error) {
	enc, err := c.encoder()
	if err != nil {
		return nil, err
	}

	if !c.encStreaming && c.totalSize == int64(len(data)) {
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	}

	if !c.encStreaming {
		c.encStreaming = true
		if c.totalSize > 0 {
			enc.ResetContentSize(&c.encOut, c.totalSize)
		} else {
			enc.Reset(&c.encOut)
		}
	}
	c.encOut.Reset()
	if _, err := enc.Write(data); err != nil {
		return nil, errors.Wrap(err, "zstd write")
	}
	if err := enc.Flush(); err != nil {
		return nil, errors.Wrap(err, "zstd flush")
	}
	out := make([]byte, c.encOut.Len())
	copy(out, c.encOut.Bytes())
	return out, nil
}

// zlib chunks are independent of each other
func (c *Context) compressZlib(data []byte) ([]byte, error) {
	c.encOut.Reset()
	if c.zw == nil {
		zw, err := zlib.NewWriterLevel(&c.encOut, zlibLevel)
		if err != nil {
			return nil, errors.Wrap(err, "creating zlib writer")
		}
		c.zw = zw
	} else {
		c.zw.Reset(&c.encOut)
	}
	if _, err := c.zw.Write(data); err != nil {
		return nil, errors.Wrap(err, "zlib write")
	}
	if err := c.zw.Close(); err != nil {
		return nil, errors.Wrap(err, "zlib close")
	}
	out := make([]byte, c.encOut.Len())
	copy(out, c.encOut.Bytes())
	return out, nil
}

// Decompress reverses Compress for one chunk. originalSize is the size of the
// chunk before compression; exactly that many bytes are read from a streaming
// decoder. isLast marks the final chunk of the stream, which allows a one-shot
// decode when it is also the first.
func (c *Context) Decompress(data []byte, originalSize uint32, isLast bool, codec protocol.DataCompression) ([]byte, error) {
	switch codec {
	case protocol.CompressionNone:
		return data, nil
	case protocol.CompressionZlib:
		return decompressZlib(data, originalSize)
	case protocol.CompressionZstandard:
		return c.decompressZstd(data, originalSize, isLast)
	}
	return nil, errors.Wrapf(ErrUnknownCodec, "codec %s", codec)
}

func (c *Context) decompressZstd(data []byte, originalSize uint32, isLast bool) ([]byte, error) {
	dec, err := c.decoder()
	if err != nil {
		return nil, err
	}

	if !c.decStarted && (isLast || c.totalSize == int64(originalSize)) {
		out, err := dec.DecodeAll(data, make([]byte, 0, originalSize))
		if err == nil {
			return out, nil
		}
		// a flushed chunk of an unterminated frame; fall through and stream it
	}

	c.feed.push(data)
	if !c.decStarted {
		if err := dec.Reset(&c.feed); err != nil {
			return nil, errors.Wrap(err, "starting zstd stream")
		}
		c.decStarted = true
	}
	out := make([]byte, originalSize)
	if _, err := io.ReadFull(dec, out); err != nil {
		return nil, errors.Wrapf(err, "zstd stream read of %d bytes", originalSize)
	}
	return out, nil
}

func decompressZlib(data []byte, originalSize uint32) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "zlib header")
	}
	defer r.Close()
	out := bytes.NewBuffer(make([]byte, 0, originalSize))
	if _, err := io.Copy(out, r); err != nil {
		return nil, errors.Wrap(err, "zlib read")
	}
	return out.Bytes(), nil
}

func (c *Context) encoder() (*zstd.Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrContextClosed
	}
	if c.enc == nil {
		enc, err := c.pool.rentEncoder()
		if err != nil {
			return nil, err
		}
		c.enc = enc
	}
	return c.enc, nil
}

func (c *Context) decoder() (*zstd.Decoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrContextClosed
	}
	if c.dec == nil {
		dec, err := c.pool.rentDecoder()
		if err != nil {
			return nil, err
		}
		c.dec = dec
	}
	return c.dec, nil
}

// Close returns rented codecs to the pool. It is safe to call more than once.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	enc, dec := c.enc, c.dec
	c.enc, c.dec = nil, nil
	c.mu.Unlock()

	if enc != nil {
		c.pool.returnEncoder(enc)
	}
	if dec != nil {
		c.pool.returnDecoder(dec)
	}
}

// feeder is the input of a streaming decoder. It deliberately has no Bytes or
// Len method: the decoder would otherwise decode it in one go on Reset.
type feeder struct {
	buf []byte
}

func (f *feeder) push(b []byte) {
	if len(f.buf) == 0 {
		f.buf = b
		return
	}
	f.buf = append(f.buf[:len(f.buf):len(f.buf)], b...)
}

func (f *feeder) Read(p []byte) (int, error) {
	if len(f.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}
