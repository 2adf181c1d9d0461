// Package compression implements the per-stream compression contexts used on
// the relay link, and the pool of codec instances they rent from.
package compression

import (
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/protocol"
	"github.com/taskcluster/devicerelay/util"
)

const (
	// MinSizeToCompress is the smallest payload worth compressing; below it
	// the codec overhead makes the output larger.
	MinSizeToCompress = 200

	// past this many codec instances of one kind, something is probably not
	// returning them
	leakWarnCount = 40

	zlibLevel = 3
)

// Pool hands out zstd encoders and decoders. Instances are only ever used by
// one Context at a time; the pool lock is held for checkout and checkin only.
type Pool struct {
	mu       sync.Mutex
	encoders []*zstd.Encoder
	decoders []*zstd.Decoder

	encodersCreated int
	decodersCreated int

	codec protocol.DataCompression
	log   logrus.FieldLogger
}

// NewPool creates a pool whose contexts compress with codec, which must be
// CompressionZstandard or CompressionZlib. Decompression supports both
// regardless.
func NewPool(codec protocol.DataCompression, log logrus.FieldLogger) (*Pool, error) {
	switch codec {
	case protocol.CompressionZstandard, protocol.CompressionZlib:
	default:
		return nil, errors.Wrapf(ErrUnknownCodec, "codec %s", codec)
	}
	return &Pool{codec: codec, log: util.OrNull(log)}, nil
}

// Codec is the codec contexts from this pool compress with.
func (p *Pool) Codec() protocol.DataCompression {
	return p.codec
}

// NewContext returns a context for one stream. It must be closed.
func (p *Pool) NewContext() *Context {
	return &Context{
		pool:      p,
		totalSize: sizeUnknown,
		log:       p.log,
	}
}

func (p *Pool) rentEncoder() (*zstd.Encoder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.encoders); n > 0 {
		enc := p.encoders[n-1]
		p.encoders = p.encoders[:n-1]
		return enc, nil
	}
	p.encodersCreated++
	if p.encodersCreated > leakWarnCount {
		p.log.WithField("created", p.encodersCreated).Warn("zstd encoder pool keeps growing, there might be a leak")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	return enc, errors.Wrap(err, "creating zstd encoder")
}

func (p *Pool) returnEncoder(enc *zstd.Encoder) {
	enc.Reset(nil)
	p.mu.Lock()
	p.encoders = append(p.encoders, enc)
	p.mu.Unlock()
}

func (p *Pool) rentDecoder() (*zstd.Decoder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.decoders); n > 0 {
		dec := p.decoders[n-1]
		p.decoders = p.decoders[:n-1]
		return dec, nil
	}
	p.decodersCreated++
	if p.decodersCreated > leakWarnCount {
		p.log.WithField("created", p.decodersCreated).Warn("zstd decoder pool keeps growing, there might be a leak")
	}
	// concurrency 1 decodes synchronously and never reads past the block
	// needed for the requested output, which chunked decompression relies on
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec, errors.Wrap(err, "creating zstd decoder")
}

func (p *Pool) returnDecoder(dec *zstd.Decoder) {
	_ = dec.Reset(nil)
	p.mu.Lock()
	p.decoders = append(p.decoders, dec)
	p.mu.Unlock()
}

// idle reports the number of pooled encoders and decoders.
func (p *Pool) idle() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.encoders), len(p.decoders)
}
