package servercon

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v3"
)

const (
	defaultBaseDelay = 1 * time.Second
	defaultMaxDelay  = 180 * time.Second
	defaultJitterMin = 2 * time.Second
	defaultJitterMax = 10 * time.Second
)

// BackoffConfig contains the reconnect delay parameters. The delay doubles
// after every disconnect and a random jitter is added to each one.
type BackoffConfig struct {
	Base      time.Duration // Default = 1 * time.Second
	Max       time.Duration // Default = 180 * time.Second
	JitterMin time.Duration // Default = 2 * time.Second
	JitterMax time.Duration // Default = 10 * time.Second
}

func (b BackoffConfig) defaultValues() BackoffConfig {
	if b.Base <= 0 {
		b.Base = defaultBaseDelay
	}
	if b.Max <= 0 {
		b.Max = defaultMaxDelay
	}
	if b.JitterMin <= 0 {
		b.JitterMin = defaultJitterMin
	}
	if b.JitterMax < b.JitterMin {
		b.JitterMax = b.JitterMin
	}
	return b
}

// Backoff computes reconnect delays. It is not safe for concurrent use.
type Backoff struct {
	exp     *backoff.ExponentialBackOff
	conf    BackoffConfig
	last    time.Duration
	penalty time.Duration
	jitter  func() time.Duration
}

// NewBackoff creates a Backoff at its base delay.
func NewBackoff(conf BackoffConfig) *Backoff {
	conf = conf.defaultValues()
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     conf.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         conf.Max,
		// never stop on elapsed time; exhaustion is decided by Exhausted
		MaxElapsedTime: 0,
		Clock:          backoff.SystemClock,
	}
	exp.Reset()
	b := &Backoff{exp: exp, conf: conf}
	b.jitter = b.randomJitter
	return b
}

func (b *Backoff) randomJitter() time.Duration {
	spread := int64(b.conf.JitterMax-b.conf.JitterMin) / int64(time.Second)
	// #nosec G404
	return b.conf.JitterMin + time.Duration(rand.Int63n(spread+1))*time.Second
}

// Next returns the delay before the next attempt and doubles the base for
// the one after. A pending penalty is added once.
func (b *Backoff) Next() time.Duration {
	b.last = b.exp.NextBackOff()
	d := b.last + b.penalty + b.jitter()
	b.penalty = 0
	return d
}

// Exhausted reports whether doubling the last delay would reach the maximum.
func (b *Backoff) Exhausted() bool {
	return float64(b.last) >= float64(b.conf.Max)/b.exp.Multiplier
}

// AddPenalty delays the next attempt by d, as the relay asked.
func (b *Backoff) AddPenalty(d time.Duration) {
	b.penalty += d
}

// Reset returns to the base delay, after a successful handshake.
func (b *Backoff) Reset() {
	b.last = 0
	b.exp.Reset()
}
