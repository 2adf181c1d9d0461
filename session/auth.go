package session

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"

	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
)

// The relay proves it is genuine by decrypting a random challenge encrypted
// with its public key. This holds even if a rogue root certificate was
// installed on the device.

const (
	// ChallengeKeyVersion identifies ServerPublicKey to the relay.
	ChallengeKeyVersion = 1
	challengeLength     = 64
)

// ServerPublicKey is version 1 of the relay's public key.
const ServerPublicKey = `-----BEGIN RSA PUBLIC KEY-----
MIICCgKCAgEAwOjuEvc4bnY+MNkzG8ztlUhjPcRVSKGX53fuzmjshuwrhNu9KdNO
lvEH4ORZI6S3xnXRhzupWYD8M2CVzsNSKJulNPe5hgoxct2bynoEwzzEKXkuypuw
Vtr+/nETdD+quWdS4oEMvmLFI1+7+Qlq4lqddPgIjC5xAvwN3d1NYJMFY3M7jHaq
2JNK3g6YsEyUYlBFkvrgB8SXjQCrevriANP2UPzZl2uEJh/ibH85CAnfoPPCdGpp
kfY2KG/fzDVv7nE/7SYW/44RUv4BC6wyJY7PB+ZhTXAcVs67hq6l2/dHOUEek455
4vJf08sp85JhmeZgEg9COF5j7rAHnnOjENYVVW9FCQam6vscXETrVYX++6QMD/1G
PdFnZs4KoG2i0LqqC3RoS/Nt3d2CeIl6U+BCueY5icxy5EgsAF4H48yIN7jx1oUd
Jk2TJQsvTnMt7sdIL96v1U/fl7U7kcHxHKXn79Mhtf4yUKnApwEL8JRVmRSL8y8x
MEqQzTZsBYradQXjPL5QSNwgAGhVEYWgmUGmY8esUVF35/HuzgkJmZjgldU5WJGr
6pvONbuDIoAwz2EnyVS7r+IL6Eqy2xbA8h5YllJ/qcau5V4YGt2C4JDK4PuX4gTM
71iVsKozshWsXK8ctySQ0Jbc0O0zVlRTzCw0xH78lWaSHU7H2GitYF0CAwEAAQ==
-----END RSA PUBLIC KEY-----
`

// ParsePublicKey reads a PEM encoded PKCS #1 public key.
func ParsePublicKey(pemKey string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.Wrap(ErrBadPublicKey, "no pem block")
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(ErrBadPublicKey, err.Error())
	}
	return key, nil
}

// challenge is the plain text the relay must send back.
type challenge struct {
	plain string
}

func newChallenge() challenge {
	return challenge{plain: uniuri.NewLen(challengeLength)}
}

func (c challenge) encrypt(key *rsa.PublicKey) ([]byte, error) {
	out, err := rsa.EncryptPKCS1v15(rand.Reader, key, []byte(c.plain))
	return out, errors.Wrap(err, "encrypting rsa challenge")
}

func (c challenge) validate(response string) bool {
	if response == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(response), []byte(c.plain)) == 1
}
