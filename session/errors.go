package session

import (
	"fmt"
)

var (
	// ErrChallengeMismatch is returned when the relay does not prove it holds
	// the server key. The connection must not be used.
	ErrChallengeMismatch = fmt.Errorf("session: relay failed the rsa challenge")

	// ErrInvalidStreamID is returned for a web stream message with stream id 0.
	ErrInvalidStreamID = fmt.Errorf("session: invalid stream id 0")

	// ErrBadPublicKey is returned when the server public key cannot be parsed.
	ErrBadPublicKey = fmt.Errorf("session: bad server public key")
)
