package crypto

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKeyLength       = errors.New("invalid key length")
	ErrInvalidNonceLength     = errors.New("invalid nonce length")
	ErrInputTooShort          = errors.New("input too short")
	ErrKeystreamTooLong       = errors.New("keystream length out of range")
	ErrUnknownAlgorithm       = errors.New("unknown algorithm")
	ErrMalformedKey           = errors.New("malformed key")
	ErrMalformedEncapsulation = errors.New("malformed encapsulated key")
	ErrMalformedEnvelope      = errors.New("malformed envelope")
	ErrCryptographicFailure   = errors.New("cryptographic failure")
	ErrInvalidPlaintext       = errors.New("plaintext is not valid UTF-8")
	ErrNoParticipants         = errors.New("channel has no participants")
	ErrUnknownChannel         = errors.New("no secret cached for channel")
)

// EncryptionFailure wraps anything that stopped an envelope from being produced.
type EncryptionFailure struct {
	Err error
}

func (e *EncryptionFailure) Error() string { return fmt.Sprintf("encryption failed: %v", e.Err) }
func (e *EncryptionFailure) Unwrap() error { return e.Err }

// DecryptionFailure wraps anything that stopped an envelope from being opened.
// No plaintext is ever returned alongside it.
type DecryptionFailure struct {
	Err error
}

func (e *DecryptionFailure) Error() string { return fmt.Sprintf("decryption failed: %v", e.Err) }
func (e *DecryptionFailure) Unwrap() error { return e.Err }
