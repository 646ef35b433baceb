package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// symmetric half of every algorithm id
const symmetricSuite = "ChaCha20"

// ChannelAlgorithmID tags envelopes sealed under a cached channel secret
const ChannelAlgorithmID = "Channel+" + symmetricSuite

// AlgorithmID combines a KEM id with the symmetric suite, e.g. "ML-KEM-768+ChaCha20".
func AlgorithmID(kemID string) string {
	return kemID + "+" + symmetricSuite
}

// kemFromAlgorithm splits an algorithm id back into its KEM
func kemFromAlgorithm(algorithmID string) (KEM, error) {
	kemID, suite, ok := strings.Cut(algorithmID, "+")
	if !ok || suite != symmetricSuite {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithmID)
	}
	return KEMByID(kemID)
}

// Envelope is the self-describing ciphertext package exchanged between parties.
//
// Ciphertext is nonce || stream ciphertext || tag. Nonce repeats the prefix for
// consumers that index by it. AlgorithmID decides which other fields must be set:
// KEM envelopes carry EncapsulatedKey, channel envelopes carry KeyID.
type Envelope struct {
	AlgorithmID     string `json:"algorithmId"`
	EncapsulatedKey []byte `json:"encapsulatedKey,omitempty"`
	KeyID           string `json:"keyId,omitempty"`
	RecipientKeyID  string `json:"recipientKeyId,omitempty"`
	Nonce           []byte `json:"nonce,omitempty"`
	Ciphertext      []byte `json:"ciphertext"`
	CreatedAt       int64  `json:"createdAt"`
}

// IsChannel reports whether the envelope is sealed under a channel secret
func (e *Envelope) IsChannel() bool {
	return e.AlgorithmID == ChannelAlgorithmID
}

// Validate checks the envelope's shape without touching any key material.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
	}
	if e.AlgorithmID == "" {
		return fmt.Errorf("%w: missing algorithmId", ErrMalformedEnvelope)
	}
	if len(e.Ciphertext) < Overhead {
		return fmt.Errorf("%w: ciphertext shorter than %d bytes", ErrMalformedEnvelope, Overhead)
	}
	if len(e.Nonce) > 0 && !bytes.Equal(e.Nonce, e.Ciphertext[:NonceSize]) {
		return fmt.Errorf("%w: nonce does not match ciphertext prefix", ErrMalformedEnvelope)
	}
	if e.CreatedAt <= 0 {
		return fmt.Errorf("%w: missing createdAt", ErrMalformedEnvelope)
	}

	if e.IsChannel() {
		if e.KeyID == "" {
			return fmt.Errorf("%w: channel envelope without keyId", ErrMalformedEnvelope)
		}
		if len(e.EncapsulatedKey) > 0 {
			return fmt.Errorf("%w: channel envelope carries an encapsulated key", ErrMalformedEnvelope)
		}
		return nil
	}

	if _, err := kemFromAlgorithm(e.AlgorithmID); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(e.EncapsulatedKey) == 0 {
		return fmt.Errorf("%w: missing encapsulatedKey", ErrMalformedEnvelope)
	}
	return nil
}

// PlaintextLength is the length of the plaintext sealed in the envelope
func (e *Envelope) PlaintextLength() int {
	if len(e.Ciphertext) < Overhead {
		return 0
	}
	return len(e.Ciphertext) - Overhead
}

// MarshalEnvelope converts an Envelope to its JSON wire form
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope parses and validates an Envelope
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
