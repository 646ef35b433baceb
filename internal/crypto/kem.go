package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/kem/xwing"
)

// KEM identifiers. They form the first half of an envelope's algorithm id.
const (
	KEMMLKEM768  = "ML-KEM-768"
	KEMKyber1024 = "Kyber1024"
	KEMXWing     = "X-Wing"

	// DefaultKEM is used when nothing else is configured
	DefaultKEM = KEMMLKEM768
)

// SharedSecretSize is the size of every shared secret produced by a KEM here
const SharedSecretSize = 32

// KeyPair is a KEM key pair in its marshalled form
type KeyPair struct {
	KEM        string `json:"kem"`
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
}

// KEM produces a shared secret plus an encapsulated value that only the
// holder of the matching private key can turn back into the same secret.
type KEM interface {
	// ID names the scheme, e.g. "ML-KEM-768"
	ID() string

	GenerateKeyPair() (*KeyPair, error)

	// Encapsulate returns a fresh 32-byte shared secret and its encapsulation
	// under recipientPublicKey.
	Encapsulate(recipientPublicKey []byte) (sharedSecret, encapsulated []byte, err error)

	// Decapsulate recovers the shared secret from encapsulated.
	Decapsulate(encapsulated, privateKey []byte) ([]byte, error)
}

// circlKEM adapts a circl kem.Scheme
type circlKEM struct {
	id     string
	scheme kem.Scheme
}

var kems = map[string]KEM{
	KEMMLKEM768:  &circlKEM{id: KEMMLKEM768, scheme: mlkem768.Scheme()},
	KEMKyber1024: &circlKEM{id: KEMKyber1024, scheme: kyber1024.Scheme()},
	KEMXWing:     &circlKEM{id: KEMXWing, scheme: xwing.Scheme()},
}

// KEMByID looks up a registered KEM.
func KEMByID(id string) (KEM, error) {
	k, ok := kems[id]
	if !ok {
		return nil, fmt.Errorf("%w: kem %q", ErrUnknownAlgorithm, id)
	}
	return k, nil
}

// KEMIDs lists the registered KEMs in a stable order.
func KEMIDs() []string {
	ids := make([]string, 0, len(kems))
	for id := range kems {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *circlKEM) ID() string { return c.id }

func (c *circlKEM) GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := c.scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key pair: %w", c.id, err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &KeyPair{KEM: c.id, PublicKey: pubBytes, PrivateKey: privBytes}, nil
}

func (c *circlKEM) Encapsulate(recipientPublicKey []byte) ([]byte, []byte, error) {
	if len(recipientPublicKey) != c.scheme.PublicKeySize() {
		return nil, nil, fmt.Errorf("%w: %s public key must be %d bytes, got %d",
			ErrMalformedKey, c.id, c.scheme.PublicKeySize(), len(recipientPublicKey))
	}
	pub, err := c.scheme.UnmarshalBinaryPublicKey(recipientPublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	ct, ss, err := c.scheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encapsulate: %w", err)
	}
	return ss, ct, nil
}

func (c *circlKEM) Decapsulate(encapsulated, privateKey []byte) ([]byte, error) {
	// validate sizes up front, circl panics on some malformed inputs
	if len(encapsulated) != c.scheme.CiphertextSize() {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrMalformedEncapsulation, c.scheme.CiphertextSize(), len(encapsulated))
	}
	if len(privateKey) != c.scheme.PrivateKeySize() {
		return nil, fmt.Errorf("%w: %s private key must be %d bytes, got %d",
			ErrMalformedKey, c.id, c.scheme.PrivateKeySize(), len(privateKey))
	}
	priv, err := c.scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	ss, err := c.scheme.Decapsulate(priv, encapsulated)
	if err != nil {
		return nil, fmt.Errorf("failed to decapsulate: %w", err)
	}
	return ss, nil
}

// KeyFingerprint returns a short, stable identifier for a public key:
// the first 16 bytes of its SHA-256 as hex.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}
