package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultChannelCacheSize bounds the number of cached channel secrets
const DefaultChannelCacheSize = 1024

// HybridService composes a KEM with the stream cipher into envelopes.
// It is safe for concurrent use; every call is CPU bound and should be kept
// off any event loop.
type HybridService struct {
	kem    KEM
	rand   io.Reader
	now    func() time.Time
	logger *slog.Logger

	cacheSize int

	// channel secrets, keyed by channel id. Entries are wiped on eviction,
	// so every read and write goes through channelsMu.
	channels   *lru.Cache[string, *ChannelSecret]
	channelsMu sync.Mutex
}

// Option configures a HybridService.
type Option func(*HybridService)

// WithClock overrides the clock used for createdAt
func WithClock(now func() time.Time) Option {
	return func(s *HybridService) { s.now = now }
}

// WithChannelCacheSize bounds the LRU of channel secrets
func WithChannelCacheSize(n int) Option {
	return func(s *HybridService) { s.cacheSize = n }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *HybridService) { s.logger = l }
}

// NewHybridService creates a service that encapsulates with kemID.
func NewHybridService(kemID string, opts ...Option) (*HybridService, error) {
	k, err := KEMByID(kemID)
	if err != nil {
		return nil, err
	}
	s := &HybridService{
		kem:       k,
		rand:      rand.Reader,
		now:       time.Now,
		logger:    slog.Default(),
		cacheSize: DefaultChannelCacheSize,
	}
	for _, o := range opts {
		o(s)
	}
	s.channels, err = lru.NewWithEvict(s.cacheSize, func(channelID string, cs *ChannelSecret) {
		wipe(cs.Secret)
		s.logger.Debug("channel secret evicted", "channel_id", channelID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create channel cache: %w", err)
	}
	return s, nil
}

// KEM returns the scheme used for encapsulation
func (s *HybridService) KEM() KEM { return s.kem }

// AlgorithmID is the id stamped on envelopes this service produces
func (s *HybridService) AlgorithmID() string { return AlgorithmID(s.kem.ID()) }

// GenerateKeyPair creates a key pair for the service's KEM
func (s *HybridService) GenerateKeyPair() (*KeyPair, error) {
	return s.kem.GenerateKeyPair()
}

// EncryptMessage seals plaintext for the holder of recipientPublicKey, a key
// of the service's own KEM.
func (s *HybridService) EncryptMessage(plaintext string, recipientPublicKey []byte) (*Envelope, error) {
	return s.sealFor(s.kem, recipientPublicKey, []byte(plaintext), "")
}

// EncryptMessageFor seals plaintext for a recipient whose key belongs to kemID.
func (s *HybridService) EncryptMessageFor(kemID, plaintext string, recipientPublicKey []byte) (*Envelope, error) {
	k, err := KEMByID(kemID)
	if err != nil {
		return nil, &EncryptionFailure{Err: err}
	}
	return s.sealFor(k, recipientPublicKey, []byte(plaintext), "")
}

// DecryptMessage opens an envelope with ownPrivateKey. The KEM is taken
// from the envelope's algorithm id, so envelopes from older schemes still open.
func (s *HybridService) DecryptMessage(env *Envelope, ownPrivateKey []byte) (string, error) {
	payload, err := s.openFor(env, ownPrivateKey)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(payload) {
		return "", &DecryptionFailure{Err: ErrInvalidPlaintext}
	}
	return string(payload), nil
}

func (s *HybridService) sealFor(k KEM, recipientPublicKey, payload []byte, keyID string) (*Envelope, error) {
	ss, encapsulated, err := k.Encapsulate(recipientPublicKey)
	if err != nil {
		return nil, &EncryptionFailure{Err: err}
	}
	defer wipe(ss)

	encKey, macKey, err := deriveMessageKeys(ss)
	if err != nil {
		return nil, &EncryptionFailure{Err: err}
	}
	defer wipe(encKey)
	defer wipe(macKey)

	env := &Envelope{
		AlgorithmID:     AlgorithmID(k.ID()),
		EncapsulatedKey: encapsulated,
		KeyID:           keyID,
		RecipientKeyID:  KeyFingerprint(recipientPublicKey),
		CreatedAt:       s.now().UnixMilli(),
	}
	if err := sealInto(s.rand, env, encKey, macKey, payload); err != nil {
		return nil, &EncryptionFailure{Err: err}
	}
	return env, nil
}

func (s *HybridService) openFor(env *Envelope, ownPrivateKey []byte) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, &DecryptionFailure{Err: err}
	}
	if env.IsChannel() {
		return nil, &DecryptionFailure{Err: fmt.Errorf("%w: channel envelope needs the channel secret", ErrMalformedEnvelope)}
	}
	k, err := kemFromAlgorithm(env.AlgorithmID)
	if err != nil {
		return nil, &DecryptionFailure{Err: err}
	}

	ss, err := k.Decapsulate(env.EncapsulatedKey, ownPrivateKey)
	if err != nil {
		return nil, &DecryptionFailure{Err: err}
	}
	defer wipe(ss)

	encKey, macKey, err := deriveMessageKeys(ss)
	if err != nil {
		return nil, &DecryptionFailure{Err: err}
	}
	defer wipe(encKey)
	defer wipe(macKey)

	payload, err := openFrom(env, encKey, macKey)
	if err != nil {
		return nil, &DecryptionFailure{Err: err}
	}
	return payload, nil
}

// sealInto encrypts payload in nonce-prefixed mode and appends the tag
func sealInto(r io.Reader, env *Envelope, encKey, macKey, payload []byte) error {
	sealed, err := sealWithNonce(r, payload, encKey)
	if err != nil {
		return err
	}
	tag, err := computeTag(macKey, env, sealed)
	if err != nil {
		return err
	}
	env.Nonce = append([]byte(nil), sealed[:NonceSize]...)
	env.Ciphertext = append(sealed, tag...)
	return nil
}

// openFrom checks the tag before any keystream is applied
func openFrom(env *Envelope, encKey, macKey []byte) ([]byte, error) {
	split := len(env.Ciphertext) - TagSize
	sealed, tag := env.Ciphertext[:split], env.Ciphertext[split:]

	want, err := computeTag(macKey, env, sealed)
	if err != nil {
		return nil, err
	}
	if !tagsEqual(want, tag) {
		return nil, ErrCryptographicFailure
	}
	return OpenWithNonce(sealed, encKey)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
