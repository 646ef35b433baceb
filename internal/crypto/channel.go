package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"unicode/utf8"
)

// ChannelShare is the channel secret encapsulated for one member
type ChannelShare struct {
	RecipientKeyID string    `json:"recipientKeyId"`
	Envelope       *Envelope `json:"envelope"`
}

// ChannelSecret is one symmetric secret shared by every member of a channel.
// Shares is only populated on the side that generated the secret.
type ChannelSecret struct {
	ChannelID string
	Secret    []byte
	Shares    []ChannelShare
}

func (cs *ChannelSecret) clone() *ChannelSecret {
	out := &ChannelSecret{
		ChannelID: cs.ChannelID,
		Secret:    append([]byte(nil), cs.Secret...),
	}
	if len(cs.Shares) > 0 {
		out.Shares = append([]ChannelShare(nil), cs.Shares...)
	}
	return out
}

// ShareFor returns the share addressed to publicKey
func (cs *ChannelSecret) ShareFor(publicKey []byte) (ChannelShare, bool) {
	id := KeyFingerprint(publicKey)
	for _, sh := range cs.Shares {
		if sh.RecipientKeyID == id {
			return sh, true
		}
	}
	return ChannelShare{}, false
}

// ChannelID derives a deterministic channel id from member public keys:
// hex SHA-256 over the sorted, de-duplicated, length-prefixed keys.
// Key order does not matter.
func ChannelID(publicKeys [][]byte) (string, error) {
	keys := sortedUniqueKeys(publicKeys)
	if len(keys) == 0 {
		return "", ErrNoParticipants
	}
	h := sha256.New()
	var l [4]byte
	for _, k := range keys {
		binary.BigEndian.PutUint32(l[:], uint32(len(k)))
		h.Write(l[:])
		h.Write(k)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sortedUniqueKeys(publicKeys [][]byte) [][]byte {
	keys := make([][]byte, 0, len(publicKeys))
	for _, k := range publicKeys {
		if len(k) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	out := keys[:0]
	for i, k := range keys {
		if i > 0 && bytes.Equal(k, keys[i-1]) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// MemberKey is a channel member's public key and the KEM it belongs to
type MemberKey struct {
	KEM       string
	PublicKey []byte
}

// GenerateChannelSecret returns the secret for the channel made up of
// publicKeys, all of the service's own KEM. The first call draws a fresh
// secret and encapsulates it once per member; later calls with the same
// membership, in any order, hit the cache.
func (s *HybridService) GenerateChannelSecret(publicKeys [][]byte) (*ChannelSecret, error) {
	members := make([]MemberKey, 0, len(publicKeys))
	for _, pub := range publicKeys {
		members = append(members, MemberKey{KEM: s.kem.ID(), PublicKey: pub})
	}
	return s.GenerateChannelSecretFor(members)
}

// GenerateChannelSecretFor is GenerateChannelSecret for members whose keys
// may belong to different KEMs. Each share is encapsulated with its member's KEM.
func (s *HybridService) GenerateChannelSecretFor(members []MemberKey) (*ChannelSecret, error) {
	publicKeys := make([][]byte, 0, len(members))
	kemOf := make(map[string]KEM, len(members))
	for _, m := range members {
		k, err := KEMByID(m.KEM)
		if err != nil {
			return nil, &EncryptionFailure{Err: err}
		}
		publicKeys = append(publicKeys, m.PublicKey)
		kemOf[string(m.PublicKey)] = k
	}
	channelID, err := ChannelID(publicKeys)
	if err != nil {
		return nil, &EncryptionFailure{Err: err}
	}

	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()

	if cs, ok := s.channels.Get(channelID); ok {
		return cs.clone(), nil
	}

	secret := make([]byte, SharedSecretSize)
	if _, err := io.ReadFull(s.rand, secret); err != nil {
		return nil, &EncryptionFailure{Err: err}
	}

	keys := sortedUniqueKeys(publicKeys)
	shares := make([]ChannelShare, 0, len(keys))
	for _, pub := range keys {
		env, err := s.sealFor(kemOf[string(pub)], pub, secret, channelID)
		if err != nil {
			wipe(secret)
			return nil, err
		}
		shares = append(shares, ChannelShare{RecipientKeyID: env.RecipientKeyID, Envelope: env})
	}

	cs := &ChannelSecret{ChannelID: channelID, Secret: secret, Shares: shares}
	s.channels.Add(channelID, cs)
	s.logger.Debug("channel secret generated", "channel_id", channelID, "members", len(keys))
	return cs.clone(), nil
}

// OpenChannelShare decapsulates a share with ownPrivateKey and caches the
// channel secret it carries. It returns the channel id.
func (s *HybridService) OpenChannelShare(env *Envelope, ownPrivateKey []byte) (string, error) {
	if env != nil && env.KeyID == "" {
		return "", &DecryptionFailure{Err: fmt.Errorf("%w: share without channel id", ErrMalformedEnvelope)}
	}
	secret, err := s.openFor(env, ownPrivateKey)
	if err != nil {
		return "", err
	}
	if len(secret) != SharedSecretSize {
		wipe(secret)
		return "", &DecryptionFailure{Err: fmt.Errorf("%w: share holds %d bytes", ErrMalformedEnvelope, len(secret))}
	}

	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	if old, ok := s.channels.Peek(env.KeyID); ok && bytes.Equal(old.Secret, secret) {
		wipe(secret)
		return env.KeyID, nil
	}
	s.channels.Add(env.KeyID, &ChannelSecret{ChannelID: env.KeyID, Secret: secret})
	return env.KeyID, nil
}

// ChannelSecretFor returns a copy of the cached secret for channelID
func (s *HybridService) ChannelSecretFor(channelID string) (*ChannelSecret, bool) {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()

	cs, ok := s.channels.Get(channelID)
	if !ok {
		return nil, false
	}
	return cs.clone(), true
}

// Forget drops a cached channel secret, e.g. after a membership change
func (s *HybridService) Forget(channelID string) {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	s.channels.Remove(channelID)
}

// EncryptChannelMessage seals plaintext under the cached secret for channelID.
// No encapsulation happens per message.
func (s *HybridService) EncryptChannelMessage(channelID, plaintext string) (*Envelope, error) {
	cs, ok := s.ChannelSecretFor(channelID)
	if !ok {
		return nil, &EncryptionFailure{Err: fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)}
	}
	defer wipe(cs.Secret)

	macKey, err := deriveKey(cs.Secret, infoChannelMAC, KeySize)
	if err != nil {
		return nil, &EncryptionFailure{Err: err}
	}
	defer wipe(macKey)

	env := &Envelope{
		AlgorithmID: ChannelAlgorithmID,
		KeyID:       channelID,
		CreatedAt:   s.now().UnixMilli(),
	}
	if err := sealInto(s.rand, env, cs.Secret, macKey, []byte(plaintext)); err != nil {
		return nil, &EncryptionFailure{Err: err}
	}
	return env, nil
}

// DecryptChannelMessage opens an envelope produced by EncryptChannelMessage.
func (s *HybridService) DecryptChannelMessage(env *Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", &DecryptionFailure{Err: err}
	}
	if !env.IsChannel() {
		return "", &DecryptionFailure{Err: fmt.Errorf("%w: not a channel envelope", ErrMalformedEnvelope)}
	}
	cs, ok := s.ChannelSecretFor(env.KeyID)
	if !ok {
		return "", &DecryptionFailure{Err: fmt.Errorf("%w: %s", ErrUnknownChannel, env.KeyID)}
	}
	defer wipe(cs.Secret)

	macKey, err := deriveKey(cs.Secret, infoChannelMAC, KeySize)
	if err != nil {
		return "", &DecryptionFailure{Err: err}
	}
	defer wipe(macKey)

	payload, err := openFrom(env, cs.Secret, macKey)
	if err != nil {
		return "", &DecryptionFailure{Err: err}
	}
	if !utf8.Valid(payload) {
		return "", &DecryptionFailure{Err: ErrInvalidPlaintext}
	}
	return string(payload), nil
}
