package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

const (
	// TagSize is the length of the authentication tag appended to every ciphertext
	TagSize = 32

	// Overhead is what sealing adds on top of the plaintext length
	Overhead = NonceSize + TagSize

	infoMessageKeys = "quantrelay/v1 message keys"
	infoChannelMAC  = "quantrelay/v1 channel mac"
)

// derive key material from a shared secret using HKDF
func deriveKey(sharedSecret []byte, info string, length int) ([]byte, error) {
	// fixed, domain separated salt
	salt := sha256.Sum256([]byte("quantrelay/v1 salt|" + info))

	r := hkdf.New(sha256.New, sharedSecret, salt[:], []byte(info))
	key := make([]byte, length)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// deriveMessageKeys splits one HKDF output into a cipher key and a MAC key
func deriveMessageKeys(sharedSecret []byte) (encKey, macKey []byte, err error) {
	okm, err := deriveKey(sharedSecret, infoMessageKeys, 2*KeySize)
	if err != nil {
		return nil, nil, err
	}
	return okm[:KeySize], okm[KeySize:], nil
}

// computeTag is keyed BLAKE2b-256 over the header fields and the
// nonce-prefixed ciphertext. Every variable-length field is length-prefixed.
func computeTag(macKey []byte, env *Envelope, sealed []byte) ([]byte, error) {
	mac, err := blake2b.New256(macKey)
	if err != nil {
		return nil, err
	}
	writeField(mac, []byte(env.AlgorithmID))
	writeField(mac, env.EncapsulatedKey)
	writeField(mac, []byte(env.KeyID))
	writeField(mac, []byte(env.RecipientKeyID))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(env.CreatedAt))
	mac.Write(ts[:])
	writeField(mac, sealed)
	return mac.Sum(nil), nil
}

func writeField(h hash.Hash, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	h.Write(l[:])
	h.Write(b)
}

func tagsEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
