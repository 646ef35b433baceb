package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
)

const (
	// KeySize is the stream cipher key length in bytes
	KeySize = 32

	// NonceSize is the stream cipher nonce length in bytes
	NonceSize = 12

	blockSize = 64

	// a 32-bit block counter caps a single keystream at 256 GiB
	maxKeystreamLength = (1 << 32) * blockSize
)

// "expand 32-byte k"
var sigma = [4]uint32{0x61707865, 0x3320646e, 0x79622d32, 0x6b206574}

// GenerateKeystream returns length bytes of keystream for key and nonce.
// The same inputs always produce the same output.
func GenerateKeystream(key, nonce []byte, length int) ([]byte, error) {
	if err := checkKeyNonce(key, nonce); err != nil {
		return nil, err
	}
	if length < 0 || uint64(length) > maxKeystreamLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeystreamTooLong, length)
	}

	var k [8]uint32
	for i := range k {
		k[i] = binary.LittleEndian.Uint32(key[4*i:])
	}
	var n [3]uint32
	for i := range n {
		n[i] = binary.LittleEndian.Uint32(nonce[4*i:])
	}

	out := make([]byte, length)
	var blk [blockSize]byte
	var counter uint32
	for off := 0; off < length; off += blockSize {
		keystreamBlock(&blk, &k, counter, &n)
		copy(out[off:], blk[:])
		counter++
	}
	return out, nil
}

// Encrypt XORs plaintext against the keystream. The result has the same length.
func Encrypt(plaintext, key, nonce []byte) ([]byte, error) {
	ks, err := GenerateKeystream(key, nonce, len(plaintext))
	if err != nil {
		return nil, err
	}
	for i := range ks {
		ks[i] ^= plaintext[i]
	}
	return ks, nil
}

// Decrypt is the same operation as Encrypt.
func Decrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	return Encrypt(ciphertext, key, nonce)
}

// SealWithNonce encrypts plaintext under a fresh random nonce and returns
// nonce || ciphertext so the receiver can recover the nonce from one buffer.
func SealWithNonce(plaintext, key []byte) ([]byte, error) {
	return sealWithNonce(rand.Reader, plaintext, key)
}

func sealWithNonce(r io.Reader, plaintext, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(key))
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, fmt.Errorf("failed to draw nonce: %w", err)
	}
	ct, err := Encrypt(plaintext, key, nonce)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

// OpenWithNonce reverses SealWithNonce.
func OpenWithNonce(buf, key []byte) ([]byte, error) {
	if len(buf) < NonceSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInputTooShort, len(buf))
	}
	return Decrypt(buf[NonceSize:], key, buf[:NonceSize])
}

// GenerateKey draws a random stream cipher key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func checkKeyNonce(key, nonce []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(key))
	}
	if len(nonce) != NonceSize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidNonceLength, len(nonce))
	}
	return nil
}

// keystreamBlock runs 10 double rounds over the seeded state, adds the
// initial state back in and writes each word big-endian.
func keystreamBlock(out *[blockSize]byte, key *[8]uint32, counter uint32, nonce *[3]uint32) {
	s := [16]uint32{
		sigma[0], sigma[1], sigma[2], sigma[3],
		key[0], key[1], key[2], key[3],
		key[4], key[5], key[6], key[7],
		counter, nonce[0], nonce[1], nonce[2],
	}
	x := s

	for i := 0; i < 10; i++ {
		// columns
		x[0], x[4], x[8], x[12] = quarterRound(x[0], x[4], x[8], x[12])
		x[1], x[5], x[9], x[13] = quarterRound(x[1], x[5], x[9], x[13])
		x[2], x[6], x[10], x[14] = quarterRound(x[2], x[6], x[10], x[14])
		x[3], x[7], x[11], x[15] = quarterRound(x[3], x[7], x[11], x[15])

		// diagonals
		x[0], x[5], x[10], x[15] = quarterRound(x[0], x[5], x[10], x[15])
		x[1], x[6], x[11], x[12] = quarterRound(x[1], x[6], x[11], x[12])
		x[2], x[7], x[8], x[13] = quarterRound(x[2], x[7], x[8], x[13])
		x[3], x[4], x[9], x[14] = quarterRound(x[3], x[4], x[9], x[14])
	}

	for i := range x {
		binary.BigEndian.PutUint32(out[4*i:], x[i]+s[i])
	}
}

func quarterRound(a, b, c, d uint32) (uint32, uint32, uint32, uint32) {
	a += b
	d ^= a
	d = bits.RotateLeft32(d, 16)
	c += d
	b ^= c
	b = bits.RotateLeft32(b, 12)
	a += b
	d ^= a
	d = bits.RotateLeft32(d, 8)
	c += d
	b ^= c
	b = bits.RotateLeft32(b, 7)
	return a, b, c, d
}
