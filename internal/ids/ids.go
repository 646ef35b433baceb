package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
)

const (
	// CallIDPrefix marks call identifiers
	CallIDPrefix = "call_"

	// DirectChannelPrefix marks channels derived from a pair of identities
	DirectChannelPrefix = "dm_"

	// random bytes behind a call id (128 bits)
	callIDEntropy = 16
)

// NewCallID creates a cryptographically random call id
func NewCallID() (string, error) {
	randomBytes := make([]byte, callIDEntropy)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	// Base58 (Bitcoin-style alphabet) keeps ids copy-paste friendly
	return CallIDPrefix + base58.Encode(randomBytes), nil
}

// ValidateCallID checks that id looks like something NewCallID produced
func ValidateCallID(id string) bool {
	if !strings.HasPrefix(id, CallIDPrefix) {
		return false
	}
	decoded := base58.Decode(id[len(CallIDPrefix):])
	return len(decoded) == callIDEntropy
}

// NewMessageID returns a durable message id
func NewMessageID() string {
	return uuid.NewString()
}

// NewConnID identifies one transport connection
func NewConnID() string {
	return uuid.NewString()
}

// DirectChannelID derives the id of the direct channel between two
// identities. The order of a and b does not matter.
func DirectChannelID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	hash := sha256.Sum256([]byte(pair[0] + "\x00" + pair[1]))
	return DirectChannelPrefix + hex.EncodeToString(hash[:12])
}

// DiscoveryHash creates a short hash for mDNS service names
func DiscoveryHash(name string) string {
	hash := sha256.Sum256([]byte(name))

	// first 8 bytes keep service names short
	return hex.EncodeToString(hash[:8])
}

// Short returns a shortened version of an id for display
func Short(id string) string {
	if len(id) > 16 {
		return id[:8] + "..." + id[len(id)-8:]
	}
	return id
}
