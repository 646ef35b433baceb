// Package domain holds the relay's shared value types: identities, channels,
// messages and their delivery state. No transport or storage logic lives here.
package domain

import (
	"errors"
	"fmt"

	"quantrelay/internal/crypto"
)

var (
	// ErrNotFound is returned by collaborators when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredential is returned when a bearer credential maps to no identity
	ErrInvalidCredential = errors.New("invalid credential")
)

// DeliveryState tracks a message per recipient. It only moves forward.
type DeliveryState int

const (
	StateSent DeliveryState = iota + 1
	StateDelivered
	StateRead
)

func (s DeliveryState) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(s))
	}
}

// ParseDeliveryState is the inverse of String
func ParseDeliveryState(s string) (DeliveryState, error) {
	switch s {
	case "sent":
		return StateSent, nil
	case "delivered":
		return StateDelivered, nil
	case "read":
		return StateRead, nil
	}
	return 0, fmt.Errorf("unknown delivery state %q", s)
}

func (s DeliveryState) MarshalText() ([]byte, error) {
	if s < StateSent || s > StateRead {
		return nil, fmt.Errorf("invalid delivery state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *DeliveryState) UnmarshalText(b []byte) error {
	v, err := ParseDeliveryState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Message is one published envelope and its lifecycle state.
type Message struct {
	ID            string           `json:"id"`
	ChannelID     string           `json:"channelId"`
	SenderID      string           `json:"senderId"`
	Envelope      *crypto.Envelope `json:"envelope"`
	Type          string           `json:"type"`
	CreatedAt     int64            `json:"createdAt"`
	DeliveryState DeliveryState    `json:"deliveryState"`
}

// ChannelKind separates one-to-one from group channels
type ChannelKind string

const (
	ChannelDirect ChannelKind = "direct"
	ChannelGroup  ChannelKind = "group"
)

// Channel is a conversation scope with a membership set
type Channel struct {
	ID      string      `json:"id"`
	Kind    ChannelKind `json:"kind"`
	Members []string    `json:"members"`
}

// Validate checks kind and membership shape
func (c Channel) Validate() error {
	if c.ID == "" {
		return errors.New("channel id is required")
	}
	switch c.Kind {
	case ChannelDirect:
		if len(c.Members) != 2 || c.Members[0] == c.Members[1] {
			return fmt.Errorf("direct channel %s needs exactly two distinct members", c.ID)
		}
	case ChannelGroup:
		if len(c.Members) == 0 {
			return fmt.Errorf("group channel %s has no members", c.ID)
		}
	default:
		return fmt.Errorf("channel %s has unknown kind %q", c.ID, c.Kind)
	}
	return nil
}

// Identity is a registered participant and its KEM public key
type Identity struct {
	ID        string `json:"id"`
	KEM       string `json:"kem"`
	PublicKey []byte `json:"publicKey"`
}
