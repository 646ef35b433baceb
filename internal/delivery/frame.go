package delivery

import (
	"encoding/json"

	"quantrelay/internal/crypto"
	"quantrelay/internal/domain"
	"quantrelay/internal/signaling"
)

// Client operations
const (
	OpAuthenticate = "authenticate"
	OpPublish      = "publish"
	OpReceipt      = "receipt"
	OpPresence     = "presence"
	OpKeyLookup    = "key.lookup"
	OpCallOffer    = "call.offer"
	OpCallAnswer   = "call.answer"
	OpCallICE      = "call.ice"
	OpCallEnd      = "call.end"
)

// Server frames. The message.* and call.* names double as domain event types.
const (
	EventAck            = "ack"
	EventError          = "error"
	EventMessageCreated = "message.created"
	EventMessageReceipt = "message.receipt"
	EventPresence       = "presence"
	EventCallSignal     = "call.signal"
)

// Frame is one JSON text frame in either direction. Requests carry an
// optional ID that the matching ack or error echoes back.
type Frame struct {
	Op    string          `json:"op"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the payload of an error frame
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

type AuthenticateRequest struct {
	Credential string `json:"credential"`
}

type AuthenticateResult struct {
	IdentityID string   `json:"identityId"`
	Channels   []string `json:"channels"`
	Replayed   int      `json:"replayed"`
}

type PublishRequest struct {
	ChannelID    string           `json:"channelId"`
	Envelope     *crypto.Envelope `json:"envelope"`
	Type         string           `json:"type"`
	ClientTempID string           `json:"clientTempId,omitempty"`
}

type PublishResult struct {
	MessageID    string `json:"messageId"`
	ClientTempID string `json:"clientTempId,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

type ReceiptRequest struct {
	MessageID string `json:"messageId"`
	Kind      string `json:"kind"`
}

type ReceiptResult struct {
	MessageID string               `json:"messageId"`
	State     domain.DeliveryState `json:"state"`
	Changed   bool                 `json:"changed"`
}

// ReceiptEvent tells a sender that one recipient moved a message forward
type ReceiptEvent struct {
	MessageID   string               `json:"messageId"`
	ChannelID   string               `json:"channelId"`
	RecipientID string               `json:"recipientId"`
	State       domain.DeliveryState `json:"state"`
	At          int64                `json:"at"`
}

type PresenceRequest struct {
	ChannelID string `json:"channelId"`
	IsTyping  bool   `json:"isTyping"`
}

// Presence statuses. Typing relays carry no status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type PresenceEvent struct {
	IdentityID string `json:"identityId"`
	ChannelID  string `json:"channelId,omitempty"`
	IsTyping   bool   `json:"isTyping"`
	Status     string `json:"status,omitempty"`
}

type KeyLookupRequest struct {
	IdentityID string `json:"identityId"`
}

type KeyLookupResult struct {
	IdentityID  string `json:"identityId"`
	KEM         string `json:"kem"`
	AlgorithmID string `json:"algorithmId"`
	PublicKey   []byte `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
}

type CallOfferRequest struct {
	TargetID string         `json:"targetId"`
	SDP      string         `json:"sdp"`
	Kind     signaling.Kind `json:"kind"`
}

type CallAnswerRequest struct {
	CallID string `json:"callId"`
	SDP    string `json:"sdp"`
}

type CallICERequest struct {
	CallID    string `json:"callId"`
	Candidate string `json:"candidate"`
}

type CallEndRequest struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

type CallResult struct {
	CallID string          `json:"callId"`
	State  signaling.State `json:"state"`
}
