package delivery

import (
	"context"
	"log/slog"

	"quantrelay/internal/domain"
	"quantrelay/internal/signaling"
)

// IdentityStore resolves credentials and public keys
type IdentityStore interface {
	Authenticate(ctx context.Context, credential string) (string, error)
	Identity(ctx context.Context, identityID string) (*domain.Identity, error)
}

// MembershipIndex answers channel membership questions. Answers may lag
// behind writers; the hub tolerates that.
type MembershipIndex interface {
	IsMember(channelID, identityID string) bool
	Members(channelID string) ([]string, bool)
	ChannelsOf(identityID string) []string
}

// MessageStore persists messages and per-recipient delivery state.
// AdvanceDelivery must be a compare-and-set that never moves state backwards.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *domain.Message, recipients []string) error
	Message(ctx context.Context, id string) (*domain.Message, error)
	AdvanceDelivery(ctx context.Context, messageID, recipientID string, state domain.DeliveryState) (bool, error)
	Pending(ctx context.Context, recipientID string, limit int) ([]*domain.Message, error)
}

// Event is a domain event for a notification layer
type Event struct {
	Type    string            `json:"type"`
	At      int64             `json:"at"`
	Message *domain.Message   `json:"message,omitempty"`
	Receipt *ReceiptEvent     `json:"receipt,omitempty"`
	Signal  *signaling.Signal `json:"signal,omitempty"`
}

// EventSink receives domain events. Emit runs on the hub's reactor and must
// not block.
type EventSink interface {
	Emit(Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// LogSink writes events to a logger at debug level
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ev Event) {
	attrs := []any{"type", ev.Type}
	switch {
	case ev.Message != nil:
		attrs = append(attrs, "message", ev.Message.ID, "channel", ev.Message.ChannelID)
	case ev.Receipt != nil:
		attrs = append(attrs, "message", ev.Receipt.MessageID, "state", ev.Receipt.State.String())
	case ev.Signal != nil:
		attrs = append(attrs, "call", ev.Signal.CallID, "signal", string(ev.Signal.Type))
	}
	s.Logger.Debug("domain event", attrs...)
}

// ChanSink forwards events to a buffered channel and drops them when it is full
type ChanSink chan Event

func (c ChanSink) Emit(ev Event) {
	select {
	case c <- ev:
	default:
	}
}
