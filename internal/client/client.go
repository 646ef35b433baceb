// Package client talks to a relay over websocket. Encryption and decryption
// happen here, on the caller's goroutine; the relay only ever sees envelopes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"quantrelay/internal/crypto"
	"quantrelay/internal/delivery"
	"quantrelay/internal/domain"
	"quantrelay/internal/logger"
	"quantrelay/internal/signaling"
)

// Message types the client understands
const (
	TypeText       = "text"
	TypeChannelKey = "channel.key"
)

const (
	defaultEventBuffer = 256
	defaultReadLimit   = 1 << 20
	defaultKeyCacheTTL = 5 * time.Minute
)

// ErrShareNotForUs is returned when a channel key message addresses
// another member's key
var ErrShareNotForUs = errors.New("channel key share is addressed to another key")

// Client is one authenticated (or about to be) relay connection
type Client struct {
	ws   *websocket.Conn
	svc  *crypto.HybridService
	keys *crypto.KeyPair
	log  *slog.Logger

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[string]chan delivery.Frame
	lookups map[string]cachedKey

	events      chan delivery.Frame
	eventBuffer int
	cryptoOpts  []crypto.Option
	keyTTL      time.Duration
	now         func() time.Time
	done        chan struct{}
	err         error
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client's logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithEventBuffer sets how many unread events are kept before new ones are dropped
func WithEventBuffer(n int) Option {
	return func(c *Client) { c.eventBuffer = n }
}

// WithKeyCacheTTL sets how long looked-up public keys are reused before the
// relay is asked again. Zero disables the cache.
func WithKeyCacheTTL(d time.Duration) Option {
	return func(c *Client) { c.keyTTL = d }
}

// WithCrypto passes options to the client's HybridService
func WithCrypto(opts ...crypto.Option) Option {
	return func(c *Client) { c.cryptoOpts = append(c.cryptoOpts, opts...) }
}

// Dial connects to a relay. keys is the identity's key pair; the private
// key stays in this process.
func Dial(ctx context.Context, url string, keys *crypto.KeyPair, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("client: key pair is required")
	}
	c := &Client{
		keys:        keys,
		log:         logger.Component("client"),
		pending:     make(map[string]chan delivery.Frame),
		lookups:     make(map[string]cachedKey),
		keyTTL:      defaultKeyCacheTTL,
		now:         time.Now,
		eventBuffer: defaultEventBuffer,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	svc, err := crypto.NewHybridService(keys.KEM, c.cryptoOpts...)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	c.svc = svc
	c.events = make(chan delivery.Frame, c.eventBuffer)

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	ws.SetReadLimit(defaultReadLimit)
	c.ws = ws

	go c.readLoop()
	return c, nil
}

// Events delivers every server frame that is not a reply to a request
func (c *Client) Events() <-chan delivery.Frame { return c.events }

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, once Done is closed
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the connection
func (c *Client) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// Crypto exposes the client's hybrid service, e.g. to inspect channel secrets
func (c *Client) Crypto() *crypto.HybridService { return c.svc }

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		var f delivery.Frame
		if err := wsjson.Read(context.Background(), c.ws, &f); err != nil {
			c.err = err
			return
		}
		if f.ID != "" && (f.Op == delivery.EventAck || f.Op == delivery.EventError) {
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
				continue
			}
		}
		select {
		case c.events <- f:
		default:
			c.log.Warn("event buffer full, dropping frame", "op", f.Op)
		}
	}
}

// call sends a request and waits for its ack or error
func (c *Client) call(ctx context.Context, op string, payload, result any) error {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan delivery.Frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, op, id, payload); err != nil {
		return err
	}
	select {
	case f := <-ch:
		if f.Op == delivery.EventError {
			if f.Error == nil {
				return &delivery.ProtocolError{Code: delivery.CodeInternal, Message: "error frame without body"}
			}
			return &delivery.ProtocolError{Code: f.Error.Code, Message: f.Error.Message}
		}
		if result != nil {
			if err := json.Unmarshal(f.Data, result); err != nil {
				return fmt.Errorf("client: decode %s reply: %w", op, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("client: connection closed: %w", c.err)
	}
}

// write sends a frame without waiting for a reply
func (c *Client) write(ctx context.Context, op, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", op, err)
	}
	if err := wsjson.Write(ctx, c.ws, delivery.Frame{Op: op, ID: id, Data: data}); err != nil {
		return fmt.Errorf("client: write %s: %w", op, err)
	}
	return nil
}

// Authenticate binds the connection to the identity behind credential
func (c *Client) Authenticate(ctx context.Context, credential string) (*delivery.AuthenticateResult, error) {
	var res delivery.AuthenticateResult
	if err := c.call(ctx, delivery.OpAuthenticate, delivery.AuthenticateRequest{Credential: credential}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type cachedKey struct {
	res     *delivery.KeyLookupResult
	fetched time.Time
}

// LookupKey fetches an identity's public key. Results are reused for the
// key cache TTL, so a rotated key is picked up once the entry expires or is
// dropped with ForgetKey.
func (c *Client) LookupKey(ctx context.Context, identityID string) (*delivery.KeyLookupResult, error) {
	c.mu.Lock()
	cached, ok := c.lookups[identityID]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.fetched) < c.keyTTL {
		return cached.res, nil
	}

	var res delivery.KeyLookupResult
	if err := c.call(ctx, delivery.OpKeyLookup, delivery.KeyLookupRequest{IdentityID: identityID}, &res); err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			c.ForgetKey(identityID)
		}
		return nil, err
	}
	if res.Fingerprint != crypto.KeyFingerprint(res.PublicKey) {
		return nil, fmt.Errorf("client: fingerprint mismatch for %s", identityID)
	}
	if c.keyTTL > 0 {
		c.mu.Lock()
		if ok && cached.res.Fingerprint != res.Fingerprint {
			c.log.Info("public key rotated", "identity_id", identityID, "fingerprint", res.Fingerprint)
		}
		c.lookups[identityID] = cachedKey{res: &res, fetched: c.now()}
		c.mu.Unlock()
	}
	return &res, nil
}

// ForgetKey drops a cached public key so the next send looks it up again
func (c *Client) ForgetKey(identityID string) {
	c.mu.Lock()
	delete(c.lookups, identityID)
	c.mu.Unlock()
}

// Publish sends an already sealed envelope to a channel
func (c *Client) Publish(ctx context.Context, channelID string, env *crypto.Envelope, typ, clientTempID string) (*delivery.PublishResult, error) {
	var res delivery.PublishResult
	req := delivery.PublishRequest{ChannelID: channelID, Envelope: env, Type: typ, ClientTempID: clientTempID}
	if err := c.call(ctx, delivery.OpPublish, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SendText encrypts text for recipientID and publishes it to channelID.
// Nothing is sent if encryption fails.
func (c *Client) SendText(ctx context.Context, channelID, recipientID, text, clientTempID string) (*delivery.PublishResult, error) {
	key, err := c.LookupKey(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	env, err := c.svc.EncryptMessageFor(key.KEM, text, key.PublicKey)
	if err != nil {
		c.ForgetKey(recipientID)
		return nil, err
	}
	return c.Publish(ctx, channelID, env, TypeText, clientTempID)
}

// ShareChannelKey creates (or reuses) the secret for members, publishes one
// key share per member to channelID and returns the secret's id.
func (c *Client) ShareChannelKey(ctx context.Context, channelID string, members []string) (string, error) {
	keys := make([]crypto.MemberKey, 0, len(members))
	for _, m := range members {
		key, err := c.LookupKey(ctx, m)
		if err != nil {
			return "", err
		}
		keys = append(keys, crypto.MemberKey{KEM: key.KEM, PublicKey: key.PublicKey})
	}
	cs, err := c.svc.GenerateChannelSecretFor(keys)
	if err != nil {
		return "", err
	}
	for _, share := range cs.Shares {
		if share.RecipientKeyID == crypto.KeyFingerprint(c.keys.PublicKey) {
			continue
		}
		if _, err := c.Publish(ctx, channelID, share.Envelope, TypeChannelKey, ""); err != nil {
			return "", fmt.Errorf("client: publish key share: %w", err)
		}
	}
	return cs.ChannelID, nil
}

// SendChannelText encrypts text under a shared channel secret and publishes it
func (c *Client) SendChannelText(ctx context.Context, channelID, secretID, text, clientTempID string) (*delivery.PublishResult, error) {
	env, err := c.svc.EncryptChannelMessage(secretID, text)
	if err != nil {
		return nil, err
	}
	return c.Publish(ctx, channelID, env, TypeText, clientTempID)
}

// ImportChannelKey opens a channel key share addressed to this client and
// returns the secret's id
func (c *Client) ImportChannelKey(msg *domain.Message) (string, error) {
	if msg.Type != TypeChannelKey {
		return "", fmt.Errorf("client: message %s is %q, not a channel key", msg.ID, msg.Type)
	}
	if msg.Envelope.RecipientKeyID != crypto.KeyFingerprint(c.keys.PublicKey) {
		return "", ErrShareNotForUs
	}
	return c.svc.OpenChannelShare(msg.Envelope, c.keys.PrivateKey)
}

// Open decrypts a text message, with the channel secret or the private key
// depending on the envelope
func (c *Client) Open(msg *domain.Message) (string, error) {
	if msg.Envelope.IsChannel() {
		return c.svc.DecryptChannelMessage(msg.Envelope)
	}
	return c.svc.DecryptMessage(msg.Envelope, c.keys.PrivateKey)
}

// Receipt acknowledges a message as delivered or read
func (c *Client) Receipt(ctx context.Context, messageID string, state domain.DeliveryState) (*delivery.ReceiptResult, error) {
	var res delivery.ReceiptResult
	if err := c.call(ctx, delivery.OpReceipt, delivery.ReceiptRequest{MessageID: messageID, Kind: state.String()}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Typing relays a typing indicator. Failures arrive as error events.
func (c *Client) Typing(ctx context.Context, channelID string, isTyping bool) error {
	return c.write(ctx, delivery.OpPresence, "", delivery.PresenceRequest{ChannelID: channelID, IsTyping: isTyping})
}

// Offer rings targetID
func (c *Client) Offer(ctx context.Context, targetID, sdp string, kind signaling.Kind) (*delivery.CallResult, error) {
	var res delivery.CallResult
	if err := c.call(ctx, delivery.OpCallOffer, delivery.CallOfferRequest{TargetID: targetID, SDP: sdp, Kind: kind}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Answer accepts a ringing call
func (c *Client) Answer(ctx context.Context, callID, sdp string) (*delivery.CallResult, error) {
	var res delivery.CallResult
	if err := c.call(ctx, delivery.OpCallAnswer, delivery.CallAnswerRequest{CallID: callID, SDP: sdp}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ICE relays a candidate to the other party
func (c *Client) ICE(ctx context.Context, callID, candidate string) error {
	return c.write(ctx, delivery.OpCallICE, "", delivery.CallICERequest{CallID: callID, Candidate: candidate})
}

// Hangup ends a call
func (c *Client) Hangup(ctx context.Context, callID, reason string) (*delivery.CallResult, error) {
	var res delivery.CallResult
	if err := c.call(ctx, delivery.OpCallEnd, delivery.CallEndRequest{CallID: callID, Reason: reason}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DecodeMessage extracts the message from a message.created event
func DecodeMessage(f delivery.Frame) (*domain.Message, error) {
	if f.Op != delivery.EventMessageCreated {
		return nil, fmt.Errorf("client: %s is not a message event", f.Op)
	}
	var msg domain.Message
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		return nil, fmt.Errorf("client: decode message: %w", err)
	}
	if msg.Envelope == nil {
		return nil, fmt.Errorf("client: message %s has no envelope", msg.ID)
	}
	return &msg, nil
}
