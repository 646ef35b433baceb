// Package delivery implements the relay's real-time protocol: authentication,
// publish and fan-out, delivery receipts, presence and call signaling.
//
// All protocol state lives on one reactor goroutine (Hub.Run). Connection
// goroutines only decode frames, post them to the reactor and drain their
// outbound queue, so no handler ever races another.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"quantrelay/internal/config"
	"quantrelay/internal/crypto"
	"quantrelay/internal/domain"
	"quantrelay/internal/ids"
	"quantrelay/internal/logger"
	"quantrelay/internal/signaling"
)

// ErrHubClosed is returned once the reactor has stopped
var ErrHubClosed = errors.New("delivery hub closed")

// Transport is one bidirectional frame stream. Read returns io.EOF when the
// peer closes cleanly. Write and Close may be called concurrently with Read.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Options tunes the hub
type Options struct {
	PresenceGrace    time.Duration
	OutboundQueue    int
	ReplayLimit      int
	RingTimeout      time.Duration
	EndedCallHistory int
	AuthTimeout      time.Duration
	WriteTimeout     time.Duration
}

// OptionsFromConfig picks the hub settings out of the relay configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PresenceGrace:    cfg.Delivery.PresenceGrace,
		OutboundQueue:    cfg.Delivery.OutboundQueue,
		ReplayLimit:      cfg.Delivery.ReplayLimit,
		RingTimeout:      cfg.Delivery.RingTimeout,
		EndedCallHistory: cfg.Delivery.EndedCallHistory,
		AuthTimeout:      cfg.Server.AuthTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
	}
}

// Deps are the hub's collaborators. Events, Logger and Clock are optional.
type Deps struct {
	Identities IdentityStore
	Members    MembershipIndex
	Messages   MessageStore
	Events     EventSink
	Logger     *slog.Logger
	Clock      func() time.Time
}

type handler func(c *conn, f Frame) (any, error)

// Hub is the delivery reactor
type Hub struct {
	opts       Options
	identities IdentityStore
	members    MembershipIndex
	messages   MessageStore
	events     EventSink
	log        *slog.Logger
	now        func() time.Time

	inbox chan func()
	done  chan struct{}

	// everything below is owned by the reactor goroutine
	ctx      context.Context
	conns    map[string]*conn
	online   map[string]map[string]*conn
	grace    map[string]*pendingTimer
	ringing  map[string]*pendingTimer
	calls    *signaling.Machine
	handlers map[string]handler
}

// pendingTimer identifies one armed timer; a fired timer whose entry has
// been replaced or removed is ignored.
type pendingTimer struct {
	t *time.Timer
}

type connState int

const (
	stateConnected connState = iota
	stateAuthenticating
	stateAuthenticated
	stateDisconnected
)

type conn struct {
	id        string
	t         Transport
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	// owned by the reactor
	state    connState
	identity string
	channels []string
}

// shutdown closes the transport once; safe from any goroutine
func (c *conn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		go c.t.Close(reason)
	})
}

// NewHub creates a hub. Call Run to start the reactor.
func NewHub(opts Options, deps Deps) (*Hub, error) {
	if deps.Identities == nil || deps.Members == nil || deps.Messages == nil {
		return nil, errors.New("delivery: identities, members and messages are required")
	}
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = 256
	}
	if opts.EndedCallHistory <= 0 {
		opts.EndedCallHistory = 4096
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	h := &Hub{
		opts:       opts,
		identities: deps.Identities,
		members:    deps.Members,
		messages:   deps.Messages,
		events:     deps.Events,
		log:        deps.Logger,
		now:        deps.Clock,
		inbox:      make(chan func(), 1024),
		done:       make(chan struct{}),
		ctx:        context.Background(),
		conns:      make(map[string]*conn),
		online:     make(map[string]map[string]*conn),
		grace:      make(map[string]*pendingTimer),
		ringing:    make(map[string]*pendingTimer),
	}
	if h.events == nil {
		h.events = nopSink{}
	}
	if h.log == nil {
		h.log = logger.Component("delivery")
	}
	if h.now == nil {
		h.now = time.Now
	}

	calls, err := signaling.New(opts.EndedCallHistory, signaling.WithClock(h.now))
	if err != nil {
		return nil, fmt.Errorf("delivery: %w", err)
	}
	h.calls = calls

	h.handlers = map[string]handler{
		OpAuthenticate: h.handleAuthenticate,
		OpPublish:      h.handlePublish,
		OpReceipt:      h.handleReceipt,
		OpPresence:     h.handlePresence,
		OpKeyLookup:    h.handleKeyLookup,
		OpCallOffer:    h.handleCallOffer,
		OpCallAnswer:   h.handleCallAnswer,
		OpCallICE:      h.handleCallICE,
		OpCallEnd:      h.handleCallEnd,
	}
	return h, nil
}

// Run executes posted events one at a time until ctx is done. Every open
// connection is closed on the way out.
func (h *Hub) Run(ctx context.Context) error {
	h.ctx = ctx
	defer close(h.done)
	defer h.shutdown()

	h.log.Info("delivery hub started")
	for {
		select {
		case <-ctx.Done():
			h.log.Info("delivery hub stopping")
			return nil
		case fn := <-h.inbox:
			fn()
		}
	}
}

func (h *Hub) post(fn func()) bool {
	select {
	case h.inbox <- fn:
		return true
	case <-h.done:
		return false
	}
}

// do runs fn on the reactor and waits for it
func (h *Hub) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !h.post(func() { fn(); close(finished) }) {
		return ErrHubClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
}

func (h *Hub) shutdown() {
	for _, c := range h.conns {
		c.state = stateDisconnected
		c.shutdown("relay shutting down")
	}
	for _, p := range h.grace {
		p.t.Stop()
	}
	for _, p := range h.ringing {
		p.t.Stop()
	}
}

// Serve runs one connection until the transport fails, the peer leaves or
// the hub closes it. Detaching the connection is guaranteed on return.
func (h *Hub) Serve(ctx context.Context, t Transport) error {
	c := &conn{
		id:     ids.NewConnID(),
		t:      t,
		out:    make(chan []byte, h.opts.OutboundQueue),
		closed: make(chan struct{}),
	}
	if !h.post(func() { h.attach(c) }) {
		t.Close("relay shutting down")
		return ErrHubClosed
	}
	defer h.post(func() { h.detach(c) })

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.writeLoop(ctx, c)

	if h.opts.AuthTimeout > 0 {
		deadline := time.AfterFunc(h.opts.AuthTimeout, func() {
			h.post(func() { h.authDeadline(c) })
		})
		defer deadline.Stop()
	}

	for {
		data, err := t.Read(ctx)
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !h.post(func() { h.dispatch(c, data) }) {
			return ErrHubClosed
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case data := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := c.t.Write(wctx, data)
			cancel()
			if err != nil {
				h.log.Debug("write failed", "conn", c.id, "error", err)
				c.shutdown("write failed")
				return
			}
		}
	}
}

func (h *Hub) attach(c *conn) {
	h.conns[c.id] = c
	h.log.Debug("connection attached", "conn", c.id)
}

func (h *Hub) detach(c *conn) {
	prev := c.state
	c.state = stateDisconnected
	c.shutdown("")
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)
	h.log.Debug("connection detached", "conn", c.id, "identity", c.identity)
	if prev == stateAuthenticated {
		h.unbind(c)
	}
}

func (h *Hub) authDeadline(c *conn) {
	if c.state == stateConnected {
		h.log.Info("authentication timeout", "conn", c.id)
		c.shutdown("authentication timeout")
	}
}

// bind registers an authenticated connection. A reconnect inside the grace
// interval cancels the pending offline transition and is not announced.
func (h *Hub) bind(c *conn) {
	id := c.identity
	announce := false
	if p, ok := h.grace[id]; ok {
		p.t.Stop()
		delete(h.grace, id)
	} else if len(h.online[id]) == 0 {
		announce = true
	}

	set, ok := h.online[id]
	if !ok {
		set = make(map[string]*conn)
		h.online[id] = set
	}
	set[c.id] = c

	if announce {
		h.log.Info("identity online", "identity", id)
		h.announce(id, StatusOnline)
	}
}

func (h *Hub) unbind(c *conn) {
	id := c.identity
	set := h.online[id]
	delete(set, c.id)
	if len(set) > 0 {
		return
	}
	delete(h.online, id)

	if h.opts.PresenceGrace <= 0 {
		h.goOffline(id)
		return
	}
	p := &pendingTimer{}
	h.grace[id] = p
	p.t = time.AfterFunc(h.opts.PresenceGrace, func() {
		h.post(func() { h.graceExpired(id, p) })
	})
}

func (h *Hub) graceExpired(id string, p *pendingTimer) {
	if h.grace[id] != p {
		return
	}
	delete(h.grace, id)
	if len(h.online[id]) > 0 {
		return
	}
	h.goOffline(id)
}

func (h *Hub) goOffline(id string) {
	h.log.Info("identity offline", "identity", id)
	h.announce(id, StatusOffline)
}

// announce sends an online or offline status to everyone sharing a channel
func (h *Hub) announce(id, status string) {
	peers := make(map[string]struct{})
	for _, ch := range h.members.ChannelsOf(id) {
		members, _ := h.members.Members(ch)
		for _, m := range members {
			if m != id {
				peers[m] = struct{}{}
			}
		}
	}
	ev := PresenceEvent{IdentityID: id, Status: status}
	for p := range peers {
		h.emitTo(p, EventPresence, ev)
	}
}

func (h *Hub) dispatch(c *conn, data []byte) {
	if c.state == stateDisconnected {
		return
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Op == "" {
		h.reject(c, "", badRequest("malformed frame"))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			h.log.Error("handler panic", "op", f.Op, "conn", c.id, "panic", r)
			h.reject(c, f.ID, ErrInternal)
		}
	}()

	handle, ok := h.handlers[f.Op]
	if !ok {
		h.reject(c, f.ID, badRequest("unknown op %q", f.Op))
		return
	}
	if f.Op != OpAuthenticate && c.state != stateAuthenticated {
		h.reject(c, f.ID, ErrUnauthenticated)
		return
	}

	result, err := handle(c, f)
	if err != nil {
		h.reject(c, f.ID, err)
		return
	}
	if result != nil {
		h.reply(c, f.ID, result)
	}
}

func (h *Hub) reply(c *conn, id string, result any) {
	f, err := newFrame(EventAck, result)
	if err != nil {
		h.log.Error("encode ack", "error", err)
		return
	}
	f.ID = id
	h.send(c, f)
}

func (h *Hub) reject(c *conn, id string, err error) {
	pe := classify(err)
	if pe.Code == CodeInternal {
		h.log.Error("operation failed", "conn", c.id, "identity", c.identity, "error", err)
	} else {
		h.log.Debug("operation rejected", "conn", c.id, "identity", c.identity, "code", pe.Code, "message", pe.Message)
	}
	h.send(c, Frame{Op: EventError, ID: id, Error: pe.body()})
}

// send queues a frame on one connection. A connection whose queue is full
// is not keeping up and gets closed.
func (h *Hub) send(c *conn, f Frame) {
	if c.state == stateDisconnected {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Error("encode frame", "op", f.Op, "error", err)
		return
	}
	select {
	case c.out <- data:
	default:
		h.log.Warn("outbound queue full, closing connection", "conn", c.id, "identity", c.identity)
		c.shutdown("outbound queue full")
	}
}

// emitTo sends an event to every live connection of an identity
func (h *Hub) emitTo(identityID, op string, payload any) {
	conns := h.online[identityID]
	if len(conns) == 0 {
		return
	}
	f, err := newFrame(op, payload)
	if err != nil {
		h.log.Error("encode event", "op", op, "error", err)
		return
	}
	for _, c := range conns {
		h.send(c, f)
	}
}

func newFrame(op string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Op: op, Data: data}, nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return badRequest("missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return badRequest("malformed data: %v", err)
	}
	return nil
}

func (h *Hub) handleAuthenticate(c *conn, f Frame) (any, error) {
	if c.state == stateAuthenticated {
		return nil, badRequest("already authenticated as %s", c.identity)
	}
	var req AuthenticateRequest
	if err := decode(f.Data, &req); err != nil {
		return nil, err
	}
	if req.Credential == "" {
		return nil, badRequest("credential is required")
	}

	c.state = stateAuthenticating
	id, err := h.identities.Authenticate(h.ctx, req.Credential)
	if err != nil {
		c.state = stateConnected
		return nil, err
	}
	c.identity = id
	c.state = stateAuthenticated
	c.channels = h.members.ChannelsOf(id)
	h.bind(c)
	h.log.Info("authenticated", "conn", c.id, "identity", id, "channels", len(c.channels))

	pending, err := h.messages.Pending(h.ctx, id, h.opts.ReplayLimit)
	if err != nil {
		h.log.Warn("load pending messages", "identity", id, "error", err)
		pending = nil
	}

	h.reply(c, f.ID, AuthenticateResult{IdentityID: id, Channels: c.channels, Replayed: len(pending)})
	for _, msg := range pending {
		if ev, err := newFrame(EventMessageCreated, msg); err == nil {
			h.send(c, ev)
		}
	}
	return nil, nil
}

func (h *Hub) handlePublish(c *conn, f Frame) (any, error) {
	var req PublishRequest
	if err := decode(f.Data, &req); err != nil {
		return nil, err
	}
	if req.ChannelID == "" {
		return nil, badRequest("channelId is required")
	}
	if req.Envelope == nil {
		return nil, badRequest("envelope is required")
	}
	if err := req.Envelope.Validate(); err != nil {
		return nil, badRequest("invalid envelope: %v", err)
	}
	if req.Type == "" {
		req.Type = "text"
	}
	if !h.members.IsMember(req.ChannelID, c.identity) {
		return nil, forbidden("not a member of channel %s", req.ChannelID)
	}

	members, _ := h.members.Members(req.ChannelID)
	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if m != c.identity {
			recipients = append(recipients, m)
		}
	}

	msg := &domain.Message{
		ID:            ids.NewMessageID(),
		ChannelID:     req.ChannelID,
		SenderID:      c.identity,
		Envelope:      req.Envelope,
		Type:          req.Type,
		CreatedAt:     h.now().UnixMilli(),
		DeliveryState: domain.StateSent,
	}
	if err := h.messages.SaveMessage(h.ctx, msg, recipients); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	for _, r := range recipients {
		h.emitTo(r, EventMessageCreated, msg)
	}
	h.events.Emit(Event{Type: EventMessageCreated, At: msg.CreatedAt, Message: msg})

	return PublishResult{MessageID: msg.ID, ClientTempID: req.ClientTempID, CreatedAt: msg.CreatedAt}, nil
}

func (h *Hub) handleReceipt(c *conn, f Frame) (any, error) {
	var req ReceiptRequest
	if err := decode(f.Data, &req); err != nil {
		return nil, err
	}
	if req.MessageID == "" {
		return nil, badRequest("messageId is required")
	}
	state, err := domain.ParseDeliveryState(req.Kind)
	if err != nil || state == domain.StateSent {
		return nil, badRequest("receipt kind must be delivered or read")
	}

	msg, err := h.messages.Message(h.ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == c.identity {
		return nil, forbidden("cannot acknowledge your own message")
	}
	changed, err := h.messages.AdvanceDelivery(h.ctx, msg.ID, c.identity, state)
	if err != nil {
		return nil, err
	}

	if changed {
		ev := &ReceiptEvent{
			MessageID:   msg.ID,
			ChannelID:   msg.ChannelID,
			RecipientID: c.identity,
			State:       state,
			At:          h.now().UnixMilli(),
		}
		h.emitTo(msg.SenderID, EventMessageReceipt, ev)
		h.events.Emit(Event{Type: EventMessageReceipt, At: ev.At, Receipt: ev})
	}
	return ReceiptResult{MessageID: msg.ID, State: state, Changed: changed}, nil
}

func (h *Hub) handlePresence(c *conn, f Frame) (any, error) {
	var req PresenceRequest
	if err := decode(f.Data, &req); err != nil {
		return nil, err
	}
	if req.ChannelID == "" {
		return nil, badRequest("channelId is required")
	}
	if !h.members.IsMember(req.ChannelID, c.identity) {
		return nil, forbidden("not a member of channel %s", req.ChannelID)
	}
	members, _ := h.members.Members(req.ChannelID)
	ev := PresenceEvent{IdentityID: c.identity, ChannelID: req.ChannelID, IsTyping: req.IsTyping}
	for _, m := range members {
		if m != c.identity {
			h.emitTo(m, EventPresence, ev)
		}
	}
	return nil, nil
}

func (h *Hub) handleKeyLookup(c *conn, f Frame) (any, error) {
	var req KeyLookupRequest
	if err := decode(f.Data, &req); err != nil {
		return nil, err
	}
	if req.IdentityID == "" {
		return nil, badRequest("identityId is required")
	}
	id, err := h.identities.Identity(h.ctx, req.IdentityID)
	if err != nil {
		return nil, err
	}
	return KeyLookupResult{
		IdentityID:  id.ID,
		KEM:         id.KEM,
		AlgorithmID: crypto.AlgorithmID(id.KEM),
		PublicKey:   id.PublicKey,
		Fingerprint: crypto.KeyFingerprint(id.PublicKey),
	}, nil
}

func (h *Hub) handleCallOffer(c *conn, f Frame) (any, error) {
	var req CallOfferRequest
	if err := decode(f.Data, &req); err != nil {
		return nil, err
	}
	if req.TargetID != "" {
		if _, err := h.identities.Identity(h.ctx, req.TargetID); err != nil {
			return nil, err
		}
	}
	call, sig, err := h.calls.Offer(c.identity, req.TargetID, req.Kind, req.SDP)
	if err != nil {
		return nil, err
	}
	h.log.Info("call offered", "call", call.ID, "caller", call.CallerID, "callee", call.CalleeID, "kind", call.Kind)
	h.relay(sig)
	h.armRing(call.ID)
	return CallResult{CallID: call.ID, State: call.State}, nil
}

func (h *Hub) handleCallAnswer(c *conn, f Frame) (any, error) {
	var req CallAnswerRequest
	if err := decode(f.Data, &req); err != nil {
		return nil, err
	}
	sig, err := h.calls.Answer(req.CallID, c.identity, req.SDP)
	if err != nil {
		return nil, err
	}
	if sig != nil {
		h.disarmRing(req.CallID)
		h.relay(sig)
	}
	return h.callResult(req.CallID), nil
}

func (h *Hub) handleCallICE(c *conn, f Frame) (any, error) {
	var req CallICERequest
	if err := decode(f.Data, &req); err != nil {
		return nil, err
	}
	sig, err := h.calls.ICE(req.CallID, c.identity, req.Candidate)
	if err != nil {
		return nil, err
	}
	if sig != nil {
		h.relay(sig)
	}
	return nil, nil
}

func (h *Hub) handleCallEnd(c *conn, f Frame) (any, error) {
	var req CallEndRequest
	if err := decode(f.Data, &req); err != nil {
		return nil, err
	}
	signals, err := h.calls.End(req.CallID, c.identity, req.Reason)
	if err != nil {
		return nil, err
	}
	if len(signals) > 0 {
		h.disarmRing(req.CallID)
		h.log.Info("call ended", "call", req.CallID, "by", c.identity, "reason", signals[0].Reason)
	}
	for i := range signals {
		h.relay(&signals[i])
	}
	return h.callResult(req.CallID), nil
}

func (h *Hub) callResult(callID string) CallResult {
	call, _ := h.calls.Call(callID)
	return CallResult{CallID: callID, State: call.State}
}

func (h *Hub) relay(sig *signaling.Signal) {
	h.emitTo(sig.To, EventCallSignal, sig)
	h.events.Emit(Event{Type: EventCallSignal, At: h.now().UnixMilli(), Signal: sig})
}

func (h *Hub) armRing(callID string) {
	if h.opts.RingTimeout <= 0 {
		return
	}
	p := &pendingTimer{}
	h.ringing[callID] = p
	p.t = time.AfterFunc(h.opts.RingTimeout, func() {
		h.post(func() {
			if h.ringing[callID] != p {
				return
			}
			delete(h.ringing, callID)
			if err := h.expireCall(callID); err != nil {
				h.log.Debug("ring timeout ignored", "call", callID, "error", err)
			}
		})
	})
}

func (h *Hub) disarmRing(callID string) {
	if p, ok := h.ringing[callID]; ok {
		p.t.Stop()
		delete(h.ringing, callID)
	}
}

func (h *Hub) expireCall(callID string) error {
	signals, err := h.calls.Expire(callID)
	if err != nil {
		return err
	}
	if len(signals) > 0 {
		h.log.Info("call timed out", "call", callID)
	}
	for i := range signals {
		h.relay(&signals[i])
	}
	return nil
}

// ExpireCall ends a call that is still ringing. It is the hook for an
// external timeout collaborator; the hub's own ring timer uses it too.
func (h *Hub) ExpireCall(ctx context.Context, callID string) error {
	var err error
	if derr := h.do(ctx, func() {
		h.disarmRing(callID)
		err = h.expireCall(callID)
	}); derr != nil {
		return derr
	}
	return err
}

// Call returns a snapshot of an active or recently ended call
func (h *Hub) Call(ctx context.Context, callID string) (signaling.Call, bool, error) {
	var (
		call signaling.Call
		ok   bool
	)
	err := h.do(ctx, func() { call, ok = h.calls.Call(callID) })
	return call, ok, err
}

// Online reports whether an identity has a live connection or is inside its
// reconnect grace interval
func (h *Hub) Online(ctx context.Context, identityID string) (bool, error) {
	var online bool
	err := h.do(ctx, func() {
		_, pending := h.grace[identityID]
		online = len(h.online[identityID]) > 0 || pending
	})
	return online, err
}

// Connections is the number of attached connections
func (h *Hub) Connections(ctx context.Context) (int, error) {
	var n int
	err := h.do(ctx, func() { n = len(h.conns) })
	return n, err
}
