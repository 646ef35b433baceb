package delivery

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantrelay/internal/crypto"
	"quantrelay/internal/domain"
	"quantrelay/internal/logger"
	"quantrelay/internal/registry"
	"quantrelay/internal/signaling"
	"quantrelay/internal/store"
)

type fixture struct {
	t      *testing.T
	hub    *Hub
	store  *store.Store
	reg    *registry.Registry
	svc    *crypto.HybridService
	url    string
	events ChanSink
	keys   map[string]*crypto.KeyPair
	creds  map[string]string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	svc, err := crypto.NewHybridService(crypto.DefaultKEM)
	require.NoError(t, err)

	f := &fixture{
		t:      t,
		store:  st,
		reg:    registry.New(),
		svc:    svc,
		events: make(ChanSink, 64),
		keys:   make(map[string]*crypto.KeyPair),
		creds:  make(map[string]string),
	}
	f.hub, err = NewHub(opts, Deps{
		Identities: st,
		Members:    f.reg,
		Messages:   st,
		Events:     f.events,
		Logger:     logger.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go f.hub.Run(ctx)
	srv := httptest.NewServer(NewHandler(f.hub, 1<<20, nil))
	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Cleanup(func() {
		cancel()
		srv.Close()
		st.Close()
	})
	return f
}

func (f *fixture) addIdentity(id string) {
	f.t.Helper()
	ctx := context.Background()
	kp, err := f.svc.GenerateKeyPair()
	require.NoError(f.t, err)
	require.NoError(f.t, f.store.PutIdentity(ctx, domain.Identity{ID: id, KEM: kp.KEM, PublicKey: kp.PublicKey}))
	token, err := f.store.IssueCredential(ctx, id)
	require.NoError(f.t, err)
	f.keys[id] = kp
	f.creds[id] = token
}

func (f *fixture) addChannel(id string, kind domain.ChannelKind, members ...string) {
	f.t.Helper()
	require.NoError(f.t, f.reg.Put(domain.Channel{ID: id, Kind: kind, Members: members}))
}

type testConn struct {
	t        *testing.T
	ws       *websocket.Conn
	identity string
	syncs    int
}

func (f *fixture) dial() *testConn {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, f.url, nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { ws.CloseNow() })
	return &testConn{t: f.t, ws: ws}
}

func (f *fixture) login(id string) *testConn {
	f.t.Helper()
	c := f.dial()
	c.send(OpAuthenticate, "auth", AuthenticateRequest{Credential: f.creds[id]})
	ack := c.expect(EventAck)
	require.Equal(f.t, "auth", ack.ID)
	var res AuthenticateResult
	require.NoError(f.t, json.Unmarshal(ack.Data, &res))
	require.Equal(f.t, id, res.IdentityID)
	c.identity = id
	return c
}

func (c *testConn) send(op, id string, payload any) {
	c.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, wsjson.Write(ctx, c.ws, Frame{Op: op, ID: id, Data: data}))
}

func (c *testConn) sendRaw(s string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.ws.Write(ctx, websocket.MessageText, []byte(s)))
}

func (c *testConn) read() (Frame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f Frame
	err := wsjson.Read(ctx, c.ws, &f)
	return f, err
}

// expect returns the next frame with op. Presence frames are skipped unless
// op asks for them; anything else unexpected fails the test.
func (c *testConn) expect(op string) Frame {
	c.t.Helper()
	for {
		f, err := c.read()
		require.NoError(c.t, err)
		if f.Op == EventPresence && op != EventPresence {
			continue
		}
		require.Equal(c.t, op, f.Op, "frame: %+v", f)
		return f
	}
}

func (c *testConn) expectError(id string, code Code) {
	c.t.Helper()
	f := c.expect(EventError)
	assert.Equal(c.t, id, f.ID)
	require.NotNil(c.t, f.Error)
	assert.Equal(c.t, code, f.Error.Code)
}

// sync round-trips a key lookup and returns every frame that arrived before
// its reply. Frames queued for this connection earlier are always delivered
// first, so an empty result proves nothing else was sent.
func (c *testConn) sync() []Frame {
	c.t.Helper()
	c.syncs++
	id := "sync-" + string(rune('a'+c.syncs))
	c.send(OpKeyLookup, id, KeyLookupRequest{IdentityID: c.identity})
	var before []Frame
	for {
		f, err := c.read()
		require.NoError(c.t, err)
		if f.ID == id {
			require.Equal(c.t, EventAck, f.Op)
			return before
		}
		before = append(before, f)
	}
}

func decodeData[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func nextEvent(t *testing.T, events ChanSink) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no domain event")
		return Event{}
	}
}

func TestPublishReachesMemberAndDecrypts(t *testing.T) {
	f := newFixture(t, Options{})
	f.addIdentity("alice")
	f.addIdentity("bob")
	f.addChannel("C1", domain.ChannelDirect, "alice", "bob")

	alice := f.login("alice")
	bob := f.login("bob")

	alice.send(OpKeyLookup, "k1", KeyLookupRequest{IdentityID: "bob"})
	key := decodeData[KeyLookupResult](t, alice.expect(EventAck))
	assert.Equal(t, f.keys["bob"].PublicKey, key.PublicKey)
	assert.Equal(t, crypto.AlgorithmID(crypto.DefaultKEM), key.AlgorithmID)
	assert.Equal(t, crypto.KeyFingerprint(key.PublicKey), key.Fingerprint)

	env, err := f.svc.EncryptMessage("hi", key.PublicKey)
	require.NoError(t, err)
	alice.send(OpPublish, "p1", PublishRequest{ChannelID: "C1", Envelope: env, Type: "text", ClientTempID: "tmp123"})

	ack := alice.expect(EventAck)
	assert.Equal(t, "p1", ack.ID)
	res := decodeData[PublishResult](t, ack)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, "tmp123", res.ClientTempID)

	msg := decodeData[domain.Message](t, bob.expect(EventMessageCreated))
	assert.Equal(t, res.MessageID, msg.ID)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, domain.StateSent, msg.DeliveryState)
	plaintext, err := f.svc.DecryptMessage(msg.Envelope, f.keys["bob"].PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, "hi", plaintext)

	ev := nextEvent(t, f.events)
	assert.Equal(t, EventMessageCreated, ev.Type)
	assert.Equal(t, res.MessageID, ev.Message.ID)

	stored, err := f.store.Message(context.Background(), res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "C1", stored.ChannelID)

	// the sender does not get its own message back
	for _, fr := range alice.sync() {
		assert.NotEqual(t, EventMessageCreated, fr.Op)
	}
}

func TestPublishToForeignChannelIsForbidden(t *testing.T) {
	f := newFixture(t, Options{})
	f.addIdentity("alice")
	f.addIdentity("bob")
	f.addIdentity("carol")
	f.addChannel("C1", domain.ChannelDirect, "alice", "bob")

	bob := f.login("bob")
	carol := f.login("carol")

	env, err := f.svc.EncryptMessage("sneaky", f.keys["bob"].PublicKey)
	require.NoError(t, err)
	carol.send(OpPublish, "p1", PublishRequest{ChannelID: "C1", Envelope: env, Type: "text"})
	carol.expectError("p1", CodeForbidden)

	carol.send(OpPublish, "p2", PublishRequest{ChannelID: "nowhere", Envelope: env})
	carol.expectError("p2", CodeForbidden)

	for _, fr := range bob.sync() {
		assert.NotEqual(t, EventMessageCreated, fr.Op)
	}
	pending, err := f.store.Pending(context.Background(), "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, f.events)
}

func TestReceiptsAreMonotonicAndIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	f.addIdentity("alice")
	f.addIdentity("bob")
	f.addChannel("C1", domain.ChannelDirect, "alice", "bob")
	alice := f.login("alice")
	bob := f.login("bob")

	env, err := f.svc.EncryptMessage("read me", f.keys["bob"].PublicKey)
	require.NoError(t, err)
	alice.send(OpPublish, "p1", PublishRequest{ChannelID: "C1", Envelope: env})
	id := decodeData[PublishResult](t, alice.expect(EventAck)).MessageID
	bob.expect(EventMessageCreated)

	bob.send(OpReceipt, "r1", ReceiptRequest{MessageID: id, Kind: "read"})
	res := decodeData[ReceiptResult](t, bob.expect(EventAck))
	assert.True(t, res.Changed)
	assert.Equal(t, domain.StateRead, res.State)

	rec := decodeData[ReceiptEvent](t, alice.expect(EventMessageReceipt))
	assert.Equal(t, id, rec.MessageID)
	assert.Equal(t, "bob", rec.RecipientID)
	assert.Equal(t, domain.StateRead, rec.State)

	// a replayed read and a late delivered change nothing
	bob.send(OpReceipt, "r2", ReceiptRequest{MessageID: id, Kind: "read"})
	assert.False(t, decodeData[ReceiptResult](t, bob.expect(EventAck)).Changed)
	bob.send(OpReceipt, "r3", ReceiptRequest{MessageID: id, Kind: "delivered"})
	assert.False(t, decodeData[ReceiptResult](t, bob.expect(EventAck)).Changed)

	for _, fr := range alice.sync() {
		assert.NotEqual(t, EventMessageReceipt, fr.Op, "duplicate receipt event")
	}

	stored, err := f.store.Message(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRead, stored.DeliveryState)

	alice.send(OpReceipt, "r4", ReceiptRequest{MessageID: id, Kind: "read"})
	alice.expectError("r4", CodeForbidden)
	bob.send(OpReceipt, "r5", ReceiptRequest{MessageID: "missing", Kind: "read"})
	bob.expectError("r5", CodeNotFound)
	bob.send(OpReceipt, "r6", ReceiptRequest{MessageID: id, Kind: "sent"})
	bob.expectError("r6", CodeBadRequest)
}

func TestOperationsBeforeAuthenticationAreRejected(t *testing.T) {
	f := newFixture(t, Options{})
	f.addIdentity("alice")

	c := f.dial()
	c.send(OpPublish, "p1", PublishRequest{ChannelID: "C1"})
	c.expectError("p1", CodeUnauthenticated)
	c.send(OpCallOffer, "o1", CallOfferRequest{TargetID: "bob", SDP: "sdp", Kind: signaling.KindAudio})
	c.expectError("o1", CodeUnauthenticated)

	c.send(OpAuthenticate, "a1", AuthenticateRequest{Credential: "forged"})
	c.expectError("a1", CodeUnauthenticated)

	// still open, and a good credential works
	c.send(OpAuthenticate, "a2", AuthenticateRequest{Credential: f.creds["alice"]})
	ack := c.expect(EventAck)
	assert.Equal(t, "a2", ack.ID)

	c.send(OpAuthenticate, "a3", AuthenticateRequest{Credential: f.creds["alice"]})
	c.expectError("a3", CodeBadRequest)
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	f := newFixture(t, Options{})
	f.addIdentity("alice")
	f.addChannel("G1", domain.ChannelGroup, "alice")
	alice := f.login("alice")

	alice.sendRaw("not json")
	alice.expectError("", CodeBadRequest)

	alice.sendRaw(`{"op":"publish","id":"p1","data":{"channelId":5}}`)
	alice.expectError("p1", CodeBadRequest)

	alice.send(OpPublish, "p2", PublishRequest{ChannelID: "G1", Envelope: &crypto.Envelope{AlgorithmID: "ROT13"}})
	alice.expectError("p2", CodeBadRequest)

	alice.send("teleport", "t1", struct{}{})
	alice.expectError("t1", CodeBadRequest)

	assert.Empty(t, alice.sync())
}

func TestOfflineRecipientGetsBacklogOnAuthenticate(t *testing.T) {
	f := newFixture(t, Options{})
	f.addIdentity("alice")
	f.addIdentity("bob")
	f.addChannel("C1", domain.ChannelDirect, "alice", "bob")
	alice := f.login("alice")

	env, err := f.svc.EncryptMessage("while you were out", f.keys["bob"].PublicKey)
	require.NoError(t, err)
	alice.send(OpPublish, "p1", PublishRequest{ChannelID: "C1", Envelope: env})
	id := decodeData[PublishResult](t, alice.expect(EventAck)).MessageID

	bob := f.dial()
	bob.send(OpAuthenticate, "auth", AuthenticateRequest{Credential: f.creds["bob"]})
	res := decodeData[AuthenticateResult](t, bob.expect(EventAck))
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, []string{"C1"}, res.Channels)

	msg := decodeData[domain.Message](t, bob.expect(EventMessageCreated))
	assert.Equal(t, id, msg.ID)
	plaintext, err := f.svc.DecryptMessage(msg.Envelope, f.keys["bob"].PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, "while you were out", plaintext)
}

func TestPresenceRelayAndGrace(t *testing.T) {
	f := newFixture(t, Options{PresenceGrace: 100 * time.Millisecond})
	f.addIdentity("alice")
	f.addIdentity("bob")
	f.addChannel("C1", domain.ChannelDirect, "alice", "bob")
	alice := f.login("alice")
	bob := f.login("bob")

	online := decodeData[PresenceEvent](t, alice.expect(EventPresence))
	assert.Equal(t, "bob", online.IdentityID)
	assert.Equal(t, StatusOnline, online.Status)

	bob.send(OpPresence, "t1", PresenceRequest{ChannelID: "C1", IsTyping: true})
	typing := decodeData[PresenceEvent](t, alice.expect(EventPresence))
	assert.Equal(t, "C1", typing.ChannelID)
	assert.True(t, typing.IsTyping)
	assert.Empty(t, typing.Status)

	// typing is fire and forget
	assert.Empty(t, bob.sync())

	bob.send(OpPresence, "t2", PresenceRequest{ChannelID: "elsewhere", IsTyping: true})
	bob.expectError("t2", CodeForbidden)

	require.NoError(t, bob.ws.Close(websocket.StatusNormalClosure, ""))
	offline := decodeData[PresenceEvent](t, alice.expect(EventPresence))
	assert.Equal(t, "bob", offline.IdentityID)
	assert.Equal(t, StatusOffline, offline.Status)

	isOnline, err := f.hub.Online(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, isOnline)
}

func TestReconnectInsideGraceIsNotAnnounced(t *testing.T) {
	f := newFixture(t, Options{PresenceGrace: time.Hour})
	f.addIdentity("alice")
	f.addIdentity("bob")
	f.addChannel("C1", domain.ChannelDirect, "alice", "bob")
	alice := f.login("alice")
	bob := f.login("bob")
	alice.expect(EventPresence)

	require.NoError(t, bob.ws.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		n, err := f.hub.Connections(context.Background())
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	isOnline, err := f.hub.Online(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, isOnline, "bob is inside the grace interval")

	f.login("bob")
	for _, fr := range alice.sync() {
		assert.NotEqual(t, EventPresence, fr.Op, "unexpected presence %s", fr.Data)
	}
}

func TestCallOfferAnswerEnd(t *testing.T) {
	f := newFixture(t, Options{})
	f.addIdentity("alice")
	f.addIdentity("bob")
	alice := f.login("alice")
	bob := f.login("bob")

	alice.send(OpCallOffer, "o1", CallOfferRequest{TargetID: "bob", SDP: "sdp1", Kind: signaling.KindAudio})
	offered := decodeData[CallResult](t, alice.expect(EventAck))
	assert.Equal(t, signaling.StateRinging, offered.State)

	offer := decodeData[signaling.Signal](t, bob.expect(EventCallSignal))
	assert.Equal(t, signaling.SignalOffer, offer.Type)
	assert.Equal(t, offered.CallID, offer.CallID)
	assert.Equal(t, "sdp1", offer.SDP)

	bob.send(OpCallAnswer, "a1", CallAnswerRequest{CallID: offer.CallID, SDP: "sdp2"})
	assert.Equal(t, signaling.StateConnected, decodeData[CallResult](t, bob.expect(EventAck)).State)
	answer := decodeData[signaling.Signal](t, alice.expect(EventCallSignal))
	assert.Equal(t, signaling.SignalAnswer, answer.Type)
	assert.Equal(t, "sdp2", answer.SDP)

	alice.send(OpCallICE, "i1", CallICERequest{CallID: offer.CallID, Candidate: "candidate:1"})
	ice := decodeData[signaling.Signal](t, bob.expect(EventCallSignal))
	assert.Equal(t, "candidate:1", ice.Candidate)

	call, ok, err := f.hub.Call(context.Background(), offer.CallID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, signaling.StateConnected, call.State)

	// the ending party's own connections are told too, before the ack
	alice.send(OpCallEnd, "e1", CallEndRequest{CallID: offer.CallID})
	assert.Equal(t, signaling.SignalEnd, decodeData[signaling.Signal](t, alice.expect(EventCallSignal)).Type)
	assert.Equal(t, signaling.StateEnded, decodeData[CallResult](t, alice.expect(EventAck)).State)
	assert.Equal(t, signaling.SignalEnd, decodeData[signaling.Signal](t, bob.expect(EventCallSignal)).Type)

	// a second end is a no-op for everyone
	bob.send(OpCallEnd, "e2", CallEndRequest{CallID: offer.CallID})
	assert.Equal(t, signaling.StateEnded, decodeData[CallResult](t, bob.expect(EventAck)).State)
	assert.Empty(t, alice.sync())
	assert.Empty(t, bob.sync())

	err = f.hub.ExpireCall(context.Background(), offer.CallID)
	assert.NoError(t, err)
}

func TestCallErrors(t *testing.T) {
	f := newFixture(t, Options{})
	f.addIdentity("alice")
	f.addIdentity("bob")
	f.addIdentity("carol")
	alice := f.login("alice")
	carol := f.login("carol")

	alice.send(OpCallOffer, "o1", CallOfferRequest{TargetID: "nobody", SDP: "sdp", Kind: signaling.KindAudio})
	alice.expectError("o1", CodeNotFound)
	alice.send(OpCallOffer, "o2", CallOfferRequest{TargetID: "alice", SDP: "sdp", Kind: signaling.KindAudio})
	alice.expectError("o2", CodeBadRequest)

	alice.send(OpCallOffer, "o3", CallOfferRequest{TargetID: "bob", SDP: "sdp", Kind: signaling.KindVideo})
	callID := decodeData[CallResult](t, alice.expect(EventAck)).CallID

	carol.send(OpCallAnswer, "a1", CallAnswerRequest{CallID: callID, SDP: "sdp2"})
	carol.expectError("a1", CodeForbidden)
	alice.send(OpCallAnswer, "a2", CallAnswerRequest{CallID: callID, SDP: "sdp2"})
	alice.expectError("a2", CodeForbidden)
	carol.send(OpCallEnd, "e1", CallEndRequest{CallID: "call_missing"})
	carol.expectError("e1", CodeNotFound)
}

func TestUnansweredCallTimesOut(t *testing.T) {
	f := newFixture(t, Options{RingTimeout: 50 * time.Millisecond})
	f.addIdentity("alice")
	f.addIdentity("bob")
	alice := f.login("alice")
	bob := f.login("bob")

	alice.send(OpCallOffer, "o1", CallOfferRequest{TargetID: "bob", SDP: "sdp", Kind: signaling.KindAudio})
	callID := decodeData[CallResult](t, alice.expect(EventAck)).CallID
	bob.expect(EventCallSignal)

	for _, c := range []*testConn{alice, bob} {
		end := decodeData[signaling.Signal](t, c.expect(EventCallSignal))
		assert.Equal(t, signaling.SignalEnd, end.Type)
		assert.Equal(t, signaling.ReasonTimeout, end.Reason)
		assert.Equal(t, callID, end.CallID)
	}
}

func TestAuthenticationTimeoutClosesConnection(t *testing.T) {
	f := newFixture(t, Options{AuthTimeout: 50 * time.Millisecond})
	c := f.dial()

	_, err := c.read()
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CodeNotFound, classify(domain.ErrNotFound).Code)
	assert.Equal(t, CodeNotFound, classify(signaling.ErrCallNotFound).Code)
	assert.Equal(t, CodeForbidden, classify(signaling.ErrNotCallee).Code)
	assert.Equal(t, CodeBadRequest, classify(signaling.ErrSelfCall).Code)
	assert.Equal(t, CodeUnauthenticated, classify(domain.ErrInvalidCredential).Code)
	assert.Equal(t, CodeInternal, classify(assert.AnError).Code)

	err := forbidden("not a member of channel %s", "C1")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.NotErrorIs(t, err, ErrNotFound)
}
