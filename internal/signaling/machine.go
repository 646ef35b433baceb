// Package signaling tracks one-to-one calls through Idle, Ringing, Connected
// and Ended and produces the relay signals each transition emits. A Machine
// is not safe for concurrent use; the delivery hub owns it on its reactor.
package signaling

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"quantrelay/internal/ids"
)

var (
	ErrCallNotFound      = errors.New("call not found")
	ErrNotParticipant    = errors.New("not a participant of this call")
	ErrNotCallee         = errors.New("only the callee can answer")
	ErrInvalidTransition = errors.New("invalid call transition")
	ErrSelfCall          = errors.New("cannot call yourself")
	ErrInvalidKind       = errors.New("call kind must be audio or video")
	ErrMissingTarget     = errors.New("call target is required")
	ErrEmptySDP          = errors.New("session description is empty")
)

// State of a call. Calls only move forward.
type State int

const (
	StateIdle State = iota
	StateRinging
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for v := StateIdle; v <= StateEnded; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown call state %q", b)
}

// Kind is the media type requested by the caller
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// End reasons
const (
	ReasonHangup    = "hangup"
	ReasonDeclined  = "declined"
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
)

// Call is a snapshot of one call
type Call struct {
	ID        string `json:"id"`
	CallerID  string `json:"callerId"`
	CalleeID  string `json:"calleeId"`
	Kind      Kind   `json:"kind"`
	State     State  `json:"state"`
	StartedAt int64  `json:"startedAt"`
	EndedAt   int64  `json:"endedAt,omitempty"`
	EndReason string `json:"endReason,omitempty"`
}

// Peer returns the other party of the call
func (c *Call) Peer(identityID string) string {
	if identityID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

func (c *Call) isParty(identityID string) bool {
	return identityID == c.CallerID || identityID == c.CalleeID
}

// SignalType names the relayed signal
type SignalType string

const (
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
	SignalICE    SignalType = "ice"
	SignalEnd    SignalType = "end"
)

// Signal is a message to relay to the live connections of To
type Signal struct {
	CallID    string     `json:"callId"`
	Type      SignalType `json:"type"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Kind      Kind       `json:"kind,omitempty"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	State     State      `json:"state"`
}

// Machine owns every active call plus a bounded history of ended ones
type Machine struct {
	active map[string]*Call
	ended  *lru.Cache[string, Call]
	now    func() time.Time
	newID  func() (string, error)
}

// Option configures a Machine
type Option func(*Machine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithIDSource overrides call id generation
func WithIDSource(newID func() (string, error)) Option {
	return func(m *Machine) { m.newID = newID }
}

// New creates a machine remembering up to history ended calls
func New(history int, opts ...Option) (*Machine, error) {
	ended, err := lru.New[string, Call](history)
	if err != nil {
		return nil, fmt.Errorf("signaling: ended call history: %w", err)
	}
	m := &Machine{
		active: make(map[string]*Call),
		ended:  ended,
		now:    time.Now,
		newID:  ids.NewCallID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Offer starts a call from callerID to calleeID in Ringing and returns the
// offer signal for the callee.
func (m *Machine) Offer(callerID, calleeID string, kind Kind, sdp string) (*Call, *Signal, error) {
	switch {
	case calleeID == "":
		return nil, nil, ErrMissingTarget
	case callerID == calleeID:
		return nil, nil, ErrSelfCall
	case kind != KindAudio && kind != KindVideo:
		return nil, nil, ErrInvalidKind
	case sdp == "":
		return nil, nil, ErrEmptySDP
	}

	id, err := m.newID()
	if err != nil {
		return nil, nil, fmt.Errorf("signaling: %w", err)
	}
	call := &Call{
		ID:        id,
		CallerID:  callerID,
		CalleeID:  calleeID,
		Kind:      kind,
		State:     StateRinging,
		StartedAt: m.now().UnixMilli(),
	}
	m.active[id] = call

	snapshot := *call
	return &snapshot, &Signal{
		CallID: id,
		Type:   SignalOffer,
		From:   callerID,
		To:     calleeID,
		Kind:   kind,
		SDP:    sdp,
		State:  StateRinging,
	}, nil
}

// Answer connects a ringing call. Only the callee may answer. A nil signal
// with a nil error means the call already ended and nothing is relayed.
func (m *Machine) Answer(callID, from, sdp string) (*Signal, error) {
	call, err := m.lookup(callID, from)
	if call == nil || err != nil {
		return nil, err
	}
	if from != call.CalleeID {
		return nil, ErrNotCallee
	}
	if call.State != StateRinging {
		return nil, fmt.Errorf("%w: answer while %s", ErrInvalidTransition, call.State)
	}
	if sdp == "" {
		return nil, ErrEmptySDP
	}

	call.State = StateConnected
	return &Signal{
		CallID: callID,
		Type:   SignalAnswer,
		From:   from,
		To:     call.CallerID,
		SDP:    sdp,
		State:  StateConnected,
	}, nil
}

// ICE relays a candidate to the other party while the call is not ended
func (m *Machine) ICE(callID, from, candidate string) (*Signal, error) {
	call, err := m.lookup(callID, from)
	if call == nil || err != nil {
		return nil, err
	}
	if candidate == "" {
		return nil, errors.New("ice candidate is empty")
	}
	return &Signal{
		CallID:    callID,
		Type:      SignalICE,
		From:      from,
		To:        call.Peer(from),
		Candidate: candidate,
		State:     call.State,
	}, nil
}

// End terminates a call on behalf of one of its parties and returns one end
// signal per party. Ending an ended call returns no signals.
func (m *Machine) End(callID, from, reason string) ([]Signal, error) {
	call, err := m.lookup(callID, from)
	if call == nil || err != nil {
		return nil, err
	}
	if reason == "" {
		reason = defaultReason(call, from)
	}
	return m.finish(call, from, reason), nil
}

// Expire ends a call that is still ringing with reason timeout. Connected
// calls are left alone.
func (m *Machine) Expire(callID string) ([]Signal, error) {
	call, ok := m.active[callID]
	if !ok {
		if m.ended.Contains(callID) {
			return nil, nil
		}
		return nil, ErrCallNotFound
	}
	if call.State != StateRinging {
		return nil, fmt.Errorf("%w: expire while %s", ErrInvalidTransition, call.State)
	}
	return m.finish(call, "", ReasonTimeout), nil
}

// Call returns a snapshot of an active or recently ended call
func (m *Machine) Call(callID string) (Call, bool) {
	if call, ok := m.active[callID]; ok {
		return *call, true
	}
	return m.ended.Get(callID)
}

// Active is the number of calls not yet ended
func (m *Machine) Active() int {
	return len(m.active)
}

// lookup returns the active call for a party. A call already ended yields
// (nil, nil) so callers treat the operation as a no-op.
func (m *Machine) lookup(callID, from string) (*Call, error) {
	call, ok := m.active[callID]
	if !ok {
		if ended, ok := m.ended.Get(callID); ok {
			if !ended.isParty(from) {
				return nil, ErrNotParticipant
			}
			return nil, nil
		}
		return nil, ErrCallNotFound
	}
	if !call.isParty(from) {
		return nil, ErrNotParticipant
	}
	return call, nil
}

func (m *Machine) finish(call *Call, from, reason string) []Signal {
	call.State = StateEnded
	call.EndedAt = m.now().UnixMilli()
	call.EndReason = reason
	delete(m.active, call.ID)
	m.ended.Add(call.ID, *call)

	out := make([]Signal, 0, 2)
	for _, to := range []string{call.CallerID, call.CalleeID} {
		out = append(out, Signal{
			CallID: call.ID,
			Type:   SignalEnd,
			From:   from,
			To:     to,
			Reason: reason,
			State:  StateEnded,
		})
	}
	return out
}

func defaultReason(call *Call, from string) string {
	if call.State == StateConnected {
		return ReasonHangup
	}
	if from == call.CalleeID {
		return ReasonDeclined
	}
	return ReasonCancelled
}
