// Package bus is the in-process fan-out channel between the coordinator and
// connected clients. The coordinator is the only writer for a session's
// stream; the bus adds no game logic of its own.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/playversus/arena/internal/game"
)

// Envelope is the wire format for real-time messages. Sequence is set on
// outbound session events and absent on snapshots' inbound counterparts.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // epoch-ms
	Sequence  *uint64         `json:"sequence,omitempty"`
}

// NewEnvelope builds an unsequenced envelope (snapshots, errors, acks).
func NewEnvelope(typ string, payload any) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{Type: typ, Payload: raw, Timestamp: time.Now().UnixMilli()}
}

const (
	// subscriberBuffer is the per-connection channel depth; a subscriber
	// that falls this far behind is cut off and must resubscribe.
	subscriberBuffer = 32
	// historySize bounds the per-session replay buffer.
	historySize = 256
)

type stream struct {
	subs map[chan Envelope]struct{}
	// next is the sequence number the stream delivers next; events arriving
	// early are parked in pending until the gap closes.
	next    uint64
	pending map[uint64]Envelope
	history []Envelope
}

// Broker keys streams by session ID. Events are delivered to every
// subscriber in coordinator-assigned sequence order; a bounded history
// serves replay for reconnecting clients.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*stream
}

func NewBroker() *Broker {
	return &Broker{streams: make(map[string]*stream)}
}

func (b *Broker) stream(sessionID string) *stream {
	st, ok := b.streams[sessionID]
	if !ok {
		st = &stream{
			subs:    make(map[chan Envelope]struct{}),
			next:    1,
			pending: make(map[uint64]Envelope),
		}
		b.streams[sessionID] = st
	}
	return st
}

// PublishEvent implements game.Publisher. Events may arrive slightly out of
// order when mutations race; delivery is still strictly by sequence.
func (b *Broker) PublishEvent(s game.Session, ev game.ActionEvent) {
	raw, _ := json.Marshal(ev)
	seq := ev.Sequence
	env := Envelope{
		Type:      string(ev.Type),
		Payload:   raw,
		Timestamp: ev.Timestamp.UnixMilli(),
		Sequence:  &seq,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(s.ID)
	st.pending[seq] = env
	for {
		next, ok := st.pending[st.next]
		if !ok {
			break
		}
		delete(st.pending, st.next)
		st.deliver(next)
		st.next++
	}
}

// deliver fans one envelope out and records it in the replay history. A
// subscriber with a full channel is dropped rather than allowed to stall or
// skip events; it recovers by resubscribing with its last-seen sequence.
func (st *stream) deliver(env Envelope) {
	st.history = append(st.history, env)
	if len(st.history) > historySize {
		st.history = st.history[len(st.history)-historySize:]
	}
	for ch := range st.subs {
		select {
		case ch <- env:
		default:
			delete(st.subs, ch)
			close(ch)
		}
	}
}

// Subscribe attaches to a session's stream. Events already delivered with a
// sequence greater than after are returned for replay; the channel then
// carries everything newer. gap reports that the history no longer reaches
// back to after+1, meaning the caller must send a fresh snapshot instead.
func (b *Broker) Subscribe(sessionID string, after uint64) (ch chan Envelope, replay []Envelope, gap bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(sessionID)
	ch = make(chan Envelope, subscriberBuffer)
	st.subs[ch] = struct{}{}

	if len(st.history) > 0 {
		oldest := *st.history[0].Sequence
		if after+1 < oldest {
			gap = true
		}
	}
	for _, env := range st.history {
		if *env.Sequence > after {
			replay = append(replay, env)
		}
	}
	return ch, replay, gap
}

// Unsubscribe detaches a channel; safe to call after a drop.
func (b *Broker) Unsubscribe(sessionID string, ch chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[sessionID]
	if !ok {
		return
	}
	if _, live := st.subs[ch]; live {
		delete(st.subs, ch)
		close(ch)
	}
}

// Drop discards a session's stream once the session has been archived.
func (b *Broker) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[sessionID]
	if !ok {
		return
	}
	for ch := range st.subs {
		close(ch)
	}
	delete(b.streams, sessionID)
}

// Subscribers reports the subscriber count for a session (test hook).
func (b *Broker) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[sessionID]
	if !ok {
		return 0
	}
	return len(st.subs)
}
