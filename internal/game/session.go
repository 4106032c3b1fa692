// Package game defines the core session domain: sessions, players, actions
// and the registry/coordinator that own their lifecycle.
package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SessionState is the lifecycle stage of a session. Transitions are
// monotonic: a session never moves back toward waiting.
type SessionState string

const (
	StateWaiting   SessionState = "waiting"
	StateActive    SessionState = "active"
	StateFinished  SessionState = "finished"
	StateCancelled SessionState = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionState) Terminal() bool {
	return s == StateFinished || s == StateCancelled
}

// validTransition enumerates the allowed state machine edges.
func validTransition(from, to SessionState) bool {
	if from == to {
		return true
	}
	switch from {
	case StateWaiting:
		return to == StateActive || to == StateCancelled
	case StateActive:
		return to == StateFinished || to == StateCancelled
	default:
		return false
	}
}

// GameType is the enumerated game category of a session.
type GameType string

const (
	TypeDuel       GameType = "duel"
	TypeTable      GameType = "table"
	TypeTournament GameType = "tournament"
)

// ActionType classifies an accepted action event.
type ActionType string

const (
	ActionJoin   ActionType = "join"
	ActionLeave  ActionType = "leave"
	ActionStart  ActionType = "start"
	ActionMove   ActionType = "move"
	ActionBet    ActionType = "bet"
	ActionCancel ActionType = "cancel"
	ActionSettle ActionType = "settle"
	// ActionFairness records a coordinator-applied fairness annotation so
	// that clients observe it in the same total order as player actions.
	ActionFairness ActionType = "fairness"
)

// ActionEvent is an accepted, sequence-numbered action. The event log is
// append-only; Sequence is strictly increasing with no gaps within a session.
type ActionEvent struct {
	Type      ActionType      `json:"type"`
	Actor     string          `json:"actor"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
}

// Player is a participant in at most one session.
type Player struct {
	ID       string    `json:"id"`
	Wallet   string    `json:"wallet"`
	Name     string    `json:"name"`
	Stake    int64     `json:"stake"`
	Score    int       `json:"score"`
	LastSeen time.Time `json:"lastSeen"`
	// Connected is false between a disconnect and either a reconnect or
	// the grace-period leave synthesized by the sweep.
	Connected bool `json:"connected"`
}

// StakeBounds constrain per-player stakes for a session.
type StakeBounds struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

func (b StakeBounds) contains(v int64) bool {
	return v >= b.Min && (b.Max == 0 || v <= b.Max)
}

// SessionConfig is the caller-supplied shape of a new session.
type SessionConfig struct {
	Type       GameType      `json:"type"`
	MinPlayers int           `json:"minPlayers"`
	MaxPlayers int           `json:"maxPlayers"`
	Stake      StakeBounds   `json:"stake"`
	Countdown  time.Duration `json:"-"`
}

// Session holds the authoritative state of one game instance. Values handed
// out by the registry are deep copies; the owned instance is only touched
// under the per-session lock.
type Session struct {
	ID         string        `json:"id"`
	Type       GameType      `json:"gameType"`
	State      SessionState  `json:"state"`
	Players    []Player      `json:"players"`
	MinPlayers int           `json:"minPlayers"`
	MaxPlayers int           `json:"maxPlayers"`
	Stake      StakeBounds   `json:"stake"`
	Pot        int64         `json:"pot"`
	CreatedAt  time.Time     `json:"createdAt"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	EndedAt    *time.Time    `json:"endedAt,omitempty"`
	Winner     string        `json:"winner,omitempty"`
	Events     []ActionEvent `json:"events"`
	// Forfeits accumulates the losses of players who left while active, so
	// settlement still debits them after their seat is gone.
	Forfeits []Outcome `json:"forfeits,omitempty"`
	// Analyses is the append-only fairness history; later entries supersede
	// earlier ones for the same player.
	Analyses []Analysis `json:"analyses,omitempty"`
	// ReadyAt is set when minPlayers is first reached; countdown expiry is
	// measured from it.
	ReadyAt *time.Time `json:"readyAt,omitempty"`
	// NextSeq is the sequence number the next accepted action will receive.
	NextSeq uint64 `json:"nextSeq"`
}

// Clone returns a deep copy safe to hand across the lock boundary.
func (s *Session) Clone() Session {
	out := *s
	out.Players = append([]Player(nil), s.Players...)
	out.Events = append([]ActionEvent(nil), s.Events...)
	out.Forfeits = append([]Outcome(nil), s.Forfeits...)
	out.Analyses = append([]Analysis(nil), s.Analyses...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.ReadyAt != nil {
		t := *s.ReadyAt
		out.ReadyAt = &t
	}
	return out
}

// PlayerIndex returns the position of a player in the ordered list, or -1.
func (s *Session) PlayerIndex(playerID string) int {
	for i := range s.Players {
		if s.Players[i].ID == playerID {
			return i
		}
	}
	return -1
}

// appendEvent assigns the next sequence number and appends to the log.
// Only called after the action has been accepted under the session lock.
func (s *Session) appendEvent(typ ActionType, actor string, payload json.RawMessage, now time.Time) ActionEvent {
	ev := ActionEvent{
		Type:      typ,
		Actor:     actor,
		SessionID: s.ID,
		Payload:   payload,
		Timestamp: now,
		Sequence:  s.NextSeq,
	}
	s.Events = append(s.Events, ev)
	s.NextSeq++
	return ev
}

// Outcome is one player's settled result for a finished session.
type Outcome struct {
	PlayerID string `json:"playerId"`
	Wallet   string `json:"wallet"`
	Delta    int64  `json:"delta"`
	Result   string `json:"result"` // win, loss, refund
}

// Notification is addressed to one player, or broadcast when PlayerID is
// empty. Only the Read flag is ever mutated after creation.
type Notification struct {
	ID        string          `json:"id"`
	PlayerID  string          `json:"playerId,omitempty"`
	Type      string          `json:"type"`
	Severity  string          `json:"severity"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Analysis is an immutable fairness verdict for one player over one window.
// Later analyses supersede earlier ones; none are ever edited in place.
type Analysis struct {
	ID         string            `json:"id"`
	PlayerID   string            `json:"playerId"`
	SessionID  string            `json:"sessionId"`
	Providers  []ProviderScore   `json:"providers"`
	Consensus  float64           `json:"consensus"`
	Confidence float64           `json:"confidence"`
	Flags      []string          `json:"flags,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// ProviderScore is one provider's raw contribution to an analysis.
type ProviderScore struct {
	Provider  string  `json:"provider"`
	Fraud     float64 `json:"fraud"`
	Skill     float64 `json:"skill"`
	Risk      float64 `json:"risk"`
	Weight    float64 `json:"weight"`
	LatencyMS int64   `json:"latencyMs"`
}

// Sentinel errors surfaced by the registry and coordinator.
var (
	ErrNotFound = errors.New("session not found")
	ErrConflict = errors.New("session mutation in progress")
)

// Reason codes attached to rejected actions. These are the only failure
// detail user-facing responses carry.
const (
	ReasonSessionFull      = "session_full"
	ReasonNotJoinable      = "session_not_joinable"
	ReasonAlreadyJoined    = "already_joined"
	ReasonNotInSession     = "not_in_session"
	ReasonNotWaiting       = "session_not_waiting"
	ReasonNotActive        = "session_not_active"
	ReasonNotEnoughPlayers = "not_enough_players"
	ReasonNotOwner         = "not_session_owner"
	ReasonStakeBounds      = "stake_out_of_bounds"
	ReasonInsufficient     = "insufficient_balance"
	ReasonBadTransition    = "illegal_state_transition"
	ReasonBadPayload       = "invalid_payload"
)

// Rejection is an InvariantViolation surfaced as a reason-coded rejected
// action. Rejections are never retried automatically.
type Rejection struct {
	Code string
}

func (r *Rejection) Error() string { return "action rejected: " + r.Code }

// Reject builds a reason-coded rejection.
func Reject(code string) error { return &Rejection{Code: code} }

// RejectionCode extracts the reason code, if err is a rejection.
func RejectionCode(err error) (string, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Code, true
	}
	return "", false
}

// validate checks the session invariants that must hold after every
// mutation. prev is the state before the transition function ran.
func (s *Session) validate(prev SessionState) error {
	if len(s.Players) > s.MaxPlayers {
		return Reject(ReasonSessionFull)
	}
	if !validTransition(prev, s.State) {
		return Reject(ReasonBadTransition)
	}
	for i := range s.Players {
		p := &s.Players[i]
		if p.Stake < 0 {
			return Reject(ReasonStakeBounds)
		}
		if p.Stake > 0 && !s.Stake.contains(p.Stake) {
			return Reject(ReasonStakeBounds)
		}
	}
	return nil
}

// normalizeConfig applies defaults and sanity-checks a session config.
func normalizeConfig(cfg SessionConfig) (SessionConfig, error) {
	if cfg.Type == "" {
		cfg.Type = TypeDuel
	}
	if cfg.MaxPlayers <= 0 {
		return cfg, fmt.Errorf("maxPlayers must be positive, got %d", cfg.MaxPlayers)
	}
	if cfg.MinPlayers <= 0 {
		cfg.MinPlayers = 2
	}
	if cfg.MinPlayers > cfg.MaxPlayers {
		return cfg, fmt.Errorf("minPlayers %d exceeds maxPlayers %d", cfg.MinPlayers, cfg.MaxPlayers)
	}
	if cfg.Stake.Max != 0 && cfg.Stake.Min > cfg.Stake.Max {
		return cfg, fmt.Errorf("stake min %d exceeds max %d", cfg.Stake.Min, cfg.Stake.Max)
	}
	return cfg, nil
}
