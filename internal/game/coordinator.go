package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// BalanceReader checks player solvency before a stake-affecting action is
// accepted. Implemented by the ledger adapter.
type BalanceReader interface {
	ReadBalance(ctx context.Context, wallet string) (int64, error)
}

// Settler receives finished-session outcomes for durable, idempotent
// settlement. Implemented by the ledger adapter's commit queue.
type Settler interface {
	Enqueue(sessionID string, outcomes []Outcome)
}

// Publisher fans a session update out to connected subscribers. The
// coordinator is the only writer for a session's event stream.
type Publisher interface {
	PublishEvent(s Session, ev ActionEvent)
}

// Notifier delivers out-of-band notifications to players.
type Notifier interface {
	Push(n Notification)
}

// FairnessRequester kicks off a detached scoring run. Implementations must
// not block; the result comes back through ApplyAnalysis.
type FairnessRequester interface {
	ScoreAsync(s Session, playerID string)
}

// CoordinatorConfig carries the timing policy for the session state machine.
type CoordinatorConfig struct {
	// Countdown is how long after minPlayers is reached a waiting session
	// auto-starts without an explicit start.
	Countdown time.Duration
	// Grace is how long a disconnected player keeps their seat.
	Grace time.Duration
	// EmptyTimeout cancels a waiting session that has had no players for
	// this long.
	EmptyTimeout time.Duration
	// MaxDuration force-finishes an active session, highest score wins.
	MaxDuration time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.Countdown <= 0 {
		c.Countdown = 30 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	if c.EmptyTimeout <= 0 {
		c.EmptyTimeout = 5 * time.Minute
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = time.Hour
	}
	return c
}

// Coordinator drives sessions through waiting → active → finished/cancelled,
// enforcing action legality and assigning sequence numbers. All state changes
// go through the registry's mutation choke point.
type Coordinator struct {
	registry *Registry
	balances BalanceReader
	settler  Settler
	pub      Publisher
	notify   Notifier
	fairness FairnessRequester
	cfg      CoordinatorConfig
	logger   *slog.Logger

	now func() time.Time
}

func NewCoordinator(reg *Registry, balances BalanceReader, settler Settler, pub Publisher, notify Notifier, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		registry: reg,
		balances: balances,
		settler:  settler,
		pub:      pub,
		notify:   notify,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetFairness wires the scorer after construction; the scorer needs the
// coordinator to submit results back, so the two are linked post-hoc.
func (c *Coordinator) SetFairness(f FairnessRequester) { c.fairness = f }

// CreateSession registers a new waiting session.
func (c *Coordinator) CreateSession(cfg SessionConfig) (Session, error) {
	s, err := c.registry.Create(cfg)
	if err != nil {
		return Session{}, err
	}
	c.logger.Info("session created", "session_id", s.ID, "game_type", s.Type, "max_players", s.MaxPlayers)
	return s, nil
}

// JoinRequest is the shape of a join action.
type JoinRequest struct {
	PlayerID string
	Wallet   string
	Name     string
	Stake    int64
}

// Join adds a player to a waiting session. The stake is validated against the
// session bounds and the player's ledger balance before the mutation is
// attempted. When the session fills up it starts immediately; when minPlayers
// is reached the countdown to auto-start begins.
func (c *Coordinator) Join(ctx context.Context, sessionID string, req JoinRequest) (Session, error) {
	if req.PlayerID == "" {
		req.PlayerID = uuid.NewString()
	}
	if req.Stake > 0 {
		balance, err := c.balances.ReadBalance(ctx, req.Wallet)
		if err != nil {
			return Session{}, fmt.Errorf("reading balance for %s: %w", req.Wallet, err)
		}
		if balance < req.Stake {
			return Session{}, Reject(ReasonInsufficient)
		}
	}

	now := c.now()
	var ev ActionEvent
	s, err := c.registry.MutateRetry(ctx, sessionID, func(s *Session) error {
		if s.State != StateWaiting {
			return Reject(ReasonNotJoinable)
		}
		if s.PlayerIndex(req.PlayerID) >= 0 {
			return Reject(ReasonAlreadyJoined)
		}
		if len(s.Players) >= s.MaxPlayers {
			return Reject(ReasonSessionFull)
		}
		if (req.Stake > 0 || s.Stake.Min > 0) && !s.Stake.contains(req.Stake) {
			return Reject(ReasonStakeBounds)
		}

		s.Players = append(s.Players, Player{
			ID:        req.PlayerID,
			Wallet:    req.Wallet,
			Name:      req.Name,
			Stake:     req.Stake,
			LastSeen:  now,
			Connected: true,
		})
		s.Pot += req.Stake

		payload, _ := json.Marshal(map[string]any{"playerId": req.PlayerID, "name": req.Name, "stake": req.Stake})
		ev = s.appendEvent(ActionJoin, req.PlayerID, payload, now)

		if len(s.Players) >= s.MinPlayers && s.ReadyAt == nil {
			t := now
			s.ReadyAt = &t
		}
		if len(s.Players) == s.MaxPlayers {
			s.appendEvent(ActionStart, "", nil, now)
			c.begin(s, now)
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	c.pub.PublishEvent(s, ev)
	c.publishTail(s, ev.Sequence)
	return s, nil
}

// Start begins play explicitly. Only the session owner (first player) may
// start, and only once minPlayers is reached.
func (c *Coordinator) Start(ctx context.Context, sessionID, actorID string) (Session, error) {
	now := c.now()
	var ev ActionEvent
	s, err := c.registry.MutateRetry(ctx, sessionID, func(s *Session) error {
		if s.State != StateWaiting {
			return Reject(ReasonNotWaiting)
		}
		if len(s.Players) == 0 || s.Players[0].ID != actorID {
			return Reject(ReasonNotOwner)
		}
		if len(s.Players) < s.MinPlayers {
			return Reject(ReasonNotEnoughPlayers)
		}
		ev = s.appendEvent(ActionStart, actorID, nil, now)
		c.begin(s, now)
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	c.pub.PublishEvent(s, ev)
	return s, nil
}

// begin flips a waiting session to active. Caller holds the session lock.
func (c *Coordinator) begin(s *Session, now time.Time) {
	s.State = StateActive
	t := now
	s.StartedAt = &t
}

// Leave removes a player. While waiting the stake is returned; once active
// the stake is forfeited to the pot, and if only one player remains the
// session finishes immediately with that player as winner.
func (c *Coordinator) Leave(ctx context.Context, sessionID, playerID string) (Session, error) {
	now := c.now()
	var (
		ev       ActionEvent
		finished bool
		outcomes []Outcome
	)
	s, err := c.registry.MutateRetry(ctx, sessionID, func(s *Session) error {
		if s.State.Terminal() {
			return Reject(ReasonBadTransition)
		}
		i := s.PlayerIndex(playerID)
		if i < 0 {
			return Reject(ReasonNotInSession)
		}

		leaving := s.Players[i]
		s.Players = append(s.Players[:i], s.Players[i+1:]...)
		forfeited := s.State == StateActive

		payload, _ := json.Marshal(map[string]any{"playerId": playerID, "forfeited": forfeited})
		ev = s.appendEvent(ActionLeave, playerID, payload, now)

		if !forfeited {
			// Stake returned; nothing was at risk yet.
			s.Pot -= leaving.Stake
			if len(s.Players) < s.MinPlayers {
				s.ReadyAt = nil
			}
			return nil
		}

		// Forfeit: the stake stays in the pot. Forfeiture only ever touches
		// the unsettled pot of this session; previously settled rounds are
		// out of reach.
		if leaving.Stake > 0 {
			s.Forfeits = append(s.Forfeits, Outcome{
				PlayerID: leaving.ID,
				Wallet:   leaving.Wallet,
				Delta:    -leaving.Stake,
				Result:   "loss",
			})
		}
		if len(s.Players) == 1 {
			outcomes = c.conclude(s, s.Players[0].ID, now)
			finished = true
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	c.pub.PublishEvent(s, ev)
	c.publishTail(s, ev.Sequence)
	if finished {
		c.settle(s, outcomes)
	}
	return s, nil
}

// MovePayload is the payload of a move action. Winning declares the win
// condition met; the engine trusts it only after fairness annotation.
type MovePayload struct {
	Points  int  `json:"points"`
	Winning bool `json:"winning"`
}

// Move applies a validated game move. A winning move finishes the session
// with the actor as winner. Accepted moves trigger a detached fairness run.
func (c *Coordinator) Move(ctx context.Context, sessionID, playerID string, raw json.RawMessage) (Session, error) {
	var mv MovePayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &mv); err != nil {
			return Session{}, Reject(ReasonBadPayload)
		}
	}

	now := c.now()
	var (
		ev       ActionEvent
		finished bool
		outcomes []Outcome
	)
	s, err := c.registry.MutateRetry(ctx, sessionID, func(s *Session) error {
		if s.State != StateActive {
			return Reject(ReasonNotActive)
		}
		i := s.PlayerIndex(playerID)
		if i < 0 {
			return Reject(ReasonNotInSession)
		}

		s.Players[i].Score += mv.Points
		s.Players[i].LastSeen = now
		ev = s.appendEvent(ActionMove, playerID, raw, now)

		if mv.Winning {
			outcomes = c.conclude(s, playerID, now)
			finished = true
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	c.pub.PublishEvent(s, ev)
	c.publishTail(s, ev.Sequence)
	if c.fairness != nil {
		c.fairness.ScoreAsync(s, playerID)
	}
	if finished {
		c.settle(s, outcomes)
	}
	return s, nil
}

// Bet raises a player's stake. The new total must stay inside the session
// bounds and within the player's ledger balance.
func (c *Coordinator) Bet(ctx context.Context, sessionID, playerID string, amount int64) (Session, error) {
	if amount <= 0 {
		return Session{}, Reject(ReasonBadPayload)
	}

	pre, err := c.registry.Get(sessionID)
	if err != nil {
		return Session{}, err
	}
	i := pre.PlayerIndex(playerID)
	if i < 0 {
		return Session{}, Reject(ReasonNotInSession)
	}
	balance, err := c.balances.ReadBalance(ctx, pre.Players[i].Wallet)
	if err != nil {
		return Session{}, fmt.Errorf("reading balance for %s: %w", pre.Players[i].Wallet, err)
	}

	now := c.now()
	var ev ActionEvent
	s, err := c.registry.MutateRetry(ctx, sessionID, func(s *Session) error {
		if s.State != StateActive {
			return Reject(ReasonNotActive)
		}
		i := s.PlayerIndex(playerID)
		if i < 0 {
			return Reject(ReasonNotInSession)
		}
		next := s.Players[i].Stake + amount
		if !s.Stake.contains(next) {
			return Reject(ReasonStakeBounds)
		}
		if balance < next {
			return Reject(ReasonInsufficient)
		}

		s.Players[i].Stake = next
		s.Players[i].LastSeen = now
		s.Pot += amount

		payload, _ := json.Marshal(map[string]any{"playerId": playerID, "amount": amount, "stake": next})
		ev = s.appendEvent(ActionBet, playerID, payload, now)
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	c.pub.PublishEvent(s, ev)
	if c.fairness != nil {
		c.fairness.ScoreAsync(s, playerID)
	}
	return s, nil
}

// Cancel aborts a waiting session. Stakes were never at risk, so no ledger
// write is issued.
func (c *Coordinator) Cancel(ctx context.Context, sessionID, reason string) (Session, error) {
	now := c.now()
	var ev ActionEvent
	s, err := c.registry.MutateRetry(ctx, sessionID, func(s *Session) error {
		if s.State != StateWaiting {
			return Reject(ReasonNotWaiting)
		}
		s.State = StateCancelled
		t := now
		s.EndedAt = &t

		payload, _ := json.Marshal(map[string]any{"reason": reason})
		ev = s.appendEvent(ActionCancel, "", payload, now)
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	c.pub.PublishEvent(s, ev)
	c.notifyAll(s, "session_cancelled", "info", map[string]any{"reason": reason})
	return s, nil
}

// ForceCancel cancels a session regardless of state. Stakes are never
// debited before settlement, so cancelling an active session produces no
// ledger movement. Operator use only.
func (c *Coordinator) ForceCancel(ctx context.Context, sessionID, reason string) (Session, error) {
	now := c.now()
	var ev ActionEvent
	s, err := c.registry.MutateRetry(ctx, sessionID, func(s *Session) error {
		if s.State.Terminal() {
			return Reject(ReasonBadTransition)
		}
		s.State = StateCancelled
		t := now
		s.EndedAt = &t

		payload, _ := json.Marshal(map[string]any{"reason": reason, "forced": true})
		ev = s.appendEvent(ActionCancel, "", payload, now)
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	c.pub.PublishEvent(s, ev)
	c.notifyAll(s, "session_cancelled", "warning", map[string]any{"reason": reason})
	return s, nil
}

// conclude finishes a session and computes outcomes, appending the sequenced
// settle event. Caller holds the lock. The winner nets the pot minus their
// own stake; everyone else, including earlier forfeits, loses their stake.
// The session is finished in memory regardless of whether the ledger write
// has landed yet.
func (c *Coordinator) conclude(s *Session, winnerID string, now time.Time) []Outcome {
	s.State = StateFinished
	s.Winner = winnerID
	t := now
	s.EndedAt = &t

	outcomes := make([]Outcome, 0, len(s.Players)+len(s.Forfeits))
	for i := range s.Players {
		p := s.Players[i]
		o := Outcome{PlayerID: p.ID, Wallet: p.Wallet}
		if p.ID == winnerID {
			o.Delta = s.Pot - p.Stake
			o.Result = "win"
		} else {
			o.Delta = -p.Stake
			o.Result = "loss"
		}
		outcomes = append(outcomes, o)
	}
	outcomes = append(outcomes, s.Forfeits...)

	payload, _ := json.Marshal(map[string]any{"winner": winnerID, "pot": s.Pot})
	s.appendEvent(ActionSettle, "", payload, now)
	return outcomes
}

// settle hands outcomes to the settlement queue and notifies players. Runs
// outside the session lock.
func (c *Coordinator) settle(s Session, outcomes []Outcome) {
	c.logger.Info("session finished", "session_id", s.ID, "winner", s.Winner, "pot", s.Pot)
	if len(outcomes) > 0 {
		c.settler.Enqueue(s.ID, outcomes)
	}
	c.notifyAll(s, "session_finished", "info", map[string]any{"winner": s.Winner, "pot": s.Pot})
}

func (c *Coordinator) notifyAll(s Session, typ, severity string, payload map[string]any) {
	if c.notify == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	for i := range s.Players {
		c.notify.Push(Notification{
			ID:        uuid.NewString(),
			PlayerID:  s.Players[i].ID,
			Type:      typ,
			Severity:  severity,
			Payload:   raw,
			CreatedAt: c.now(),
		})
	}
}

// publishTail emits any events appended after ev in the same mutation (for
// example an auto-start folded into a join) so subscribers never skip them.
func (c *Coordinator) publishTail(s Session, after uint64) {
	for _, ev := range s.Events {
		if ev.Sequence > after {
			c.pub.PublishEvent(s, ev)
		}
	}
}

// Touch refreshes a player's liveness timestamp and connection flag.
func (c *Coordinator) Touch(ctx context.Context, sessionID, playerID string, connected bool) error {
	now := c.now()
	_, err := c.registry.MutateRetry(ctx, sessionID, func(s *Session) error {
		i := s.PlayerIndex(playerID)
		if i < 0 {
			return Reject(ReasonNotInSession)
		}
		if connected {
			s.Players[i].LastSeen = now
		}
		s.Players[i].Connected = connected
		return nil
	})
	return err
}

// ApplyAnalysis submits a fairness result back through the mutation path and
// broadcasts it as a sequenced annotation. Analyses arriving after the
// session left the registry are dropped; play never waits for scoring.
func (c *Coordinator) ApplyAnalysis(ctx context.Context, a Analysis) error {
	now := c.now()
	var ev ActionEvent
	s, err := c.registry.MutateRetry(ctx, a.SessionID, func(s *Session) error {
		s.Analyses = append(s.Analyses, a)
		payload, _ := json.Marshal(a)
		ev = s.appendEvent(ActionFairness, a.PlayerID, payload, now)
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		c.logger.Debug("analysis dropped, session gone", "session_id", a.SessionID)
		return nil
	}
	if err != nil {
		return err
	}

	c.pub.PublishEvent(s, ev)
	if len(a.Flags) > 0 && c.notify != nil {
		payload, _ := json.Marshal(map[string]any{"flags": a.Flags, "consensus": a.Consensus})
		c.notify.Push(Notification{
			ID:        uuid.NewString(),
			PlayerID:  a.PlayerID,
			Type:      "fairness_flag",
			Severity:  "warning",
			Payload:   payload,
			CreatedAt: now,
		})
		c.logger.Warn("fairness flag raised", "session_id", a.SessionID, "player_id", a.PlayerID, "consensus", a.Consensus, "flags", a.Flags)
	}
	return nil
}

// Sweep enforces the time-based transitions: countdown auto-start, grace
// period leaves for disconnected players, empty-session cancellation and
// active-session timeouts. Run periodically by the scheduler.
func (c *Coordinator) Sweep(ctx context.Context) {
	now := c.now()
	for _, snap := range c.registry.List() {
		switch snap.State {
		case StateWaiting:
			if len(snap.Players) == 0 && now.Sub(snap.CreatedAt) > c.cfg.EmptyTimeout {
				if _, err := c.Cancel(ctx, snap.ID, "empty_timeout"); err != nil && !errors.Is(err, ErrNotFound) {
					c.logger.Error("sweep cancel failed", "session_id", snap.ID, "error", err)
				}
				continue
			}
			if snap.ReadyAt != nil && now.Sub(*snap.ReadyAt) > c.cfg.Countdown {
				c.startByCountdown(ctx, snap.ID)
			}
		case StateActive:
			c.sweepActive(ctx, snap, now)
		}
	}
}

func (c *Coordinator) startByCountdown(ctx context.Context, sessionID string) {
	now := c.now()
	var ev ActionEvent
	s, err := c.registry.MutateRetry(ctx, sessionID, func(s *Session) error {
		if s.State != StateWaiting || len(s.Players) < s.MinPlayers {
			return Reject(ReasonNotEnoughPlayers)
		}
		ev = s.appendEvent(ActionStart, "", nil, now)
		c.begin(s, now)
		return nil
	})
	if err != nil {
		if _, rejected := RejectionCode(err); !rejected {
			c.logger.Error("countdown start failed", "session_id", sessionID, "error", err)
		}
		return
	}
	c.logger.Info("session auto-started", "session_id", s.ID)
	c.pub.PublishEvent(s, ev)
}

func (c *Coordinator) sweepActive(ctx context.Context, snap Session, now time.Time) {
	// Grace-expired disconnects become leave actions.
	for i := range snap.Players {
		p := snap.Players[i]
		if !p.Connected && now.Sub(p.LastSeen) > c.cfg.Grace {
			if _, err := c.Leave(ctx, snap.ID, p.ID); err != nil {
				if _, rejected := RejectionCode(err); !rejected && !errors.Is(err, ErrNotFound) {
					c.logger.Error("grace leave failed", "session_id", snap.ID, "player_id", p.ID, "error", err)
				}
			} else {
				c.logger.Info("player timed out", "session_id", snap.ID, "player_id", p.ID)
			}
		}
	}

	// Session timeout: highest score wins.
	if snap.StartedAt != nil && now.Sub(*snap.StartedAt) > c.cfg.MaxDuration {
		var outcomes []Outcome
		before := snap.NextSeq
		s, err := c.registry.MutateRetry(ctx, snap.ID, func(s *Session) error {
			if s.State != StateActive {
				return Reject(ReasonNotActive)
			}
			before = s.NextSeq
			winner := ""
			best := -1
			for i := range s.Players {
				if s.Players[i].Score > best {
					best = s.Players[i].Score
					winner = s.Players[i].ID
				}
			}
			outcomes = c.conclude(s, winner, now)
			return nil
		})
		if err != nil {
			if _, rejected := RejectionCode(err); !rejected && !errors.Is(err, ErrNotFound) {
				c.logger.Error("timeout finish failed", "session_id", snap.ID, "error", err)
			}
			return
		}
		c.logger.Info("session timed out", "session_id", s.ID, "winner", s.Winner)
		c.publishTail(s, before-1)
		c.settle(s, outcomes)
	}
}

// Registry exposes the underlying registry for read paths.
func (c *Coordinator) Registry() *Registry { return c.registry }
