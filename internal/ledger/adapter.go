package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/playversus/arena/internal/game"
	"github.com/playversus/arena/internal/metrics"
)

// API is the ledger surface the adapter needs; satisfied by *Client and by
// test fakes.
type API interface {
	Balance(ctx context.Context, wallet string) (int64, error)
	Commit(ctx context.Context, sessionID string, outcomes []game.Outcome) (string, error)
	TransactionBySession(ctx context.Context, sessionID string) (string, error)
}

// SettlementStore persists committed transaction references. It is the
// durable idempotency backstop behind the Redis fast path.
type SettlementStore interface {
	SettlementTxRef(ctx context.Context, sessionID string) (string, error)
	RecordSettlement(ctx context.Context, sessionID, txRef string, outcomes []game.Outcome) error
}

const (
	balanceCacheTTL   = 10 * time.Second
	settleBackoffBase = time.Second
	settleBackoffMax  = time.Minute
	// alertAttempts is how many failed commits fire the operator alert.
	// Retrying continues afterwards; the session stays finished in memory
	// but is not considered settled until the write lands.
	alertAttempts = 10
)

type settleJob struct {
	sessionID string
	outcomes  []game.Outcome
	attempts  int
	alerted   bool
}

// Adapter implements game.BalanceReader and game.Settler on top of the
// ledger API, with a Redis balance cache and an idempotent retry queue for
// outcome commits.
type Adapter struct {
	api    API
	rdb    *redis.Client
	store  SettlementStore
	met    *metrics.Metrics
	logger *slog.Logger

	queue chan settleJob
	// OnSettled runs after a commit is confirmed; the server uses it to
	// archive the session and release its registry slot.
	OnSettled func(ctx context.Context, sessionID, txRef string)
}

func NewAdapter(api API, rdb *redis.Client, store SettlementStore, met *metrics.Metrics, logger *slog.Logger) *Adapter {
	return &Adapter{
		api:    api,
		rdb:    rdb,
		store:  store,
		met:    met,
		logger: logger,
		queue:  make(chan settleJob, 256),
	}
}

// ReadBalance serves from the Redis cache when fresh, otherwise hits the
// ledger and caches the result briefly.
func (a *Adapter) ReadBalance(ctx context.Context, wallet string) (int64, error) {
	key := "arena:balance:" + wallet
	if a.rdb != nil {
		if cached, err := a.rdb.Get(ctx, key).Int64(); err == nil {
			return cached, nil
		}
	}

	balance, err := a.api.Balance(ctx, wallet)
	if err != nil {
		return 0, err
	}
	if a.rdb != nil {
		if err := a.rdb.Set(ctx, key, balance, balanceCacheTTL).Err(); err != nil {
			a.logger.Debug("balance cache write failed", "wallet", wallet, "error", err)
		}
	}
	return balance, nil
}

func (a *Adapter) txRefKey(sessionID string) string { return "arena:settlement:" + sessionID }

// CommitOutcome writes a session's outcomes exactly once. Duplicate calls
// for the same session return the recorded transaction reference without a
// second ledger write: the adapter checks its own records first, then asks
// the ledger for an existing transaction, and only then commits.
func (a *Adapter) CommitOutcome(ctx context.Context, sessionID string, outcomes []game.Outcome) (string, error) {
	if a.rdb != nil {
		if ref, err := a.rdb.Get(ctx, a.txRefKey(sessionID)).Result(); err == nil && ref != "" {
			return ref, nil
		}
	}
	if a.store != nil {
		if ref, err := a.store.SettlementTxRef(ctx, sessionID); err == nil && ref != "" {
			return ref, nil
		}
	}

	ref, err := a.api.TransactionBySession(ctx, sessionID)
	switch {
	case err == nil && ref != "":
		a.record(ctx, sessionID, ref, outcomes)
		return ref, nil
	case err != nil && !errors.Is(err, ErrNoTransaction):
		return "", err
	}

	ref, err = a.api.Commit(ctx, sessionID, outcomes)
	if err != nil {
		return "", err
	}
	a.record(ctx, sessionID, ref, outcomes)
	for _, o := range outcomes {
		a.met.Settlements.WithLabelValues(o.Result).Inc()
	}
	return ref, nil
}

func (a *Adapter) record(ctx context.Context, sessionID, ref string, outcomes []game.Outcome) {
	if a.rdb != nil {
		if err := a.rdb.Set(ctx, a.txRefKey(sessionID), ref, 0).Err(); err != nil {
			a.logger.Debug("settlement ref cache write failed", "session_id", sessionID, "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.RecordSettlement(ctx, sessionID, ref, outcomes); err != nil {
			a.logger.Error("recording settlement failed", "session_id", sessionID, "error", err)
			a.met.ErrorsTotal.WithLabelValues("ledger").Inc()
		}
	}
}

// Enqueue implements game.Settler: the commit happens on the retry worker,
// never on the game path.
func (a *Adapter) Enqueue(sessionID string, outcomes []game.Outcome) {
	select {
	case a.queue <- settleJob{sessionID: sessionID, outcomes: outcomes}:
	default:
		// Queue full: keep the game path non-blocking and alert loudly.
		a.logger.Error("settlement queue full, dropping to retry sweep", "session_id", sessionID)
		a.met.ErrorsTotal.WithLabelValues("ledger").Inc()
	}
}

// Run drains the settlement queue, retrying failed commits with capped
// exponential backoff until they succeed. Blocks until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-a.queue:
			a.process(ctx, job)
		}
	}
}

func (a *Adapter) process(ctx context.Context, job settleJob) {
	ref, err := a.CommitOutcome(ctx, job.sessionID, job.outcomes)
	if err == nil {
		a.logger.Info("session settled", "session_id", job.sessionID, "tx_ref", ref, "attempts", job.attempts+1)
		if a.OnSettled != nil {
			a.OnSettled(ctx, job.sessionID, ref)
		}
		return
	}

	job.attempts++
	a.met.SettlementRetry.Inc()
	if job.attempts >= alertAttempts && !job.alerted {
		job.alerted = true
		a.logger.Error("ALERT: settlement still failing, operator attention required",
			"session_id", job.sessionID, "attempts", job.attempts, "error", err)
		a.met.ErrorsTotal.WithLabelValues("ledger").Inc()
	} else {
		a.logger.Warn("settlement commit failed, will retry",
			"session_id", job.sessionID, "attempts", job.attempts, "error", err)
	}

	backoff := settleBackoffBase << min(job.attempts, 6)
	if backoff > settleBackoffMax {
		backoff = settleBackoffMax
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
			select {
			case a.queue <- job:
			case <-ctx.Done():
			}
		}
	}()
}
