// Package engine composes the reward farm, its boost overlay and the escrow
// staking module behind one serialized facade. Every mutating call runs in
// its own unit of work: it either commits completely or leaves the ledger
// and the store exactly as they were.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/farm-engine/internal/farm"
	"github.com/atmx/farm-engine/internal/ledger"
	"github.com/atmx/farm-engine/internal/metrics"
	"github.com/atmx/farm-engine/internal/model"
	"github.com/atmx/farm-engine/internal/recorder"
	"github.com/atmx/farm-engine/internal/staking"
	"github.com/atmx/farm-engine/internal/store"
	"github.com/atmx/farm-engine/internal/txn"
)

// ErrUnauthorized is returned for owner-only ledger administration.
var ErrUnauthorized = errors.New("engine: caller is not the owner")

// Broadcaster receives committed activities, e.g. a WebSocket hub.
type Broadcaster interface {
	Broadcast(a model.Activity)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now. Tests use it to pin block time.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithRecorder journals committed activities.
func WithRecorder(r recorder.Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

// WithBroadcaster publishes committed activities.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.hub = b }
}

// Engine serializes every operation behind one mutex, so each call observes
// a single timestamp and a consistent view of all pools and accounts.
type Engine struct {
	mu      sync.Mutex
	store   store.Store
	book    *ledger.Book
	farm    *farm.Farm
	staking *staking.Staking
	rec     recorder.Recorder
	hub     Broadcaster
	clock   func() time.Time
	lastNow int64
	log     zerolog.Logger
}

// New creates an engine. The staking module should have been built with
// BoostListener(f) so escrow changes reach the farm.
func New(st store.Store, book *ledger.Book, f *farm.Farm, s *staking.Staking, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		book:    book,
		farm:    f,
		staking: s,
		rec:     recorder.NewNoopRecorder(),
		clock:   time.Now,
		log:     log.With().Str("component", "engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BoostListener adapts the farm's boost overlay to the staking module's
// escrow notifications. The unit of work must carry farm state too.
func BoostListener(f *farm.Farm) staking.EscrowListener {
	return boostListener{farm: f}
}

type boostListener struct{ farm *farm.Farm }

func (l boostListener) OnEscrowBalanceChanged(ctx context.Context, tx staking.Tx, user string, balance decimal.Decimal, now int64) error {
	ftx, ok := tx.(farm.Tx)
	if !ok {
		return fmt.Errorf("engine: %T does not carry farm state", tx)
	}
	return l.farm.OnEscrowBalanceChanged(ctx, ftx, user, balance, now)
}

// Owner is the account allowed to administer the farm and staking module.
func (e *Engine) Owner() string { return e.farm.Config().Owner }

// Now is the engine's current block time.
func (e *Engine) Now() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick()
}

// tick reads the clock without letting time run backwards. Caller holds mu.
func (e *Engine) tick() int64 {
	now := e.clock().Unix()
	if now < e.lastNow {
		now = e.lastNow
	}
	e.lastNow = now
	return now
}

// update runs fn in a fresh unit of work and commits it.
func (e *Engine) update(ctx context.Context, kind string, fn func(tx *txn.Tx, now int64) error) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.tick()
	tx := txn.Begin(e.store, e.book)
	if err := fn(tx, now); err != nil {
		tx.Rollback()
		e.observe(kind, "rejected", start)
		e.log.Debug().Err(err).Str("op", kind).Int64("at", now).Msg("operation rejected")
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		e.observe(kind, "failed", start)
		e.log.Error().Err(err).Str("op", kind).Msg("commit failed, ledger reverted")
		return fmt.Errorf("commit %s: %w", kind, err)
	}
	e.publish(ctx, tx)
	e.observe(kind, "ok", start)
	return nil
}

// view runs fn on a unit of work that is never committed.
func (e *Engine) view(ctx context.Context, fn func(tx *txn.Tx, now int64) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := txn.Begin(e.store, e.book)
	defer tx.Rollback()
	return fn(tx, e.tick())
}

func (e *Engine) observe(kind, outcome string, start time.Time) {
	metrics.OperationsTotal.WithLabelValues(kind, outcome).Inc()
	metrics.OperationLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// publish journals, measures and broadcasts what a committed tx did. None
// of it can fail the operation any more.
func (e *Engine) publish(ctx context.Context, tx *txn.Tx) {
	activities := tx.Activities()
	if err := e.rec.Record(ctx, activities); err != nil {
		metrics.RecorderFailures.Inc()
		e.log.Warn().Err(err).Int("activities", len(activities)).Msg("activity journal write failed")
	}

	for _, a := range activities {
		switch a.Kind {
		case model.KindDeposit, model.KindWithdraw, model.KindHarvest:
			if a.Reward.IsPositive() {
				metrics.RewardsPaid.WithLabelValues(a.PoolID).Add(a.Reward.InexactFloat64())
			}
		case model.KindEscrowMint:
			metrics.EscrowMinted.Add(a.Amount.InexactFloat64())
		case model.KindEscrowBurn:
			metrics.EscrowBurned.Add(a.Amount.InexactFloat64())
		case model.KindFund:
			metrics.ReserveFunded.Add(a.Amount.InexactFloat64())
		}
		if e.hub != nil {
			e.hub.Broadcast(a)
		}
	}

	cs := tx.Changeset()
	for _, p := range cs.Pools {
		metrics.PoolPrincipal.WithLabelValues(p.ID).Set(p.TotalPrincipal.InexactFloat64())
		metrics.PoolEffectiveShare.WithLabelValues(p.ID).Set(p.TotalEffectiveShare.InexactFloat64())
	}
	if cs.StakingState != nil {
		metrics.TotalStaked.Set(cs.StakingState.TotalStaked.InexactFloat64())
	}
}
