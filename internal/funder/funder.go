// Package funder simulates the upstream reward distributor: on a schedule it
// mints the reward tokens the farm has emitted since the last top-up into
// the farm's reward reserve. It never touches accumulators.
package funder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/farm-engine/internal/model"
)

// DefaultSchedule tops up every 30 seconds.
const DefaultSchedule = "@every 30s"

// Target is the farm side of the funder.
type Target interface {
	FarmState(ctx context.Context) (*model.FarmState, error)
	FundReserve(ctx context.Context, amount decimal.Decimal) error
}

// Config controls the schedule and the first top-up.
type Config struct {
	Schedule string          // cron spec with seconds, or a descriptor
	Prefund  decimal.Decimal // minted on the first run
}

// Funder mints rewardPerSecond * elapsed on every run.
type Funder struct {
	target Target
	cfg    Config
	cron   *cron.Cron
	clock  func() time.Time
	log    zerolog.Logger

	mu      sync.Mutex
	started bool
	last    int64
}

// New creates a funder. clock may be nil for time.Now.
func New(target Target, cfg Config, clock func() time.Time, log zerolog.Logger) *Funder {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if clock == nil {
		clock = time.Now
	}
	return &Funder{
		target: target,
		cfg:    cfg,
		cron:   cron.New(cron.WithSeconds()),
		clock:  clock,
		log:    log.With().Str("component", "funder").Logger(),
	}
}

// Start registers the job and starts the scheduler.
func (f *Funder) Start() error {
	if _, err := f.cron.AddFunc(f.cfg.Schedule, f.run); err != nil {
		return fmt.Errorf("register funder job: %w", err)
	}
	f.cron.Start()
	f.log.Info().Str("schedule", f.cfg.Schedule).Msg("funder started")
	return nil
}

// Stop stops the scheduler and waits for a running job.
func (f *Funder) Stop() {
	<-f.cron.Stop().Done()
	f.log.Info().Msg("funder stopped")
}

func (f *Funder) run() {
	if _, err := f.FundOnce(context.Background()); err != nil {
		f.log.Error().Err(err).Msg("reserve top-up failed")
	}
}

// FundOnce performs one top-up and returns the amount minted. A failed
// top-up is retried in full by the next run.
func (f *Funder) FundOnce(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock().Unix()
	amount := f.cfg.Prefund
	if f.started {
		if now <= f.last {
			return decimal.Zero, nil
		}
		fs, err := f.target.FarmState(ctx)
		if err != nil {
			return decimal.Zero, fmt.Errorf("read reward rate: %w", err)
		}
		amount = fs.RewardPerSecond.Mul(decimal.NewFromInt(now - f.last))
	}

	if amount.IsPositive() {
		if err := f.target.FundReserve(ctx, amount); err != nil {
			return decimal.Zero, err
		}
		f.log.Info().Str("amount", amount.String()).Int64("at", now).Msg("reward reserve funded")
	}
	f.started = true
	f.last = now
	return amount, nil
}
