package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/farm-engine/internal/api"
	"github.com/atmx/farm-engine/internal/asset"
	"github.com/atmx/farm-engine/internal/config"
	"github.com/atmx/farm-engine/internal/engine"
	"github.com/atmx/farm-engine/internal/farm"
	"github.com/atmx/farm-engine/internal/fixedpoint"
	"github.com/atmx/farm-engine/internal/funder"
	"github.com/atmx/farm-engine/internal/ledger"
	"github.com/atmx/farm-engine/internal/recorder"
	"github.com/atmx/farm-engine/internal/staking"
	"github.com/atmx/farm-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		st = pg
		log.Info().Msg("connected to PostgreSQL")
		log.Warn().Msg("token balances live in memory and are not persisted; fund the reserve and mint balances again after a restart")

		if cfg.Database.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Database.RedisURL)
			if err != nil {
				log.Fatal().Err(err).Msg("invalid REDIS_URL")
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Database.CacheTTL)
			log.Info().Dur("ttl", cfg.Database.CacheTTL).Msg("Redis cache enabled")
		}
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Activity journal ---
	var rec recorder.Recorder = recorder.NewNoopRecorder()
	if cfg.Database.SQLitePath != "" {
		sq, err := recorder.NewSQLiteRecorder(cfg.Database.SQLitePath, log)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Database.SQLitePath).Msg("open activity journal")
		}
		rec = sq
		log.Info().Str("path", cfg.Database.SQLitePath).Msg("activity journal enabled")
	}
	cleanup = append(cleanup, func() { rec.Close() })

	// --- Ledger ---
	book, err := newBook(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("register tokens")
	}

	// --- Components ---
	f, err := farm.New(cfg.FarmConfig(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("farm config")
	}
	s, err := staking.New(cfg.StakingConfig(), engine.BoostListener(f), log)
	if err != nil {
		log.Fatal().Err(err).Msg("staking config")
	}

	hub := api.NewWSHub(log)
	go hub.Run(ctx)

	eng := engine.New(st, book, f, s, log, engine.WithRecorder(rec), engine.WithBroadcaster(hub))
	if err := seed(ctx, cfg, eng, book, log); err != nil {
		log.Fatal().Err(err).Msg("seed engine state")
	}

	if cfg.Funder.Enabled {
		prefund, _ := cfg.Prefund()
		fu := funder.New(eng, funder.Config{Schedule: cfg.Funder.Schedule, Prefund: prefund}, nil, log)
		if err := fu.Start(); err != nil {
			log.Fatal().Err(err).Msg("start funder")
		}
		cleanup = append(cleanup, fu.Stop)
	}

	// --- Server ---
	handler := api.NewHandler(eng, hub, cfg.Auth.AdminToken, log)
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("farm-engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down farm-engine...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("farm-engine stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "farm-engine").Logger()
}

// newBook registers the reward, escrow and stake tokens plus any extra
// tokens and pool principals named in the config.
func newBook(cfg *config.Config) (*ledger.Book, error) {
	caps := make(map[string]decimal.Decimal, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		limit, err := t.MaxSupplyAmount()
		if err != nil {
			return nil, err
		}
		caps[t.Symbol] = limit
	}

	book := ledger.NewBook()
	if err := book.Register(ledger.TokenSpec{Symbol: cfg.Farm.RewardToken, Transferable: true, MaxSupply: caps[cfg.Farm.RewardToken]}); err != nil {
		return nil, err
	}
	if err := book.Register(ledger.TokenSpec{Symbol: cfg.Farm.EscrowToken, Transferable: false}); err != nil {
		return nil, err
	}
	if cfg.Staking.StakeToken != cfg.Farm.RewardToken {
		if err := book.Register(ledger.TokenSpec{Symbol: cfg.Staking.StakeToken, Transferable: true, MaxSupply: caps[cfg.Staking.StakeToken]}); err != nil {
			return nil, err
		}
	}
	for _, t := range cfg.Tokens {
		err := book.Register(ledger.TokenSpec{Symbol: t.Symbol, Transferable: true, MaxSupply: caps[t.Symbol]})
		if err != nil && !errors.Is(err, ledger.ErrTokenExists) {
			return nil, err
		}
	}
	for _, p := range cfg.Farm.Pools {
		symbol, err := asset.Normalise(p.Token)
		if err != nil {
			return nil, err
		}
		book.EnsureRegistered(symbol)
	}
	return book, nil
}

// seed creates the staking state and the configured pools on first start.
// State that already exists is left alone, but persisted pools get their
// principal token registered in the in-memory book.
func seed(ctx context.Context, cfg *config.Config, eng *engine.Engine, book *ledger.Book, log zerolog.Logger) error {
	params, err := cfg.StakingParams()
	if err != nil {
		return err
	}
	if _, err := eng.InitStaking(ctx, params); err != nil {
		return err
	}

	owner := eng.Owner()
	fs, err := eng.FarmState(ctx)
	if err != nil {
		return err
	}
	rate, _ := cfg.RewardPerSecond()
	if fs.RewardPerSecond.IsZero() && rate.IsPositive() {
		if _, err := eng.SetRewardRate(ctx, owner, rate); err != nil {
			return err
		}
		log.Info().Str("rate", rate.String()).Msg("reward rate seeded")
	}

	pools, err := eng.Pools(ctx)
	if err != nil {
		return err
	}
	existing := make(map[string]bool, len(pools))
	for _, p := range pools {
		existing[p.PrincipalToken] = true
		book.EnsureRegistered(p.PrincipalToken)
	}
	for _, pc := range cfg.Farm.Pools {
		symbol, err := asset.Normalise(pc.Token)
		if err != nil {
			return err
		}
		if existing[symbol] {
			continue
		}
		alloc, err := fixedpoint.ParseAmount(pc.AllocPoint)
		if err != nil {
			return err
		}
		if _, err := eng.AddPool(ctx, owner, symbol, alloc, pc.Boosted); err != nil {
			return err
		}
	}
	return nil
}
