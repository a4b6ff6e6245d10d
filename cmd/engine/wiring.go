package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/execguard/db/migrations"
	"github.com/coachpo/execguard/internal/app/bridge"
	"github.com/coachpo/execguard/internal/app/engine"
	"github.com/coachpo/execguard/internal/app/execution"
	"github.com/coachpo/execguard/internal/app/guard"
	"github.com/coachpo/execguard/internal/app/ledger"
	"github.com/coachpo/execguard/internal/app/recovery"
	"github.com/coachpo/execguard/internal/app/risk"
	"github.com/coachpo/execguard/internal/app/valuation"
	"github.com/coachpo/execguard/internal/domain/guardstore"
	"github.com/coachpo/execguard/internal/domain/orderstore"
	"github.com/coachpo/execguard/internal/domain/runstore"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/infra/config"
	"github.com/coachpo/execguard/internal/infra/persistence"
	"github.com/coachpo/execguard/internal/infra/persistence/memory"
	"github.com/coachpo/execguard/internal/infra/persistence/migrations"
	"github.com/coachpo/execguard/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/execguard/internal/infra/server/http"
	"github.com/coachpo/execguard/internal/infra/telemetry"
	"github.com/coachpo/execguard/internal/observability"
)

const poolMetricsName = "execguard"

type stores struct {
	orders orderstore.Store
	runs   runstore.Store
	guards guardstore.Store
	pool   *pgxpool.Pool
}

type components struct {
	cfg        config.AppConfig
	stores     stores
	redis      *redis.Client
	bridge     *bridge.Client
	guard      *guard.Guard
	ledger     *ledger.Ledger
	channel    execution.Channel
	live       *execution.Live
	broker     *execution.Broker
	dispatcher *execution.Dispatcher
	recovery   *recovery.Scheduler
	service    *engine.Service
}

func buildComponents(ctx context.Context, logger *log.Logger, cfg config.AppConfig, inst *telemetry.Instruments) (*components, error) {
	named := func(component string) observability.Logger {
		return observability.With(observability.Log(), observability.F("component", component))
	}
	c := &components{cfg: cfg}

	st, err := openStores(ctx, logger, cfg.Database)
	if err != nil {
		return nil, err
	}
	c.stores = st

	cache := valuation.Cache(valuation.NewMemoryCache())
	if cfg.Redis.Enabled() {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = valuation.NewRedisCache(c.redis, cfg.Redis.Prefix, cfg.Redis.Expiration)
		logger.Printf("valuation cache: redis %s", cfg.Redis.Addr)
	}

	c.bridge, err = bridge.NewClient(bridgeConfig(cfg.Bridge), bridge.WithLogger(named("bridge")))
	if err != nil {
		return nil, fmt.Errorf("bridge client: %w", err)
	}

	source := valuation.NewSource(c.bridge, cfg.Valuation.StaleAfter,
		valuation.WithCache(cache),
		valuation.WithLogger(named("valuation")),
		valuation.WithInstruments(inst))

	guardCfg, err := guardConfig(cfg.Guard)
	if err != nil {
		return nil, fmt.Errorf("guard config: %w", err)
	}
	c.guard = guard.New(st.guards, source, guardCfg, guard.WithLogger(named("guard")), guard.WithInstruments(inst))
	for _, target := range cfg.Guard.Entities {
		mode, _ := schema.ParseMode(target.Mode)
		c.guard.Register(target.Entity, mode)
	}

	seed, err := cfg.Risk.Policy()
	if err != nil {
		return nil, fmt.Errorf("risk config: %w", err)
	}
	gate := risk.NewGate(st.runs,
		risk.WithSeedDefaults(seed),
		risk.WithTriggerRecorder(c.guard),
		risk.WithGateLogger(named("risk")),
		risk.WithGateInstruments(inst))

	c.ledger = ledger.New(st.orders, ledger.WithLogger(named("ledger")), ledger.WithInstruments(inst))

	if err := c.buildChannel(cfg.Execution, inst); err != nil {
		return nil, err
	}
	c.broker, err = execution.NewBroker(c.channel, c.ledger, c.guard, brokerConfig(cfg.Execution),
		execution.WithBrokerLogger(named("broker")),
		execution.WithBrokerInstruments(inst))
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	c.dispatcher = execution.NewDispatcher(c.ledger, cfg.Execution.Shards, cfg.Execution.EventBuffer,
		execution.WithDispatcherLogger(named("dispatcher")),
		execution.WithDispatcherInstruments(inst))

	deps := engine.Deps{
		Runs:      st.runs,
		Ledger:    c.ledger,
		Gate:      gate,
		Guard:     c.guard,
		Valuer:    source,
		Quotes:    c.bridge,
		Submitter: c.broker,
	}
	if cfg.Recovery.Enabled {
		recoveryCfg, err := recoveryConfig(cfg.Recovery)
		if err != nil {
			return nil, fmt.Errorf("recovery config: %w", err)
		}
		c.recovery = recovery.New(c.ledger, st.orders, c.broker, c.guard, c.bridge, recoveryCfg,
			recovery.WithLogger(named("recovery")),
			recovery.WithInstruments(inst))
		deps.Recovery = c.recovery
	}

	c.service, err = engine.New(deps, engine.WithLogger(named("engine")))
	if err != nil {
		return nil, fmt.Errorf("engine service: %w", err)
	}
	return c, nil
}

func openStores(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (stores, error) {
	if !cfg.Enabled() {
		logger.Print("database not configured; using in-memory stores")
		return stores{
			orders: memory.NewOrderStore(),
			runs:   memory.NewRunStore(),
			guards: memory.NewGuardStore(),
		}, nil
	}

	if cfg.RunMigrations {
		if err := migrations.Up(ctx, cfg.DSN, migrations.Embedded(dbmigrations.Files), logger); err != nil {
			return stores{}, fmt.Errorf("apply migrations: %w", err)
		}
	}

	pool, err := persistence.Open(ctx, persistence.PoolConfig{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
		ApplicationName:   poolMetricsName,
	})
	if err != nil {
		return stores{}, err
	}
	if _, err := postgres.ObservePoolMetrics(nil, pool, poolMetricsName); err != nil {
		logger.Printf("pool metrics unavailable: %v", err)
	}
	logger.Printf("database connected: maxConns=%d", cfg.MaxConns)

	pg := postgres.New(pool)
	return stores{orders: pg.Orders, runs: pg.Runs, guards: pg.Guards, pool: pool}, nil
}

func (c *components) buildChannel(cfg config.ExecutionConfig, inst *telemetry.Instruments) error {
	kind, ok := execution.ParseKind(cfg.Channel)
	if !ok {
		return fmt.Errorf("unknown execution channel %q", cfg.Channel)
	}
	switch kind {
	case execution.KindLive:
		live, err := execution.NewLive(liveConfig(cfg),
			execution.WithLiveLogger(observability.With(observability.Log(), observability.F("component", "live"))),
			execution.WithLiveInstruments(inst))
		if err != nil {
			return fmt.Errorf("live channel: %w", err)
		}
		c.live = live
		c.channel = live
	default:
		simCfg, err := simulatedConfig(cfg)
		if err != nil {
			return fmt.Errorf("simulated channel: %w", err)
		}
		c.channel = execution.NewSimulated(simCfg, c.bridge)
	}
	return nil
}

func (c *components) start(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger) {
	if c.live != nil {
		if err := c.live.Start(ctx); err != nil {
			// The connection loop keeps redialling; submissions fail as connectivity errors until then.
			logger.Printf("live channel not ready: %v", err)
		}
	}
	lifecycle.Go(func() {
		if err := c.dispatcher.Run(ctx, c.channel.Events()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("event dispatcher: %v", err)
		}
	})
	lifecycle.Go(func() {
		if err := c.guard.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("guard loop: %v", err)
		}
	})
	if c.recovery != nil {
		lifecycle.Go(func() {
			if err := c.recovery.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("recovery loop: %v", err)
			}
		})
	}
	logger.Printf("engine loops started: channel=%s, guard interval=%s, recovery=%t",
		c.channel.Name(), c.cfg.Guard.Interval, c.recovery != nil)
}

func (c *components) handler() http.Handler {
	opts := []httpserver.Option{httpserver.WithLogger(observability.Log())}
	if c.stores.pool != nil {
		opts = append(opts, httpserver.WithHealthCheck("postgres", c.stores.pool.Ping))
	}
	if c.redis != nil {
		opts = append(opts, httpserver.WithHealthCheck("redis", func(ctx context.Context) error {
			return c.redis.Ping(ctx).Err()
		}))
	}
	return httpserver.NewHandler(c.service, opts...)
}

func (c *components) close() error {
	var errs []error
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if c.stores.pool != nil {
		c.stores.pool.Close()
	}
	return observability.AggregateErrors("close dependencies", errs)
}

func bridgeConfig(cfg config.BridgeConfig) bridge.Config {
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return bridge.Config{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		MaxRetries: uint(retries),
		Token:      cfg.Token,
	}
}

func guardConfig(cfg config.GuardConfig) (guard.Config, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return guard.Config{}, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}
	out := guard.Config{
		Thresholds: guard.Thresholds{
			MaxOrderFailures:    cfg.MaxOrderFailures,
			MaxMarketDataErrors: cfg.MaxMarketDataErrors,
			MaxRiskTriggers:     cfg.MaxRiskTriggers,
		},
		Interval:    cfg.Interval,
		Cooldown:    cfg.Cooldown,
		CheckMaxAge: cfg.CheckMaxAge,
		Location:    loc,
		Parallelism: cfg.Parallelism,
	}
	if out.Thresholds.MaxDailyLoss, err = optionalDecimal(cfg.MaxDailyLoss); err != nil {
		return guard.Config{}, fmt.Errorf("maxDailyLoss: %w", err)
	}
	if out.Thresholds.MaxDrawdown, err = optionalDecimal(cfg.MaxDrawdown); err != nil {
		return guard.Config{}, fmt.Errorf("maxDrawdown: %w", err)
	}
	return out, nil
}

func recoveryConfig(cfg config.RecoveryConfig) (recovery.Config, error) {
	window, err := recovery.ParseWindow(cfg.Window.Timezone, cfg.Window.Open, cfg.Window.Close, cfg.Window.Days)
	if err != nil {
		return recovery.Config{}, err
	}
	deviation, err := optionalDecimal(cfg.MaxPriceDeviation)
	if err != nil {
		return recovery.Config{}, fmt.Errorf("maxPriceDeviation: %w", err)
	}
	return recovery.Config{
		Interval:          cfg.Interval,
		NewTimeout:        cfg.NewTimeout,
		MaxRetries:        cfg.MaxRetries,
		MaxPriceDeviation: deviation,
		Window:            window,
		BatchLimit:        cfg.BatchLimit,
		Parallelism:       cfg.Parallelism,
	}, nil
}

func brokerConfig(cfg config.ExecutionConfig) execution.BrokerConfig {
	return execution.BrokerConfig{
		Workers:       cfg.Workers,
		Queue:         cfg.Queue,
		RateLimit:     cfg.RateLimit,
		Burst:         cfg.Burst,
		CancelTimeout: cfg.CancelTimeout,
	}
}

func liveConfig(cfg config.ExecutionConfig) execution.LiveConfig {
	header := make(http.Header, len(cfg.Live.Headers))
	for key, value := range cfg.Live.Headers {
		header.Set(key, value)
	}
	return execution.LiveConfig{
		URL:                  cfg.Live.URL,
		Header:               header,
		DialTimeout:          cfg.Live.DialTimeout,
		PingInterval:         cfg.Live.PingInterval,
		MaxReconnectInterval: cfg.Live.MaxReconnectInterval,
		Buffer:               cfg.EventBuffer,
	}
}

func simulatedConfig(cfg config.ExecutionConfig) (execution.SimulatedConfig, error) {
	fill, err := optionalDecimal(cfg.Simulated.FillRatio)
	if err != nil {
		return execution.SimulatedConfig{}, fmt.Errorf("fillRatio: %w", err)
	}
	commission, err := optionalDecimal(cfg.Simulated.CommissionPerShare)
	if err != nil {
		return execution.SimulatedConfig{}, fmt.Errorf("commissionPerShare: %w", err)
	}
	return execution.SimulatedConfig{
		Latency:            cfg.Simulated.Latency,
		FillRatio:          fill,
		CommissionPerShare: commission,
		Buffer:             cfg.EventBuffer,
		Reject:             cfg.Simulated.Reject,
	}, nil
}

func optionalDecimal(value string) (decimal.Decimal, error) {
	d, err := config.Decimal(value)
	if err != nil || d == nil {
		return decimal.Zero, err
	}
	return *d, nil
}
