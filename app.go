package main

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"execution-core/internal/bracket"
	"execution-core/internal/events"
	"execution-core/internal/execution"
	"execution-core/internal/guard"
	"execution-core/internal/monitor"
	"execution-core/internal/oco"
	"execution-core/internal/paper"
	"execution-core/internal/persistence"
	"execution-core/internal/positions"
	"execution-core/internal/ratelimit"
	"execution-core/internal/reconciliation"
	"execution-core/internal/settlement"
	"execution-core/internal/stopdiscovery"
	"execution-core/internal/telemetry"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/kraken"
)

const guardAppID = "execution-core"

// app is the wired component graph shared by every command.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	bus       *events.Bus
	db        *db.Database
	venue     common.Venue
	venueName string

	metrics   *monitor.Metrics
	alerts    *monitor.Recent
	limiter   *ratelimit.Limiter
	tracker   *positions.Tracker
	forensics *persistence.BatchWriter
	telemetry *telemetry.Dispatcher

	settlement *settlement.Detector
	stops      *stopdiscovery.Finder
	brackets   *bracket.Manager
	execution  *execution.Manager
	oco        *oco.Monitor
	recon      *reconciliation.Service

	guard *guard.Guard
	redis *redis.Client
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: events.NewBus()}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.db = database

	a.tracker, err = positions.New(cfg.PositionsPath, positions.Levels{
		StopATRMult:     cfg.Bracket.ATRMultStop,
		TargetATRMult:   cfg.Bracket.ATRMultTP,
		FallbackStopPct: cfg.Bracket.FallbackStopPct,
		FallbackTPPct:   cfg.Bracket.FallbackTPPct,
	}, logger)
	if err != nil {
		database.Close()
		return nil, err
	}

	a.venue, a.venueName = buildVenue(cfg, logger)
	a.metrics = monitor.NewMetrics()
	a.alerts = monitor.NewRecent(100)

	a.limiter = ratelimit.New(ratelimit.Config{
		MaxOrders: cfg.RateLimit.MaxOrders,
		Window:    cfg.RateLimit.Window,
		MinDelay:  cfg.RateLimit.MinDelay,
	}, logger)
	a.limiter.SetObserver(a.metrics)

	ledger := database.ChildOrders()
	executions := database.Executions()

	a.forensics = persistence.NewBatchWriter(database.Audit(), 50, 0, logger)
	a.telemetry = telemetry.NewDispatcher(telemetry.Multi{
		telemetry.NewForensicSink(a.forensics),
		telemetry.NewBusSink(a.bus),
	}, 512, logger)

	a.settlement = settlement.New(a.venue, a.limiter, settlement.Config{
		PollInterval:   cfg.Settlement.PollInterval,
		RetryPoll:      cfg.Settlement.RetryPoll,
		MaxAttempts:    cfg.Settlement.MaxAttempts,
		InitialBackoff: cfg.Settlement.InitialBackoff,
		GateMaxWait:    cfg.Execution.RateLimitMaxWait,
	}, logger)
	a.stops = stopdiscovery.New(a.venue, ledger, cfg.Mode, cfg.Reconciliation.StopLookupDelay, logger)

	a.brackets = bracket.New(bracket.Config{
		RiskPerTradePct:    cfg.Bracket.RiskPerTradePct,
		MinRR:              cfg.Bracket.MinRR,
		ATRMultStop:        cfg.Bracket.ATRMultStop,
		ATRMultTP:          cfg.Bracket.ATRMultTP,
		MaxSlippageBps:     cfg.Bracket.MaxSlippageBps,
		FallbackStopPct:    cfg.Bracket.FallbackStopPct,
		FallbackTPPct:      cfg.Bracket.FallbackTPPct,
		AllowQtyAdjust:     cfg.Bracket.AllowQtyAdjust,
		Mode:               cfg.Mode,
		FillThreshold:      cfg.Reconciliation.FillThreshold,
		GateMaxWait:        cfg.Execution.RateLimitMaxWait,
		StopLookupAttempts: cfg.Reconciliation.StopLookupAttempts,
	}, bracket.Deps{
		Venue:     a.venue,
		Gate:      a.limiter,
		Protector: a.settlement,
		Stops:     a.stops,
		Ledger:    ledger,
		Bus:       a.bus,
	}, logger)

	a.execution = execution.New(execution.Config{
		Mode:             cfg.Mode,
		ExecutionMode:    cfg.ExecutionMode,
		ShortingEnabled:  cfg.ShortingEnabled,
		FillPollAttempts: cfg.Execution.FillPollAttempts,
		FillPollInitial:  cfg.Execution.FillPollInitial,
		FillPollMaxWait:  cfg.Execution.FillPollMaxWait,
		RateLimitMaxWait: cfg.Execution.RateLimitMaxWait,
		MinimumsTTL:      cfg.Execution.MinimumsTTL,
	}, execution.Deps{
		Venue:      a.venue,
		Gate:       a.limiter,
		Brackets:   a.brackets,
		Positions:  a.tracker,
		Executions: executions,
		Telemetry:  a.telemetry,
	}, logger)

	a.oco = oco.New(oco.Deps{
		Venue:      a.venue,
		Ledger:     ledger,
		Executions: executions,
		Stops:      a.stops,
		Positions:  a.tracker,
		Forensics:  a.forensics,
		Bus:        a.bus,
	}, cfg.Mode, cfg.Reconciliation.StopLookupAttempts, logger)

	a.recon = reconciliation.NewService(reconciliation.Config{
		Mode:                cfg.Mode,
		Interval:            cfg.Reconciliation.Interval,
		CatchupEvery:        cfg.Reconciliation.CatchupEvery,
		CatchupWindow:       cfg.Reconciliation.CatchupWindow,
		FillThreshold:       cfg.Reconciliation.FillThreshold,
		StopLookupMaxMisses: cfg.Reconciliation.StopLookupMaxMisses,
		StopLookupAttempts:  cfg.Reconciliation.StopLookupAttempts,
	}, reconciliation.Deps{
		Venue:      a.venue,
		Ledger:     ledger,
		Executions: executions,
		Runs:       database.Audit(),
		Targets:    a.brackets,
		Stops:      a.stops,
		OCO:        a.oco,
		Telemetry:  a.telemetry,
		Forensics:  a.forensics,
		Observer:   a.metrics,
		Bus:        a.bus,
	}, logger)

	a.guard = guard.New(a.guardStore(), guard.Config{
		Mode:            cfg.Mode,
		HeartbeatMaxAge: cfg.Guard.HeartbeatMaxAge,
		LockMaxAge:      cfg.Guard.LockMaxAge,
	}, guard.LocalIdentity(guardAppID), a.bus, logger)

	a.registerGauges()
	return a, nil
}

func buildVenue(cfg *config.Config, logger zerolog.Logger) (common.Venue, string) {
	if cfg.IsLive() {
		return kraken.New(kraken.Config{
			APIKey:    cfg.KrakenAPIKey,
			APISecret: cfg.KrakenAPISecret,
			BaseURL:   cfg.KrakenBaseURL,
			Timeout:   cfg.VenueTimeout,
			RPS:       cfg.VenueRPS,
		}, logger), "kraken"
	}
	return paper.New(paper.Config{
		Balances: map[string]float64{"USD": cfg.PaperQuoteBalance},
		Prices:   cfg.PaperPrices,
		FeeRate:  0.0026,
	}, logger), "paper"
}

// guardStore prefers Redis so hosts sharing an account see each other.
func (a *app) guardStore() guard.Store {
	if a.cfg.RedisAddr == "" {
		return guard.NewFileStore(a.cfg.HeartbeatPath, a.cfg.LockPath)
	}
	a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	return guard.NewRedisStore(a.redis, "", a.cfg.Guard.HeartbeatMaxAge, a.cfg.Guard.LockMaxAge)
}

func (a *app) registerGauges() {
	a.metrics.GaugeFunc("positions_open", "Mental positions tracked.", func() float64 {
		all, err := a.tracker.All()
		if err != nil {
			return -1
		}
		return float64(len(all))
	})
	a.metrics.GaugeFunc("telemetry_dropped_total", "Telemetry records dropped on a full queue.", func() float64 {
		return float64(a.telemetry.Dropped())
	})
	a.metrics.GaugeFunc("telemetry_failed_total", "Telemetry sink errors.", func() float64 {
		return float64(a.telemetry.Failed())
	})
	a.metrics.GaugeFunc("forensic_pending_events", "Forensic events buffered for the next flush.", func() float64 {
		return float64(a.forensics.Pending())
	})
	a.metrics.GaugeFunc("forensic_discarded_total", "Forensic events dropped after repeated write failures.", func() float64 {
		return float64(a.forensics.Stats().Discarded)
	})
	a.metrics.GaugeFunc("ratelimit_orders_in_window", "Orders counted in the admission window.", func() float64 {
		return float64(a.limiter.Stats().OrdersInWindow)
	})
}

// Close flushes buffered writes and releases handles.
func (a *app) Close() error {
	var errs []error
	a.telemetry.Close()
	if err := a.forensics.Close(); err != nil {
		errs = append(errs, fmt.Errorf("flush forensics: %w", err))
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ledger: %w", err))
	}
	return errors.Join(errs...)
}
