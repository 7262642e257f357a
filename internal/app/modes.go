package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/optionsengine/internal/auth"
	"github.com/alanyoungcy/optionsengine/internal/feed"
	"github.com/alanyoungcy/optionsengine/internal/pipeline"
	"github.com/alanyoungcy/optionsengine/internal/platform/polygon"
	"github.com/alanyoungcy/optionsengine/internal/scheduler"
	"github.com/alanyoungcy/optionsengine/internal/server"
	"github.com/alanyoungcy/optionsengine/internal/server/handler"
	"github.com/alanyoungcy/optionsengine/internal/server/ws"
	"github.com/alanyoungcy/optionsengine/internal/service"
)

// recoverBatch bounds how many waiting contracts one recovery sweep inspects.
const recoverBatch = 10_000

// FullMode runs every component in one process: ingestor, scheduler workers,
// gateway and HTTP API, janitor and archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)

	prices := a.priceService(deps)
	ingestor := a.ingestor(deps, prices)
	g.Go(func() error {
		defer ingestor.Close()
		return ingestor.Run(ctx)
	})

	settlement := a.settlementService(deps, prices)
	sched := a.scheduler(deps, settlement)
	if err := a.recoverWaiting(ctx, settlement, deps); err != nil {
		return err
	}
	g.Go(func() error { return sched.Run(ctx) })
	a.startRecoverer(ctx, g, deps, settlement)

	// Local placements wake the dispatcher instead of waiting for its poll.
	placement := a.placementService(deps, prices, sched)
	a.startGateway(ctx, g, deps, prices, placement, func() string { return string(ingestor.State()) })
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// IngestMode runs only the price feed ingestor. The HTTP server, when
// enabled, serves health and metrics.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")
	g, ctx := errgroup.WithContext(ctx)

	ingestor := a.ingestor(deps, a.priceService(deps))
	g.Go(func() error {
		defer ingestor.Close()
		return ingestor.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, server.Handlers{
			Health: a.healthHandler(deps, func() string { return string(ingestor.State()) }),
			Status: handler.NewStatusHandler(a.cfg.Mode, nil),
		})
	}
	return g.Wait()
}

// GatewayMode serves client connections and the HTTP API. Placements are
// queued for workers running in other processes.
func (a *App) GatewayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting gateway mode")
	g, ctx := errgroup.WithContext(ctx)

	prices := a.priceService(deps)
	placement := a.placementService(deps, prices, deps.JobQueue)
	a.startGateway(ctx, g, deps, prices, placement, nil)

	return g.Wait()
}

// WorkerMode runs the delay-scheduler, settlement and archive jobs.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)

	settlement := a.settlementService(deps, a.priceService(deps))
	sched := a.scheduler(deps, settlement)
	if err := a.recoverWaiting(ctx, settlement, deps); err != nil {
		return err
	}
	g.Go(func() error { return sched.Run(ctx) })
	a.startRecoverer(ctx, g, deps, settlement)
	a.startArchiver(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, server.Handlers{
			Health: a.healthHandler(deps, nil),
			Status: handler.NewStatusHandler(a.cfg.Mode, nil),
		})
	}
	return g.Wait()
}

func (a *App) priceService(deps *Dependencies) *service.PriceService {
	return service.NewPriceService(deps.TickStream, deps.PriceCache, deps.TickHistory, deps.Polygon, a.logger)
}

func (a *App) ingestor(deps *Dependencies, prices *service.PriceService) *feed.Ingestor {
	backoff := polygon.DefaultBackoff()
	backoff.Min = a.cfg.Polygon.BackoffMin.Duration
	backoff.Max = a.cfg.Polygon.BackoffMax.Duration
	return feed.NewIngestor(feed.IngestorConfig{
		WSURL:            a.cfg.Polygon.WSURL,
		APIKey:           a.cfg.Polygon.APIKey,
		Subscription:     a.cfg.Polygon.Subscription,
		HandshakeTimeout: a.cfg.Polygon.HandshakeTimeout.Duration,
		Backoff:          backoff,
	}, prices.HandleTick, deps.Notifier, deps.Metrics, a.logger)
}

func (a *App) placementService(deps *Dependencies, prices *service.PriceService, jobs service.JobScheduler) *service.PlacementService {
	pc := a.cfg.Placement
	return service.NewPlacementService(service.PlacementConfig{
		MinStake:   decimal.NewFromFloat(pc.MinStake),
		MaxStake:   decimal.NewFromFloat(pc.MaxStake),
		MaxHorizon: pc.MaxHorizon.Duration,
		RateLimit:  pc.RateLimit,
		RateWindow: pc.RateWindow.Duration,
	}, deps.Accounts, deps.Contracts, prices, jobs, deps.RateLimiter, deps.Notifier, deps.Metrics, a.logger)
}

func (a *App) settlementService(deps *Dependencies, prices *service.PriceService) *service.SettlementService {
	return service.NewSettlementService(service.SettlementConfig{
		GainRate:    decimal.NewFromFloat(a.cfg.Settlement.GainRate),
		PriceWindow: a.cfg.Settlement.PriceWindow.Duration,
	}, deps.Contracts, prices, deps.SignalBus, deps.Notifier, deps.Metrics, a.logger)
}

func (a *App) scheduler(deps *Dependencies, settlement *service.SettlementService) *scheduler.Scheduler {
	sc := a.cfg.Scheduler
	return scheduler.New(scheduler.Config{
		Workers:           sc.Workers,
		BatchSize:         sc.BatchSize,
		PollInterval:      sc.PollInterval.Duration,
		Lease:             sc.Lease.Duration,
		TeardownRetries:   sc.TeardownRetries,
		TeardownBaseDelay: sc.TeardownBaseDelay.Duration,
	}, deps.JobQueue, settlement.Evaluate, deps.Notifier, deps.Metrics, a.logger)
}

// recoverWaiting re-queues waiting contracts that lost their job before the
// scheduler starts claiming.
func (a *App) recoverWaiting(ctx context.Context, settlement *service.SettlementService, deps *Dependencies) error {
	if !a.cfg.Scheduler.RecoverOnStart {
		return nil
	}
	n, err := settlement.RecoverWaiting(ctx, deps.JobQueue, recoverBatch)
	if err != nil {
		return fmt.Errorf("app: recover waiting contracts: %w", err)
	}
	a.logger.InfoContext(ctx, "startup recovery complete", slog.Int("requeued", n))
	return nil
}

// startGateway runs the client gateway, its settlement relay and group
// janitor, and the HTTP server that hosts them.
func (a *App) startGateway(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	prices *service.PriceService,
	placement *service.PlacementService,
	feedState func() string,
) {
	verifier := auth.NewSessionVerifier(a.cfg.Gateway.JWTSecret)
	registry := ws.NewRegistry()
	gateway := ws.NewGateway(ws.Config{HistoryLimit: a.cfg.Gateway.HistoryLimit},
		verifier, deps.Accounts, deps.TickStream, prices, placement, registry, deps.Metrics, a.logger)

	relay := feed.NewSettlementRelay(deps.SignalBus, gateway, a.logger)
	g.Go(func() error { return relay.Run(ctx) })

	janitor := ws.NewJanitor(deps.TickStream, deps.LockManager,
		a.cfg.Gateway.JanitorInterval.Duration, a.cfg.Gateway.GroupIdleTimeout.Duration, deps.Metrics, a.logger)
	g.Go(func() error { return janitor.Run(ctx) })

	g.Go(func() error {
		<-ctx.Done()
		gateway.Shutdown()
		return nil
	})

	a.startHTTPServer(ctx, g, deps, server.Handlers{
		Health:  a.healthHandler(deps, feedState),
		Status:  handler.NewStatusHandler(a.cfg.Mode, registry.Len),
		Orders:  handler.NewOrderHandler(deps.Contracts, placement, a.logger),
		Wallets: handler.NewWalletHandler(deps.Ledger, a.logger),
		Gateway: gateway.HandleWS,
	})
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	archiver := pipeline.NewArchiver(deps.Archiver, deps.LockManager,
		a.cfg.Archive.RetentionDays, a.cfg.Archive.Interval.Duration, deps.Metrics, a.logger)
	g.Go(func() error { return archiver.Run(ctx) })
}

// startRecoverer keeps re-queuing waiting contracts whose job was lost after
// start, such as a placement that committed while Redis was unreachable.
func (a *App) startRecoverer(ctx context.Context, g *errgroup.Group, deps *Dependencies, settlement *service.SettlementService) {
	recoverer := pipeline.NewRecoverer(settlement, deps.JobQueue, deps.LockManager,
		recoverBatch, a.cfg.Scheduler.RecoverInterval.Duration, deps.Metrics, a.logger)
	g.Go(func() error { return recoverer.Run(ctx) })
}

func (a *App) healthHandler(deps *Dependencies, feedState func() string) *handler.HealthHandler {
	checks := map[string]handler.Pinger{"redis": deps.Redis}
	if deps.Postgres != nil {
		checks["postgres"] = deps.Postgres
	}
	if deps.S3 != nil {
		checks["s3"] = deps.S3
	}
	return handler.NewHealthHandler(checks, feedState, a.logger)
}

// startHTTPServer serves handlers until ctx is done, then drains in-flight
// requests for up to five seconds.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, handlers server.Handlers) {
	handlers.Metrics = deps.Metrics.Handler()
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, auth.NewSessionVerifier(a.cfg.Gateway.JWTSecret), deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
