package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polysettle/internal/config"
	"github.com/alanyoungcy/polysettle/internal/crypto"
	"github.com/alanyoungcy/polysettle/internal/domain"
	"github.com/alanyoungcy/polysettle/internal/platform/adjudicator"
	"github.com/alanyoungcy/polysettle/internal/server"
	"github.com/alanyoungcy/polysettle/internal/server/handler"
	"github.com/alanyoungcy/polysettle/internal/server/middleware"
	"github.com/alanyoungcy/polysettle/internal/server/ws"
	"github.com/alanyoungcy/polysettle/internal/service"
)

const dedupSweepInterval = time.Minute

// ServerMode serves the HTTP API and the websocket feed.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// KeeperMode runs the automatic finalizer without serving the API.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startKeeper(ctx, g, deps); err != nil {
		return fmt.Errorf("keeper mode: %w", err)
	}
	a.startBackground(ctx, g, deps)
	return g.Wait()
}

// FullMode serves the API and, when enabled, runs the keeper in the same
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Keeper.Enabled {
		if err := a.startKeeper(ctx, g, deps); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
	}
	a.startBackground(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	return g.Wait()
}

// bootstrap restores persisted markets and creates the markets declared in
// the configuration that do not exist yet.
func (a *App) bootstrap(ctx context.Context, deps *Dependencies) error {
	n, err := deps.Settlement.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore markets: %w", err)
	}
	a.logger.InfoContext(ctx, "markets restored", slog.Int("count", n))

	for _, mc := range a.cfg.Markets {
		req, err := marketRequest(mc)
		if err != nil {
			return fmt.Errorf("market %q: %w", mc.Name, err)
		}
		snap, created, err := deps.Settlement.Ensure(ctx, req)
		if err != nil {
			return fmt.Errorf("market %q: %w", mc.Name, err)
		}
		a.logger.InfoContext(ctx, "configured market ready",
			slog.String("name", snap.Name),
			slog.String("address", snap.Address.Hex()),
			slog.Bool("created", created),
		)
	}
	return nil
}

// marketRequest converts a configured market into a create request.
func marketRequest(mc config.MarketConfig) (service.CreateMarketRequest, error) {
	req := service.CreateMarketRequest{
		Name:       mc.Name,
		Shape:      domain.MarketShape(strings.ToLower(mc.Shape)),
		QuestionID: common.HexToHash(mc.QuestionID),
		Outcomes:   mc.Outcomes,
	}
	if mc.Collateral != "" {
		req.Collateral = common.HexToAddress(mc.Collateral)
	}
	if mc.FeeBps != nil {
		bps := uint16(*mc.FeeBps)
		req.FeeBps = &bps
	}
	if mc.Range != nil {
		lo, hi, err := mc.Range.Parse()
		if err != nil {
			return req, err
		}
		req.Range = &domain.ScalarRange{Min: lo, Max: hi, Decimals: uint8(mc.Range.Decimals)}
	}
	return req, nil
}

// startBackground adds the housekeeping loops shared by every mode.
func (a *App) startBackground(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return ignoreCanceled(deps.Settlement.Dedup().Run(ctx, dedupSweepInterval))
	})

	if deps.Archiver != nil {
		job := service.NewArchiveJob(deps.Archiver, a.cfg.Archive.RetentionDays, deps.Notifier, a.logger)
		g.Go(func() error {
			return ignoreCanceled(job.RunCron(ctx, a.cfg.Archive.Cron))
		})
	}
}

// startKeeper loads the operator key and adds the keeper loop.
func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	var operator common.Address
	keyCfg := crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Keeper.PrivateKey,
		EncryptedKeyPath: a.cfg.Keeper.EncryptedKeyPath,
		KeyPassword:      a.cfg.Keeper.KeyPassword,
	}
	if keyCfg.Configured() {
		signer, err := crypto.LoadSigner(keyCfg)
		if err != nil {
			return fmt.Errorf("keeper key: %w", err)
		}
		operator = signer.Address()
	} else {
		a.logger.WarnContext(ctx, "keeper: no operator key configured, finalizing anonymously")
	}

	var audit domain.AuditStore
	if deps.AuditStore != nil {
		audit = deps.AuditStore
	}
	k := service.NewKeeper(deps.Settlement, deps.Adjudicator, audit, deps.Notifier, service.KeeperConfig{
		Interval:    a.cfg.Keeper.Interval.Duration,
		Concurrency: a.cfg.Keeper.Concurrency,
		Operator:    operator,
	}, a.logger)
	g.Go(func() error {
		return ignoreCanceled(k.Run(ctx))
	})
	return nil
}

// startHTTPServer adds the API server and the websocket hub to g. The server
// shuts down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	startedAt := time.Now().UTC()

	// With a bus the hub follows every process's events through it;
	// otherwise it hangs off the local publisher.
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      startedAt,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	if deps.SignalBus == nil {
		deps.Publisher.Attach(hub)
	}
	g.Go(func() error {
		return ignoreCanceled(hub.Run(ctx))
	})

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Checks, a.logger),
		Status:     handler.NewStatusHandler(a.cfg.Mode, a.cfg.Ledger.Backend, startedAt, deps.Settlement),
		Markets:    handler.NewMarketHandler(deps.Settlement, a.logger),
		Settlement: handler.NewSettlementHandler(deps.Settlement, a.logger),
	}
	if a.cfg.Server.Faucet && deps.Memory != nil {
		handlers.Faucet = handler.NewFaucetHandler(deps.Settlement, a.logger)
		if static, ok := deps.Adjudicator.(*adjudicator.Static); ok {
			handlers.Answers = handler.NewAnswerHandler(static, a.logger)
		}
	}
	if deps.BlobReader != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	srv := server.NewServer(server.Config{
		Host:        a.cfg.Server.Host,
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Auth: middleware.AuthConfig{
			APIKey:        a.cfg.Auth.APIKey,
			AllowUnsigned: !a.cfg.Auth.RequireSignatures,
			MaxSkew:       a.cfg.Auth.MaxSkew.Duration,
		},
		RateLimit:  a.cfg.Server.RateLimit,
		RateWindow: a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// ignoreCanceled maps the context errors a loop returns on shutdown to nil so
// they do not mask the error that actually stopped the group.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
