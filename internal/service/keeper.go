package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polysettle/internal/domain"
	"github.com/alanyoungcy/polysettle/internal/notify"
)

// KeeperConfig controls the finalize sweep.
type KeeperConfig struct {
	Interval    time.Duration
	Concurrency int
	// Operator is the address the keeper acts as. It is recorded in logs and
	// the audit trail only; finalize itself is permissionless.
	Operator common.Address
}

// SweepResult summarises one keeper sweep.
type SweepResult struct {
	Checked   int
	Finalized int
	Pending   int
	Failed    int
}

// Keeper finalizes open markets on users' behalf once their adjudicator
// reports a final answer.
type Keeper struct {
	svc      *SettlementService
	adj      domain.Adjudicator
	audit    domain.AuditStore
	notifier *notify.Notifier
	cfg      KeeperConfig
	logger   *slog.Logger

	mu      sync.Mutex
	alerted map[common.Address]bool
}

// NewKeeper creates a Keeper. audit and notifier may be nil.
func NewKeeper(svc *SettlementService, adj domain.Adjudicator, audit domain.AuditStore, notifier *notify.Notifier, cfg KeeperConfig, logger *slog.Logger) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		svc:      svc,
		adj:      adj,
		audit:    audit,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "keeper")),
		alerted:  make(map[common.Address]bool),
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.InfoContext(ctx, "keeper: started",
		slog.Duration("interval", k.cfg.Interval),
		slog.Int("concurrency", k.cfg.Concurrency),
		slog.String("operator", k.cfg.Operator.Hex()),
	)

	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := k.Sweep(ctx); err != nil && ctx.Err() == nil {
			k.logger.ErrorContext(ctx, "keeper: sweep failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			k.logger.Info("keeper: stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep attempts to finalize every open market whose adjudicator is final.
// It first syncs the registry with the market store so markets created or
// settled by other processes are seen. Per-market failures are counted and
// logged, not returned.
func (k *Keeper) Sweep(ctx context.Context) (SweepResult, error) {
	if _, err := k.svc.Restore(ctx); err != nil {
		k.logger.WarnContext(ctx, "keeper: market sync failed", slog.String("error", err.Error()))
	}
	open := k.svc.OpenMarkets()

	var (
		mu  sync.Mutex
		res = SweepResult{Checked: len(open)}
	)
	count := func(f func(*SweepResult)) {
		mu.Lock()
		f(&res)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.Concurrency)
	for _, m := range open {
		addr, qid := m.Address(), m.QuestionID()
		g.Go(func() error {
			status, err := k.adj.Status(gctx, qid)
			if err != nil {
				k.logger.WarnContext(gctx, "keeper: adjudicator status failed",
					slog.String("market", addr.Hex()),
					slog.String("error", err.Error()),
				)
				count(func(r *SweepResult) { r.Failed++ })
				return nil
			}
			if !status.IsFinal() {
				count(func(r *SweepResult) { r.Pending++ })
				return nil
			}

			err = k.svc.Finalize(gctx, addr, "")
			switch {
			case err == nil:
				count(func(r *SweepResult) { r.Finalized++ })
				k.recordFinalize(gctx, addr)
			case errors.Is(err, domain.ErrOracleNotFinal), errors.Is(err, domain.ErrNotOpen):
				count(func(r *SweepResult) { r.Pending++ })
			case errors.Is(err, domain.ErrInvalidOutcome):
				count(func(r *SweepResult) { r.Failed++ })
				k.alertInvalid(gctx, addr, err)
			default:
				count(func(r *SweepResult) { r.Failed++ })
				k.logger.ErrorContext(gctx, "keeper: finalize failed",
					slog.String("market", addr.Hex()),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("keeper: sweep: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if res.Finalized > 0 || res.Failed > 0 {
		k.logger.InfoContext(ctx, "keeper: sweep complete",
			slog.Int("checked", res.Checked),
			slog.Int("finalized", res.Finalized),
			slog.Int("pending", res.Pending),
			slog.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func (k *Keeper) recordFinalize(ctx context.Context, addr common.Address) {
	k.logger.InfoContext(ctx, "keeper: market finalized", slog.String("market", addr.Hex()))
	if k.audit == nil {
		return
	}
	if err := k.audit.Log(ctx, "keeper.finalize", map[string]any{
		"market":   addr.Hex(),
		"operator": k.cfg.Operator.Hex(),
	}); err != nil {
		k.logger.WarnContext(ctx, "keeper: audit failed", slog.String("error", err.Error()))
	}
}

// alertInvalid reports an undecodable final answer once per market.
func (k *Keeper) alertInvalid(ctx context.Context, addr common.Address, cause error) {
	k.logger.WarnContext(ctx, "keeper: adjudicator answer rejected",
		slog.String("market", addr.Hex()),
		slog.String("error", cause.Error()),
	)

	k.mu.Lock()
	seen := k.alerted[addr]
	k.alerted[addr] = true
	k.mu.Unlock()
	if seen {
		return
	}

	msg := fmt.Sprintf("market: %s\nerror: %v", addr.Hex(), cause)
	if err := k.notifier.Notify(ctx, notify.EventInvalidOutcome, "Adjudicator answer rejected", msg); err != nil {
		k.logger.WarnContext(ctx, "keeper: alert failed", slog.String("error", err.Error()))
	}
}
