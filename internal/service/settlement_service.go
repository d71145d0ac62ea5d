// Package service wires settlement markets to the infrastructure around them:
// the registry of live markets, cross-process locking, request
// deduplication, event publication, the finalize keeper and the archive job.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polysettle/internal/domain"
	"github.com/alanyoungcy/polysettle/internal/notify"
	"github.com/alanyoungcy/polysettle/internal/settlement"
)

// ErrUnsupported is returned when an operation does not apply to a market's
// shape or to the configured ledger.
var ErrUnsupported = errors.New("operation not supported")

const (
	defaultLockTTL  = 30 * time.Second
	defaultDedupTTL = 10 * time.Minute
	restorePage     = 500
)

// SettlementConfig holds the service-wide defaults applied to new markets.
type SettlementConfig struct {
	Collateral    common.Address
	FeeRecipient  common.Address
	DefaultFeeBps uint16
	// LockTTL is how long a market's distributed lock outlives a holder that
	// stopped renewing it, e.g. a crashed process. Zero selects 30s.
	LockTTL time.Duration
	// DedupTTL is the request-id replay window. Zero selects 10m.
	DedupTTL time.Duration
}

// SettlementDeps are the collaborators of SettlementService. Locks, Notifier
// and Observer are optional.
type SettlementDeps struct {
	Ledger      domain.Ledger
	Markets     domain.MarketStore
	Events      domain.EventStore
	Adjudicator domain.Adjudicator
	Locks       domain.LockManager
	Observer    domain.EventObserver
	Notifier    *notify.Notifier
	Logger      *slog.Logger
	Clock       func() time.Time
}

// CreateMarketRequest describes a new market. FeeBps and Collateral fall back
// to the service defaults when unset.
type CreateMarketRequest struct {
	Name       string
	Shape      domain.MarketShape
	QuestionID common.Hash
	Outcomes   []string
	Range      *domain.ScalarRange
	FeeBps     *uint16
	Collateral common.Address
}

// OpRequest is a user operation on one market. RequestID is optional; when
// set, a repeat inside the dedup window fails with ErrDuplicateRequest.
type OpRequest struct {
	Market    common.Address
	User      common.Address
	Amount    *uint256.Int
	RequestID string
}

// ClaimBalance is one claim holding of a user.
type ClaimBalance struct {
	Outcome uint8        `json:"outcome"`
	Name    string       `json:"name"`
	Balance *uint256.Int `json:"balance"`
}

// Balances is a holder's position in one market.
type Balances struct {
	Market     common.Address `json:"market"`
	Holder     common.Address `json:"holder"`
	Collateral *uint256.Int   `json:"collateral"`
	Claims     []ClaimBalance `json:"claims"`
}

// SettlementService owns the registry of live markets and routes every
// operation through the market's distributed lock.
type SettlementService struct {
	cfg      SettlementConfig
	ledger   domain.Ledger
	markets  domain.MarketStore
	events   domain.EventStore
	adj      domain.Adjudicator
	locks    domain.LockManager
	observer domain.EventObserver
	notifier *notify.Notifier
	dedup    *Dedup
	base     *slog.Logger
	logger   *slog.Logger
	clock    func() time.Time

	mu       sync.RWMutex
	registry map[common.Address]settlement.Market
}

// NewSettlementService creates a SettlementService with an empty registry.
// Call Restore to load persisted markets.
func NewSettlementService(cfg SettlementConfig, deps SettlementDeps) *SettlementService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = defaultDedupTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementService{
		cfg:      cfg,
		ledger:   deps.Ledger,
		markets:  deps.Markets,
		events:   deps.Events,
		adj:      deps.Adjudicator,
		locks:    deps.Locks,
		observer: deps.Observer,
		notifier: deps.Notifier,
		dedup:    NewDedup(cfg.DedupTTL),
		base:     logger,
		logger:   logger.With(slog.String("component", "settlement_service")),
		clock:    deps.Clock,
		registry: make(map[common.Address]settlement.Market),
	}
}

// Dedup exposes the request-id window so the app can run its cleanup loop.
func (s *SettlementService) Dedup() *Dedup { return s.dedup }

func (s *SettlementService) marketDeps() settlement.Deps {
	return settlement.Deps{
		Adjudicator: s.adj,
		Ledger:      s.ledger,
		Observer:    s.observer,
		Logger:      s.base,
		Clock:       s.clock,
	}
}

// Create constructs a market, persists its initial snapshot and registers it.
// A market with the same derived address fails with ErrAlreadyExists.
func (s *SettlementService) Create(ctx context.Context, req CreateMarketRequest) (domain.MarketSnapshot, error) {
	cfg := settlement.Config{
		Name:         strings.TrimSpace(req.Name),
		Collateral:   req.Collateral,
		QuestionID:   req.QuestionID,
		FeeRecipient: s.cfg.FeeRecipient,
		FeeBps:       s.cfg.DefaultFeeBps,
	}
	if cfg.Collateral == (common.Address{}) {
		cfg.Collateral = s.cfg.Collateral
	}
	if req.FeeBps != nil {
		cfg.FeeBps = *req.FeeBps
	}

	var (
		m   settlement.Market
		err error
	)
	switch req.Shape {
	case domain.ShapeBinary:
		m, err = settlement.NewBinary(cfg, s.marketDeps())
	case domain.ShapeCategorical:
		m, err = settlement.NewCategorical(cfg, req.Outcomes, s.marketDeps())
	case domain.ShapeScalar:
		if req.Range == nil {
			return domain.MarketSnapshot{}, fmt.Errorf("settlement_service: create: %w: scalar range is required", domain.ErrInvalidConfig)
		}
		m, err = settlement.NewScalar(cfg, *req.Range, s.marketDeps())
	default:
		return domain.MarketSnapshot{}, fmt.Errorf("settlement_service: create: %w: unknown shape %q", domain.ErrInvalidConfig, req.Shape)
	}
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("settlement_service: create: %w", err)
	}

	addr := m.Address()
	err = s.withLock(ctx, addr, func(ctx context.Context) error {
		if _, err := s.Market(addr); err == nil {
			return domain.ErrAlreadyExists
		}
		if s.markets != nil {
			if _, err := s.markets.GetMarket(ctx, addr); err == nil {
				return domain.ErrAlreadyExists
			} else if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}
		if err := m.Persist(ctx); err != nil {
			return err
		}
		s.register(m)
		return nil
	})
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("settlement_service: create %s: %w", addr.Hex(), err)
	}

	s.logger.InfoContext(ctx, "settlement_service: market created",
		slog.String("market", addr.Hex()),
		slog.String("shape", string(req.Shape)),
		slog.String("question", req.QuestionID.Hex()),
		slog.Int("fee_bps", int(cfg.FeeBps)),
	)
	return m.Snapshot(), nil
}

// Ensure creates the market described by req unless it already exists, and
// returns its snapshot either way. It is used for config-declared markets.
func (s *SettlementService) Ensure(ctx context.Context, req CreateMarketRequest) (domain.MarketSnapshot, bool, error) {
	snap, err := s.Create(ctx, req)
	if err == nil {
		return snap, true, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return domain.MarketSnapshot{}, false, err
	}
	collateral := req.Collateral
	if collateral == (common.Address{}) {
		collateral = s.cfg.Collateral
	}
	addr := settlement.MarketAddress(collateral, req.QuestionID, req.Shape, strings.TrimSpace(req.Name))
	snap, err = s.Snapshot(ctx, addr)
	return snap, false, err
}

// Restore loads every persisted market into the registry and returns how
// many were added. Markets already registered have their state reloaded from
// the store instead, so a process picks up markets and settlements written by
// other processes.
func (s *SettlementService) Restore(ctx context.Context) (int, error) {
	if s.markets == nil {
		return 0, nil
	}
	loaded := 0
	for offset := 0; ; offset += restorePage {
		page, err := s.markets.ListMarkets(ctx, "", domain.ListOpts{Limit: restorePage, Offset: offset})
		if err != nil {
			return loaded, fmt.Errorf("settlement_service: restore list: %w", err)
		}
		for _, snap := range page {
			if m, err := s.Market(snap.Address); err == nil {
				if err := s.reload(ctx, m); err != nil {
					s.logger.WarnContext(ctx, "settlement_service: reload failed",
						slog.String("market", snap.Address.Hex()),
						slog.String("error", err.Error()),
					)
				}
				continue
			}
			m, err := settlement.Restore(snap, s.marketDeps())
			if err != nil {
				return loaded, fmt.Errorf("settlement_service: restore %s: %w", snap.Address.Hex(), err)
			}
			s.register(m)
			loaded++
		}
		if len(page) < restorePage {
			break
		}
	}
	if loaded > 0 {
		s.logger.InfoContext(ctx, "settlement_service: markets restored", slog.Int("count", loaded))
	}
	return loaded, nil
}

// reload replaces m's in-memory state with its committed snapshot.
func (s *SettlementService) reload(ctx context.Context, m settlement.Market) error {
	return m.Reload(ctx, func(ctx context.Context) (domain.MarketSnapshot, error) {
		return s.markets.GetMarket(ctx, m.Address())
	})
}

// lookup returns the registered market at addr, loading it from the store
// when another process created it.
func (s *SettlementService) lookup(ctx context.Context, addr common.Address) (settlement.Market, error) {
	m, err := s.Market(addr)
	if err == nil || s.markets == nil {
		return m, err
	}
	snap, err := s.markets.GetMarket(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", addr.Hex(), err)
	}
	restored, err := settlement.Restore(snap, s.marketDeps())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.registry[addr]; ok {
		return existing, nil
	}
	s.registry[addr] = restored
	return restored, nil
}

func (s *SettlementService) register(m settlement.Market) {
	s.mu.Lock()
	s.registry[m.Address()] = m
	s.mu.Unlock()
}

// Market returns the live market at addr, or ErrNotFound.
func (s *SettlementService) Market(addr common.Address) (settlement.Market, error) {
	s.mu.RLock()
	m, ok := s.registry[addr]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("market %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return m, nil
}

// OpenMarkets returns the registered markets that are still open, ordered by
// address.
func (s *SettlementService) OpenMarkets() []settlement.Market {
	s.mu.RLock()
	out := make([]settlement.Market, 0, len(s.registry))
	for _, m := range s.registry {
		if m.Status() == domain.MarketOpen {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address().Hex() < out[j].Address().Hex()
	})
	return out
}

// Count returns the number of registered markets.
func (s *SettlementService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.registry)
}

// Snapshot returns the committed snapshot of a market. The store is
// authoritative when configured, since other processes may have moved the
// market on; otherwise the registry answers.
func (s *SettlementService) Snapshot(ctx context.Context, addr common.Address) (domain.MarketSnapshot, error) {
	if s.markets == nil {
		m, err := s.Market(addr)
		if err != nil {
			return domain.MarketSnapshot{}, err
		}
		return m.Snapshot(), nil
	}
	snap, err := s.markets.GetMarket(ctx, addr)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("settlement_service: get %s: %w", addr.Hex(), err)
	}
	return snap, nil
}

// List returns persisted snapshots filtered by status. An empty status
// matches every market.
func (s *SettlementService) List(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.MarketSnapshot, error) {
	if s.markets == nil {
		return nil, fmt.Errorf("settlement_service: list: %w: no market store", ErrUnsupported)
	}
	out, err := s.markets.ListMarkets(ctx, status, opts)
	if err != nil {
		return nil, fmt.Errorf("settlement_service: list: %w", err)
	}
	return out, nil
}

// Events returns the persisted event log of a market.
func (s *SettlementService) Events(ctx context.Context, addr common.Address, opts domain.ListOpts) ([]domain.Event, error) {
	if s.events == nil {
		return nil, fmt.Errorf("settlement_service: events: %w: no event store", ErrUnsupported)
	}
	out, err := s.events.ListEvents(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("settlement_service: events %s: %w", addr.Hex(), err)
	}
	return out, nil
}

// Balances returns holder's collateral balance and every claim balance in the
// market at addr.
func (s *SettlementService) Balances(ctx context.Context, addr, holder common.Address) (Balances, error) {
	snap, err := s.Snapshot(ctx, addr)
	if err != nil {
		return Balances{}, err
	}
	col, err := s.ledger.CollateralBalance(ctx, snap.Collateral, holder)
	if err != nil {
		return Balances{}, fmt.Errorf("settlement_service: collateral balance: %w", err)
	}
	out := Balances{Market: addr, Holder: holder, Collateral: col}
	for i, name := range snap.Outcomes {
		bal, err := s.ledger.ClaimBalance(ctx, snap.Claim(uint8(i)), holder)
		if err != nil {
			return Balances{}, fmt.Errorf("settlement_service: claim balance %d: %w", i, err)
		}
		out.Claims = append(out.Claims, ClaimBalance{Outcome: uint8(i), Name: name, Balance: bal})
	}
	return out, nil
}

// Fund credits collateral to holder. Only ledgers implementing domain.Faucet
// support it.
func (s *SettlementService) Fund(ctx context.Context, holder common.Address, amount *uint256.Int) error {
	f, ok := s.ledger.(domain.Faucet)
	if !ok {
		return fmt.Errorf("settlement_service: fund: %w: ledger has no faucet", ErrUnsupported)
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("settlement_service: fund: %w", domain.ErrBadAmount)
	}
	if err := f.Deposit(ctx, s.cfg.Collateral, holder, amount); err != nil {
		return fmt.Errorf("settlement_service: fund: %w", err)
	}
	return nil
}

// Split locks req.Amount of the user's collateral and mints a full claim set.
func (s *SettlementService) Split(ctx context.Context, req OpRequest) error {
	return s.run(ctx, "split", req, func(ctx context.Context, m settlement.Market) error {
		return m.Split(ctx, req.User, req.Amount)
	})
}

// Merge burns req.Amount complete claim sets and returns the collateral.
func (s *SettlementService) Merge(ctx context.Context, req OpRequest) error {
	return s.run(ctx, "merge", req, func(ctx context.Context, m settlement.Market) error {
		return m.Merge(ctx, req.User, req.Amount)
	})
}

// Finalize settles the market at addr from the adjudicator.
func (s *SettlementService) Finalize(ctx context.Context, addr common.Address, requestID string) error {
	return s.run(ctx, "finalize", OpRequest{Market: addr, RequestID: requestID}, func(ctx context.Context, m settlement.Market) error {
		return m.Finalize(ctx)
	})
}

// Redeem burns winning claims of a binary or categorical market and pays out
// the collateral net of fees.
func (s *SettlementService) Redeem(ctx context.Context, req OpRequest) (*uint256.Int, error) {
	var net *uint256.Int
	err := s.run(ctx, "redeem", req, func(ctx context.Context, m settlement.Market) error {
		r, ok := m.(settlement.Redeemer)
		if !ok {
			return fmt.Errorf("%w: %s markets redeem by leg", ErrUnsupported, m.Shape())
		}
		var err error
		net, err = r.Redeem(ctx, req.User, req.Amount)
		return err
	})
	return net, err
}

// RedeemLeg burns long or short claims of a scalar market.
func (s *SettlementService) RedeemLeg(ctx context.Context, req OpRequest, leg uint8) (*uint256.Int, error) {
	op := "redeem_long"
	if leg == domain.OutcomeShort {
		op = "redeem_short"
	}
	var net *uint256.Int
	err := s.run(ctx, op, req, func(ctx context.Context, m settlement.Market) error {
		sc, ok := m.(*settlement.Scalar)
		if !ok {
			return fmt.Errorf("%w: %s markets have no long/short legs", ErrUnsupported, m.Shape())
		}
		var err error
		switch leg {
		case domain.OutcomeLong:
			net, err = sc.RedeemLong(ctx, req.User, req.Amount)
		case domain.OutcomeShort:
			net, err = sc.RedeemShort(ctx, req.User, req.Amount)
		default:
			err = fmt.Errorf("%w: unknown leg %d", ErrUnsupported, leg)
		}
		return err
	})
	return net, err
}

// run resolves the market, applies request-id dedup and executes fn under
// the market's distributed lock, on state reloaded from the store once the
// lock is held.
func (s *SettlementService) run(ctx context.Context, op string, req OpRequest, fn func(context.Context, settlement.Market) error) error {
	m, err := s.lookup(ctx, req.Market)
	if err != nil {
		return fmt.Errorf("settlement_service: %s: %w", op, err)
	}

	dedupKey := ""
	if req.RequestID != "" {
		dedupKey = requestKey(op, req.User, req.RequestID)
		if !s.dedup.Claim(dedupKey) {
			return fmt.Errorf("settlement_service: %s: %w: %s", op, domain.ErrDuplicateRequest, req.RequestID)
		}
	}

	err = s.withLock(ctx, req.Market, func(ctx context.Context) error {
		if s.markets != nil {
			if err := s.reload(ctx, m); err != nil {
				return err
			}
		}
		return fn(ctx, m)
	})
	if err == nil {
		return nil
	}

	if dedupKey != "" {
		s.dedup.Release(dedupKey)
	}
	if errors.Is(err, domain.ErrPoolInsufficient) {
		s.alertInvariant(ctx, op, req, err)
	}
	return fmt.Errorf("settlement_service: %s %s: %w", op, req.Market.Hex(), err)
}

func (s *SettlementService) withLock(ctx context.Context, addr common.Address, fn func(context.Context) error) error {
	if s.locks == nil {
		return fn(ctx)
	}
	unlock, err := s.locks.AcquireWait(ctx, "market:"+addr.Hex(), s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire market lock: %w", err)
	}
	defer unlock()
	return fn(ctx)
}

func (s *SettlementService) alertInvariant(ctx context.Context, op string, req OpRequest, cause error) {
	s.logger.ErrorContext(ctx, "settlement_service: invariant breach",
		slog.String("op", op),
		slog.String("market", req.Market.Hex()),
		slog.String("user", req.User.Hex()),
		slog.String("error", cause.Error()),
	)
	msg := fmt.Sprintf("op: %s\nmarket: %s\nuser: %s\nerror: %v", op, req.Market.Hex(), req.User.Hex(), cause)
	if err := s.notifier.Notify(context.WithoutCancel(ctx), notify.EventInvariantBreach, "Settlement invariant breach", msg); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: invariant alert failed", slog.String("error", err.Error()))
	}
}
