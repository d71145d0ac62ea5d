package settlement

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

var bpsDenominator = uint256.NewInt(domain.BpsDenominator)

// state is the mutable part of a market.
type state struct {
	status     domain.MarketStatus
	locked     *uint256.Int
	answer     []byte
	resolvedAt time.Time
	resolution domain.Resolution
}

func (s state) clone() state {
	out := s
	out.locked = s.locked.Clone()
	out.answer = bytes.Clone(s.answer)
	return out
}

type core struct {
	cfg       Config
	address   common.Address
	shape     domain.MarketShape
	outcomes  []string
	rng       *domain.ScalarRange
	res       resolver
	createdAt time.Time

	adj      domain.Adjudicator
	ledger   domain.Ledger
	observer domain.EventObserver
	logger   *slog.Logger
	now      func() time.Time

	// sem is held for the whole of every mutating call.
	sem       chan struct{}
	guardWait time.Duration

	stMu sync.RWMutex
	st   state
}

type guardKey struct{ c *core }

// step runs inside the market's critical section and ledger transaction. It
// mutates next and returns the events to append. A non-nil error rolls back.
type step func(ctx context.Context, tx domain.LedgerTx, next *state) ([]domain.Event, error)

func (c *core) base() *core { return c }

func (c *core) Address() common.Address      { return c.address }
func (c *core) Shape() domain.MarketShape    { return c.shape }
func (c *core) QuestionID() common.Hash      { return c.cfg.QuestionID }
func (c *core) FeeBps() uint16               { return c.cfg.FeeBps }
func (c *core) Collateral() common.Address   { return c.cfg.Collateral }
func (c *core) FeeRecipient() common.Address { return c.cfg.FeeRecipient }

func (c *core) Status() domain.MarketStatus {
	c.stMu.RLock()
	defer c.stMu.RUnlock()
	return c.st.status
}

// CollateralLocked is the collateral the market currently owes to claim
// holders.
func (c *core) CollateralLocked() *uint256.Int {
	c.stMu.RLock()
	defer c.stMu.RUnlock()
	return c.st.locked.Clone()
}

func (c *core) Claim(outcome uint8) domain.ClaimID {
	return domain.ClaimID{Market: c.address, Outcome: outcome}
}

// Snapshot returns a copy of the market's configuration and committed state.
func (c *core) Snapshot() domain.MarketSnapshot {
	c.stMu.RLock()
	st := c.st.clone()
	c.stMu.RUnlock()
	return c.snapshotOf(st)
}

func (c *core) snapshotOf(st state) domain.MarketSnapshot {
	snap := domain.MarketSnapshot{
		Address:          c.address,
		Name:             c.cfg.Name,
		Shape:            c.shape,
		Status:           st.status,
		Collateral:       c.cfg.Collateral,
		QuestionID:       c.cfg.QuestionID,
		FeeRecipient:     c.cfg.FeeRecipient,
		FeeBps:           c.cfg.FeeBps,
		Outcomes:         append([]string(nil), c.outcomes...),
		CollateralLocked: st.locked,
		ResolvedAnswer:   st.answer,
		Resolution:       st.resolution,
		CreatedAt:        c.createdAt,
	}
	if c.rng != nil {
		r := *c.rng
		snap.Range = &r
	}
	if !st.resolvedAt.IsZero() {
		at := st.resolvedAt
		snap.ResolvedAt = &at
	}
	return snap
}

// enter acquires the market guard. A call chain that already holds the guard
// of this market gets ErrReentrant instead of deadlocking. A caller whose ctx
// can never be cancelled waits at most guardWait and then also gets
// ErrReentrant: the holder may be its own caller on a detached context.
func (c *core) enter(ctx context.Context) (context.Context, func(), error) {
	if ctx.Value(guardKey{c}) != nil {
		return nil, nil, domain.ErrReentrant
	}
	var timeout <-chan time.Time
	if ctx.Done() == nil {
		t := time.NewTimer(c.guardWait)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-timeout:
		return nil, nil, fmt.Errorf("%w: guard still held after %s", domain.ErrReentrant, c.guardWait)
	}
	return context.WithValue(ctx, guardKey{c}, struct{}{}), func() { <-c.sem }, nil
}

func (c *core) mutate(ctx context.Context, op string, fn step) ([]domain.Event, error) {
	gctx, leave, err := c.enter(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement: %s: %w", op, err)
	}
	evs, err := c.apply(gctx, fn)
	leave()
	if err != nil {
		return nil, fmt.Errorf("settlement: %s: %w", op, err)
	}
	if c.observer != nil {
		for _, ev := range evs {
			c.observer.OnEvent(ctx, ev)
		}
	}
	return evs, nil
}

func (c *core) apply(ctx context.Context, fn step) ([]domain.Event, error) {
	next := c.st.clone()

	tx, err := c.ledger.Begin(ctx)
	if err != nil {
		return nil, err
	}
	evs, err := fn(ctx, tx, &next)
	if err == nil {
		err = tx.SaveMarket(ctx, c.snapshotOf(next))
	}
	for i := 0; err == nil && i < len(evs); i++ {
		err = tx.AppendEvent(ctx, evs[i])
	}
	if err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			c.logger.Warn("ledger rollback failed", slog.String("error", rbErr.Error()))
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	c.stMu.Lock()
	c.st = next
	c.stMu.Unlock()
	return evs, nil
}

func (c *core) event(kind domain.EventKind, user common.Address, amount *uint256.Int) domain.Event {
	ev := domain.Event{
		ID:     uuid.NewString(),
		Kind:   kind,
		Market: c.address,
		User:   user,
		At:     c.now().UTC(),
	}
	if amount != nil {
		ev.Amount = amount.Clone()
	}
	return ev
}

func checkAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: amount must be positive", domain.ErrBadAmount)
	}
	return nil
}

// Split locks amount of collateral from user and mints amount of every claim
// to user.
func (c *core) Split(ctx context.Context, user common.Address, amount *uint256.Int) error {
	if err := checkAmount(amount); err != nil {
		return fmt.Errorf("settlement: split: %w", err)
	}
	_, err := c.mutate(ctx, "split", func(ctx context.Context, tx domain.LedgerTx, next *state) ([]domain.Event, error) {
		if next.status != domain.MarketOpen {
			return nil, domain.ErrNotOpen
		}
		locked, overflow := new(uint256.Int).AddOverflow(next.locked, amount)
		if overflow {
			return nil, fmt.Errorf("%w: locked collateral overflow", domain.ErrBadAmount)
		}
		if err := tx.TransferCollateral(ctx, c.cfg.Collateral, user, c.address, amount); err != nil {
			return nil, err
		}
		for i := 0; i < c.res.claims(); i++ {
			if err := tx.Mint(ctx, c.Claim(uint8(i)), user, amount); err != nil {
				return nil, err
			}
		}
		next.locked = locked
		return []domain.Event{c.event(domain.EventSplit, user, amount)}, nil
	})
	return err
}

// Merge burns sets complete sets of claims from user and returns the same
// amount of collateral. Only open markets accept merges.
func (c *core) Merge(ctx context.Context, user common.Address, sets *uint256.Int) error {
	if err := checkAmount(sets); err != nil {
		return fmt.Errorf("settlement: merge: %w", err)
	}
	_, err := c.mutate(ctx, "merge", func(ctx context.Context, tx domain.LedgerTx, next *state) ([]domain.Event, error) {
		if next.status != domain.MarketOpen {
			return nil, domain.ErrNotOpen
		}
		for i := 0; i < c.res.claims(); i++ {
			if err := tx.Burn(ctx, c.Claim(uint8(i)), user, sets); err != nil {
				return nil, err
			}
		}
		if err := c.release(next, sets); err != nil {
			return nil, err
		}
		if err := tx.TransferCollateral(ctx, c.cfg.Collateral, c.address, user, sets); err != nil {
			return nil, err
		}
		return []domain.Event{c.event(domain.EventMerge, user, sets)}, nil
	})
	return err
}

// Finalize settles the market from the adjudicator's final answer. It fails
// with ErrNotOpen once the market is resolved.
func (c *core) Finalize(ctx context.Context) error {
	_, err := c.mutate(ctx, "finalize", func(ctx context.Context, _ domain.LedgerTx, next *state) ([]domain.Event, error) {
		if next.status != domain.MarketOpen {
			return nil, domain.ErrNotOpen
		}
		ev, err := c.finalizeStep(ctx, next)
		if err != nil {
			return nil, err
		}
		return []domain.Event{ev}, nil
	})
	return err
}

// Persist writes the current snapshot through a ledger transaction without
// changing state.
func (c *core) Persist(ctx context.Context) error {
	_, err := c.mutate(ctx, "persist", func(context.Context, domain.LedgerTx, *state) ([]domain.Event, error) {
		return nil, nil
	})
	return err
}

func (c *core) finalizeStep(ctx context.Context, next *state) (domain.Event, error) {
	if next.answer != nil || !next.resolvedAt.IsZero() {
		c.logger.Error("open market carries a resolution")
		return domain.Event{}, domain.ErrAlreadyResolved
	}
	qid := c.cfg.QuestionID
	status, err := c.adj.Status(ctx, qid)
	if err != nil {
		return domain.Event{}, fmt.Errorf("adjudicator status: %w", err)
	}
	if !status.IsFinal() {
		return domain.Event{}, fmt.Errorf("%w: question %s is %s", domain.ErrOracleNotFinal, qid.Hex(), status)
	}
	ans, err := c.adj.BestAnswer(ctx, qid)
	if err != nil {
		return domain.Event{}, fmt.Errorf("adjudicator answer: %w", err)
	}
	res, err := c.res.resolve(ans.Payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", domain.ErrInvalidOutcome, err)
	}

	next.status = domain.MarketResolved
	next.resolvedAt = c.now().UTC()
	next.answer = bytes.Clone(ans.Payload)
	next.resolution = res

	ev := c.event(domain.EventFinalized, common.Address{}, nil)
	ev.QuestionID = qid
	ev.Payload = bytes.Clone(ans.Payload)
	ev.Meta = map[string]string{
		"adjudicator_status": status.String(),
		"reporter":           ans.Reporter.Hex(),
	}
	c.logger.Info("market finalized",
		slog.String("question_id", qid.Hex()),
		slog.String("adjudicator_status", status.String()),
	)
	return ev, nil
}

// release decrements the locked pool. The pool always covers outstanding
// claims, so a shortfall is an accounting bug.
func (c *core) release(next *state, amount *uint256.Int) error {
	if next.locked.Lt(amount) {
		c.logger.Error("collateral pool shortfall",
			slog.String("locked", next.locked.Dec()),
			slog.String("requested", amount.Dec()),
		)
		return fmt.Errorf("%w: locked %s, requested %s", domain.ErrPoolInsufficient, next.locked.Dec(), amount.Dec())
	}
	next.locked = new(uint256.Int).Sub(next.locked, amount)
	return nil
}

// Fee returns floor(gross*feeBps/10000).
func Fee(gross *uint256.Int, feeBps uint16) *uint256.Int {
	fee, _ := new(uint256.Int).MulDivOverflow(gross, uint256.NewInt(uint64(feeBps)), bpsDenominator)
	return fee
}

// payout moves gross out of the market: the fee to the fee recipient when
// non-zero, the rest to user.
func (c *core) payout(ctx context.Context, tx domain.LedgerTx, user common.Address, gross *uint256.Int) (net, fee *uint256.Int, err error) {
	fee = Fee(gross, c.cfg.FeeBps)
	if !fee.IsZero() {
		if err := tx.TransferCollateral(ctx, c.cfg.Collateral, c.address, c.cfg.FeeRecipient, fee); err != nil {
			return nil, nil, fmt.Errorf("fee transfer: %w", err)
		}
	}
	net = new(uint256.Int).Sub(gross, fee)
	if err := tx.TransferCollateral(ctx, c.cfg.Collateral, c.address, user, net); err != nil {
		return nil, nil, fmt.Errorf("payout transfer: %w", err)
	}
	return net, fee, nil
}

// claimPick selects, from a resolved state, the claim to burn and the gross
// collateral it is worth.
type claimPick func(next *state, amount *uint256.Int) (outcome uint8, gross *uint256.Int, meta map[string]string, err error)

// redeem finalizes the market first when needed, then burns amount of the
// picked claim and pays out its gross value minus fee.
func (c *core) redeem(ctx context.Context, op string, user common.Address, amount *uint256.Int, pick claimPick) (*uint256.Int, error) {
	if err := checkAmount(amount); err != nil {
		return nil, fmt.Errorf("settlement: %s: %w", op, err)
	}
	var paid *uint256.Int
	_, err := c.mutate(ctx, op, func(ctx context.Context, tx domain.LedgerTx, next *state) ([]domain.Event, error) {
		var evs []domain.Event
		switch next.status {
		case domain.MarketOpen:
			ev, err := c.finalizeStep(ctx, next)
			if err != nil {
				return nil, err
			}
			evs = append(evs, ev)
		case domain.MarketResolved:
		default:
			return nil, domain.ErrNotOpen
		}

		outcome, gross, meta, err := pick(next, amount)
		if err != nil {
			return nil, err
		}
		if err := tx.Burn(ctx, c.Claim(outcome), user, amount); err != nil {
			return nil, err
		}
		if err := c.release(next, gross); err != nil {
			return nil, err
		}
		net, fee, err := c.payout(ctx, tx, user, gross)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			meta = make(map[string]string, 2)
		}
		meta["gross"] = gross.Dec()
		meta["fee"] = fee.Dec()

		ev := c.event(domain.EventRedeemed, user, net)
		ev.Meta = meta
		paid = net
		return append(evs, ev), nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}
