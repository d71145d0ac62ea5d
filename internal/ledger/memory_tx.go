package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

var errTxDone = errors.New("ledger: transaction already finished")

// memTx stages absolute post-balances and applies them on Commit.
type memTx struct {
	m    *Memory
	hook TransferHook
	done bool

	collateral map[balanceKey]*uint256.Int
	claims     map[claimKey]*uint256.Int
	supply     map[domain.ClaimID]*uint256.Int
	markets    map[common.Address]domain.MarketSnapshot
	events     []domain.Event
}

func (t *memTx) collateralOf(k balanceKey) *uint256.Int {
	if v, ok := t.collateral[k]; ok {
		return v
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	return cloneOrZero(t.m.collateral[k])
}

func (t *memTx) claimOf(k claimKey) *uint256.Int {
	if v, ok := t.claims[k]; ok {
		return v
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	return cloneOrZero(t.m.claims[k])
}

func (t *memTx) supplyOf(c domain.ClaimID) *uint256.Int {
	if v, ok := t.supply[c]; ok {
		return v
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	return cloneOrZero(t.m.supply[c])
}

func (t *memTx) TransferCollateral(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error {
	if t.done {
		return errTxDone
	}
	if t.hook != nil {
		if err := t.hook(ctx, asset, from, to, amount); err != nil {
			return fmt.Errorf("ledger: transfer hook: %w", err)
		}
	}
	if amount.IsZero() || from == to {
		return nil
	}
	src := t.collateralOf(balanceKey{asset, from})
	if src.Lt(amount) {
		return fmt.Errorf("ledger: transfer %s from %s: %w", amount.Dec(), from.Hex(), domain.ErrInsufficientBalance)
	}
	dst, overflow := new(uint256.Int).AddOverflow(t.collateralOf(balanceKey{asset, to}), amount)
	if overflow {
		return fmt.Errorf("ledger: transfer to %s: %w: overflow", to.Hex(), domain.ErrBadAmount)
	}
	t.collateral[balanceKey{asset, from}] = new(uint256.Int).Sub(src, amount)
	t.collateral[balanceKey{asset, to}] = dst
	return nil
}

func (t *memTx) Mint(_ context.Context, claim domain.ClaimID, to common.Address, amount *uint256.Int) error {
	if t.done {
		return errTxDone
	}
	if amount.IsZero() {
		return nil
	}
	bal, o1 := new(uint256.Int).AddOverflow(t.claimOf(claimKey{claim, to}), amount)
	sup, o2 := new(uint256.Int).AddOverflow(t.supplyOf(claim), amount)
	if o1 || o2 {
		return fmt.Errorf("ledger: mint %s: %w: overflow", claim, domain.ErrBadAmount)
	}
	t.claims[claimKey{claim, to}] = bal
	t.supply[claim] = sup
	return nil
}

func (t *memTx) Burn(_ context.Context, claim domain.ClaimID, from common.Address, amount *uint256.Int) error {
	if t.done {
		return errTxDone
	}
	if amount.IsZero() {
		return nil
	}
	bal := t.claimOf(claimKey{claim, from})
	if bal.Lt(amount) {
		return fmt.Errorf("ledger: burn %s from %s: %w", claim, from.Hex(), domain.ErrInsufficientBalance)
	}
	t.claims[claimKey{claim, from}] = new(uint256.Int).Sub(bal, amount)
	t.supply[claim] = new(uint256.Int).Sub(t.supplyOf(claim), amount)
	return nil
}

func (t *memTx) SaveMarket(_ context.Context, snap domain.MarketSnapshot) error {
	if t.done {
		return errTxDone
	}
	t.markets[snap.Address] = snap
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, ev domain.Event) error {
	if t.done {
		return errTxDone
	}
	t.events = append(t.events, ev)
	return nil
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	defer t.m.txMu.Unlock()

	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for k, v := range t.collateral {
		t.m.collateral[k] = v
	}
	for k, v := range t.claims {
		t.m.claims[k] = v
	}
	for k, v := range t.supply {
		t.m.supply[k] = v
	}
	for k, v := range t.markets {
		t.m.markets[k] = v
	}
	for _, ev := range t.events {
		t.m.events = append(t.m.events, storedEvent{ev: ev})
	}
	return nil
}

// Rollback discards staged changes. It is a no-op after Commit.
func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.m.txMu.Unlock()
	return nil
}
