// Package ledger provides an in-memory implementation of the collateral and
// claim ledger. It backs tests and the "memory" ledger backend, and also
// serves the persisted market snapshots and event log for that backend.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

type balanceKey struct {
	asset  common.Address
	holder common.Address
}

type claimKey struct {
	claim  domain.ClaimID
	holder common.Address
}

// TransferHook is invoked for every collateral transfer inside a
// transaction, before the balances move. A non-nil error aborts the transfer.
// Tests use it to model hostile or failing collateral assets.
type TransferHook func(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error

// Memory is a transactional in-memory ledger. Transactions are serialized:
// Begin blocks until the previous transaction commits or rolls back.
type Memory struct {
	txMu sync.Mutex

	mu         sync.RWMutex
	collateral map[balanceKey]*uint256.Int
	claims     map[claimKey]*uint256.Int
	supply     map[domain.ClaimID]*uint256.Int
	markets    map[common.Address]domain.MarketSnapshot
	events     []storedEvent

	hook TransferHook
}

type storedEvent struct {
	ev       domain.Event
	archived bool
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		collateral: make(map[balanceKey]*uint256.Int),
		claims:     make(map[claimKey]*uint256.Int),
		supply:     make(map[domain.ClaimID]*uint256.Int),
		markets:    make(map[common.Address]domain.MarketSnapshot),
	}
}

// SetTransferHook installs h. Pass nil to remove it.
func (m *Memory) SetTransferHook(h TransferHook) {
	m.mu.Lock()
	m.hook = h
	m.mu.Unlock()
}

// Begin starts a transaction.
func (m *Memory) Begin(ctx context.Context) (domain.LedgerTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ledger: begin: %w", err)
	}
	m.txMu.Lock()
	m.mu.RLock()
	hook := m.hook
	m.mu.RUnlock()
	return &memTx{
		m:          m,
		hook:       hook,
		collateral: make(map[balanceKey]*uint256.Int),
		claims:     make(map[claimKey]*uint256.Int),
		supply:     make(map[domain.ClaimID]*uint256.Int),
		markets:    make(map[common.Address]domain.MarketSnapshot),
	}, nil
}

// Deposit credits holder with amount of asset.
func (m *Memory) Deposit(ctx context.Context, asset, holder common.Address, amount *uint256.Int) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	t := tx.(*memTx)
	k := balanceKey{asset, holder}
	bal, overflow := new(uint256.Int).AddOverflow(t.collateralOf(k), amount)
	if overflow {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("ledger: deposit: %w: overflow", domain.ErrBadAmount)
	}
	t.collateral[k] = bal
	return tx.Commit(ctx)
}

func (m *Memory) CollateralBalance(_ context.Context, asset, holder common.Address) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneOrZero(m.collateral[balanceKey{asset, holder}]), nil
}

func (m *Memory) ClaimBalance(_ context.Context, claim domain.ClaimID, holder common.Address) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneOrZero(m.claims[claimKey{claim, holder}]), nil
}

func (m *Memory) ClaimSupply(_ context.Context, claim domain.ClaimID) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneOrZero(m.supply[claim]), nil
}

// GetMarket returns the last committed snapshot of addr.
func (m *Memory) GetMarket(_ context.Context, addr common.Address) (domain.MarketSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.markets[addr]
	if !ok {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

// ListMarkets returns snapshots ordered by creation time, newest first. An
// empty status matches every market.
func (m *Memory) ListMarkets(_ context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.MarketSnapshot, error) {
	m.mu.RLock()
	out := make([]domain.MarketSnapshot, 0, len(m.markets))
	for _, s := range m.markets {
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Address.Hex() < out[j].Address.Hex()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, opts), nil
}

func (m *Memory) CountMarkets(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.markets)), nil
}

// ListEvents returns the events of one market in emission order.
func (m *Memory) ListEvents(_ context.Context, market common.Address, opts domain.ListOpts) ([]domain.Event, error) {
	m.mu.RLock()
	var out []domain.Event
	for _, se := range m.events {
		if se.ev.Market != market {
			continue
		}
		if opts.Since != nil && se.ev.At.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && se.ev.At.After(*opts.Until) {
			continue
		}
		out = append(out, se.ev)
	}
	m.mu.RUnlock()
	return paginate(out, opts), nil
}

func (m *Memory) ListUnarchivedBefore(_ context.Context, before time.Time, limit int) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Event
	for _, se := range m.events {
		if se.archived || !se.ev.At.Before(before) {
			continue
		}
		out = append(out, se.ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkArchived(_ context.Context, ids []string) error {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if set[m.events[i].ev.ID] {
			m.events[i].archived = true
		}
	}
	return nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

var (
	_ domain.Ledger      = (*Memory)(nil)
	_ domain.Faucet      = (*Memory)(nil)
	_ domain.MarketStore = (*Memory)(nil)
	_ domain.EventStore  = (*Memory)(nil)
)
