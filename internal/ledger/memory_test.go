package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

var (
	usdc  = common.HexToAddress("0xc0")
	alice = common.HexToAddress("0xa1")
	bob   = common.HexToAddress("0xb0")
)

func u(n uint64) *uint256.Int { return uint256.NewInt(n) }

func balance(t *testing.T, m *Memory, holder common.Address) uint64 {
	t.Helper()
	b, err := m.CollateralBalance(context.Background(), usdc, holder)
	require.NoError(t, err)
	return b.Uint64()
}

func TestMemoryTransfer(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Deposit(ctx, usdc, alice, u(100)))

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.TransferCollateral(ctx, usdc, alice, bob, u(40)))

	// Staged changes are invisible until commit.
	assert.Equal(t, uint64(100), balance(t, m, alice))
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, uint64(60), balance(t, m, alice))
	assert.Equal(t, uint64(40), balance(t, m, bob))

	assert.ErrorIs(t, tx.Commit(ctx), errTxDone)
}

func TestMemoryInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Deposit(ctx, usdc, alice, u(10)))

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	err = tx.TransferCollateral(ctx, usdc, alice, bob, u(11))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.NoError(t, tx.Rollback(ctx))

	claim := domain.ClaimID{Market: bob, Outcome: 0}
	tx, err = m.Begin(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, tx.Burn(ctx, claim, alice, u(1)), domain.ErrInsufficientBalance)
	require.NoError(t, tx.Rollback(ctx))
}

func TestMemoryRollback(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Deposit(ctx, usdc, alice, u(50)))
	claim := domain.ClaimID{Market: bob, Outcome: 1}

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.TransferCollateral(ctx, usdc, alice, bob, u(50)))
	require.NoError(t, tx.Mint(ctx, claim, alice, u(50)))
	require.NoError(t, tx.SaveMarket(ctx, domain.MarketSnapshot{Address: bob}))
	require.NoError(t, tx.AppendEvent(ctx, domain.Event{ID: "e1", Market: bob}))
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx))

	assert.Equal(t, uint64(50), balance(t, m, alice))
	sup, err := m.ClaimSupply(ctx, claim)
	require.NoError(t, err)
	assert.True(t, sup.IsZero())
	_, err = m.GetMarket(ctx, bob)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	evs, err := m.ListEvents(ctx, bob, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestMemoryMintBurn(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	claim := domain.ClaimID{Market: bob, Outcome: 0}

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Mint(ctx, claim, alice, u(30)))
	require.NoError(t, tx.Burn(ctx, claim, alice, u(10)))
	require.NoError(t, tx.Commit(ctx))

	bal, err := m.ClaimBalance(ctx, claim, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), bal.Uint64())
	sup, err := m.ClaimSupply(ctx, claim)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), sup.Uint64())
}

func TestMemoryTransferHook(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Deposit(ctx, usdc, alice, u(10)))

	boom := errors.New("asset paused")
	m.SetTransferHook(func(context.Context, common.Address, common.Address, common.Address, *uint256.Int) error {
		return boom
	})

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, tx.TransferCollateral(ctx, usdc, alice, bob, u(1)), boom)
	require.NoError(t, tx.Rollback(ctx))

	m.SetTransferHook(nil)
	tx, err = m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.TransferCollateral(ctx, usdc, alice, bob, u(1)))
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, uint64(1), balance(t, m, bob))
}

func TestMemoryMarketsAndEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SaveMarket(ctx, domain.MarketSnapshot{Address: alice, Status: domain.MarketOpen, CreatedAt: base}))
	require.NoError(t, tx.SaveMarket(ctx, domain.MarketSnapshot{Address: bob, Status: domain.MarketResolved, CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, tx.AppendEvent(ctx, domain.Event{ID: "1", Market: alice, At: base}))
	require.NoError(t, tx.AppendEvent(ctx, domain.Event{ID: "2", Market: alice, At: base.Add(time.Minute)}))
	require.NoError(t, tx.AppendEvent(ctx, domain.Event{ID: "3", Market: bob, At: base.Add(2 * time.Hour)}))
	require.NoError(t, tx.Commit(ctx))

	all, err := m.ListMarkets(ctx, "", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, bob, all[0].Address)

	open, err := m.ListMarkets(ctx, domain.MarketOpen, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, alice, open[0].Address)

	n, err := m.CountMarkets(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	evs, err := m.ListEvents(ctx, alice, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "2", evs[0].ID)

	old, err := m.ListUnarchivedBefore(ctx, base.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, old, 2)

	require.NoError(t, m.MarkArchived(ctx, []string{"1"}))
	old, err = m.ListUnarchivedBefore(ctx, base.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "2", old[0].ID)
}
