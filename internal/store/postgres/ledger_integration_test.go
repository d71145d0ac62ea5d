package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// newTestClient connects to POLYSETTLE_TEST_POSTGRES_DSN and migrates it.
// Tests that need it are skipped when the variable is unset.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("POLYSETTLE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POLYSETTLE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

func randomAddress() common.Address {
	id := uuid.New()
	return common.BytesToAddress(id[:])
}

func TestLedgerIntegration(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	l := NewLedger(c.Pool())
	events := NewEventStore(c.Pool())
	markets := NewMarketStore(c.Pool())

	asset, alice, market := randomAddress(), randomAddress(), randomAddress()
	require.NoError(t, l.Deposit(ctx, asset, alice, uint256.NewInt(100)))

	t.Run("insufficient balance rolls back", func(t *testing.T) {
		tx, err := l.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.TransferCollateral(ctx, asset, alice, market, uint256.NewInt(60)))
		err = tx.TransferCollateral(ctx, asset, alice, market, uint256.NewInt(60))
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
		require.NoError(t, tx.Rollback(ctx))

		bal, err := l.CollateralBalance(ctx, asset, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), bal.Uint64())
	})

	t.Run("commit", func(t *testing.T) {
		claim := domain.ClaimID{Market: market, Outcome: 1}
		now := time.Now().UTC().Truncate(time.Millisecond)
		ev := domain.Event{
			ID:     uuid.NewString(),
			Kind:   domain.EventSplit,
			Market: market,
			User:   alice,
			Amount: uint256.NewInt(40),
			Meta:   map[string]string{"k": "v"},
			At:     now,
		}

		tx, err := l.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.TransferCollateral(ctx, asset, alice, market, uint256.NewInt(40)))
		require.NoError(t, tx.Mint(ctx, claim, alice, uint256.NewInt(40)))
		require.NoError(t, tx.Burn(ctx, claim, alice, uint256.NewInt(15)))
		require.NoError(t, tx.SaveMarket(ctx, domain.MarketSnapshot{
			Address:          market,
			Name:             "it",
			Shape:            domain.ShapeBinary,
			Status:           domain.MarketOpen,
			CollateralLocked: uint256.NewInt(40),
			CreatedAt:        now,
		}))
		require.NoError(t, tx.AppendEvent(ctx, ev))
		require.NoError(t, tx.Commit(ctx))
		require.NoError(t, tx.Rollback(ctx))

		sup, err := l.ClaimSupply(ctx, claim)
		require.NoError(t, err)
		assert.Equal(t, uint64(25), sup.Uint64())

		snap, err := markets.GetMarket(ctx, market)
		require.NoError(t, err)
		assert.Equal(t, uint64(40), snap.CollateralLocked.Uint64())

		got, err := events.ListEvents(ctx, market, domain.ListOpts{})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ev.ID, got[0].ID)
		assert.Equal(t, "40", got[0].Amount.Dec())
		assert.Equal(t, "v", got[0].Meta["k"])

		require.NoError(t, events.MarkArchived(ctx, []string{ev.ID}))
		old, err := events.ListUnarchivedBefore(ctx, now.Add(time.Second), 0)
		require.NoError(t, err)
		for _, e := range old {
			assert.NotEqual(t, ev.ID, e.ID)
		}
	})

	_, err := markets.GetMarket(ctx, randomAddress())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
