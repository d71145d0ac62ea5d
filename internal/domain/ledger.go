package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Ledger holds collateral balances per (asset, holder) and claim balances
// per (claim, holder). Every asset movement of a market call happens inside a
// single LedgerTx so a failed leg leaves nothing observable.
type Ledger interface {
	Begin(ctx context.Context) (LedgerTx, error)
	CollateralBalance(ctx context.Context, asset, holder common.Address) (*uint256.Int, error)
	ClaimBalance(ctx context.Context, claim ClaimID, holder common.Address) (*uint256.Int, error)
	ClaimSupply(ctx context.Context, claim ClaimID) (*uint256.Int, error)
}

// LedgerTx is one atomic unit of ledger work. Transfers and burns fail with
// ErrInsufficientBalance when the source cannot cover the amount. Zero
// amounts are accepted and have no effect.
//
// Any callback a ledger makes back into markets (transfer hooks, token
// receivers) must be given the ctx the ledger method received. Markets detect
// re-entry through it; a callback on a fresh context is only cut off after
// the market's guard wait.
type LedgerTx interface {
	TransferCollateral(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error
	Mint(ctx context.Context, claim ClaimID, to common.Address, amount *uint256.Int) error
	Burn(ctx context.Context, claim ClaimID, from common.Address, amount *uint256.Int) error
	SaveMarket(ctx context.Context, snap MarketSnapshot) error
	AppendEvent(ctx context.Context, ev Event) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Faucet credits collateral out of thin air. Only development ledgers
// implement it.
type Faucet interface {
	Deposit(ctx context.Context, asset, holder common.Address, amount *uint256.Int) error
}
