package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// Ledger implements domain.Ledger on PostgreSQL. Amounts are NUMERIC(78,0)
// columns; they travel as decimal text to keep full 256-bit precision.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Begin starts a read-committed transaction. Debits are guarded in SQL so
// concurrent transactions cannot overdraw a balance.
func (l *Ledger) Begin(ctx context.Context) (domain.LedgerTx, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("postgres: begin ledger tx: %w", err)
	}
	return &ledgerTx{tx: tx}, nil
}

// Deposit credits holder with amount of asset.
func (l *Ledger) Deposit(ctx context.Context, asset, holder common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if _, err := l.pool.Exec(ctx, creditCollateralSQL, asset.Hex(), holder.Hex(), amount.Dec()); err != nil {
		return fmt.Errorf("postgres: deposit to %s: %w", holder.Hex(), err)
	}
	return nil
}

func (l *Ledger) CollateralBalance(ctx context.Context, asset, holder common.Address) (*uint256.Int, error) {
	const query = `SELECT amount::text FROM collateral_balances WHERE asset = $1 AND holder = $2`
	return l.amount(ctx, query, asset.Hex(), holder.Hex())
}

func (l *Ledger) ClaimBalance(ctx context.Context, claim domain.ClaimID, holder common.Address) (*uint256.Int, error) {
	const query = `SELECT amount::text FROM claim_balances WHERE market = $1 AND outcome = $2 AND holder = $3`
	return l.amount(ctx, query, claim.Market.Hex(), int16(claim.Outcome), holder.Hex())
}

func (l *Ledger) ClaimSupply(ctx context.Context, claim domain.ClaimID) (*uint256.Int, error) {
	const query = `SELECT amount::text FROM claim_supply WHERE market = $1 AND outcome = $2`
	return l.amount(ctx, query, claim.Market.Hex(), int16(claim.Outcome))
}

func (l *Ledger) amount(ctx context.Context, query string, args ...any) (*uint256.Int, error) {
	var s string
	err := l.pool.QueryRow(ctx, query, args...).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: read balance: %w", err)
	}
	return parseNumeric(s)
}

func parseNumeric(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse numeric %q: %w", s, err)
	}
	return v, nil
}

const (
	creditCollateralSQL = `
		INSERT INTO collateral_balances (asset, holder, amount)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (asset, holder) DO UPDATE SET
			amount     = collateral_balances.amount + EXCLUDED.amount,
			updated_at = NOW()`

	debitCollateralSQL = `
		UPDATE collateral_balances
		SET amount = amount - $3::numeric, updated_at = NOW()
		WHERE asset = $1 AND holder = $2 AND amount >= $3::numeric`

	creditClaimSQL = `
		INSERT INTO claim_balances (market, outcome, holder, amount)
		VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (market, outcome, holder) DO UPDATE SET
			amount     = claim_balances.amount + EXCLUDED.amount,
			updated_at = NOW()`

	debitClaimSQL = `
		UPDATE claim_balances
		SET amount = amount - $4::numeric, updated_at = NOW()
		WHERE market = $1 AND outcome = $2 AND holder = $3 AND amount >= $4::numeric`

	adjustSupplySQL = `
		INSERT INTO claim_supply (market, outcome, amount)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (market, outcome) DO UPDATE SET
			amount = claim_supply.amount + EXCLUDED.amount`

	upsertMarketSQL = `
		INSERT INTO markets (address, name, shape, status, question_id, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (address) DO UPDATE SET
			status     = EXCLUDED.status,
			snapshot   = EXCLUDED.snapshot,
			updated_at = NOW()`

	insertEventSQL = `
		INSERT INTO settlement_events (id, kind, market, holder, amount, question_id, payload, meta, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)`
)

// ledgerTx is one pgx transaction.
type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) TransferCollateral(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() || from == to {
		return nil
	}
	tag, err := t.tx.Exec(ctx, debitCollateralSQL, asset.Hex(), from.Hex(), amount.Dec())
	if err != nil {
		return fmt.Errorf("postgres: debit %s: %w", from.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: transfer %s from %s: %w", amount.Dec(), from.Hex(), domain.ErrInsufficientBalance)
	}
	if _, err := t.tx.Exec(ctx, creditCollateralSQL, asset.Hex(), to.Hex(), amount.Dec()); err != nil {
		return fmt.Errorf("postgres: credit %s: %w", to.Hex(), err)
	}
	return nil
}

func (t *ledgerTx) Mint(ctx context.Context, claim domain.ClaimID, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if _, err := t.tx.Exec(ctx, creditClaimSQL, claim.Market.Hex(), int16(claim.Outcome), to.Hex(), amount.Dec()); err != nil {
		return fmt.Errorf("postgres: mint %s: %w", claim, err)
	}
	if _, err := t.tx.Exec(ctx, adjustSupplySQL, claim.Market.Hex(), int16(claim.Outcome), amount.Dec()); err != nil {
		return fmt.Errorf("postgres: mint supply %s: %w", claim, err)
	}
	return nil
}

func (t *ledgerTx) Burn(ctx context.Context, claim domain.ClaimID, from common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	tag, err := t.tx.Exec(ctx, debitClaimSQL, claim.Market.Hex(), int16(claim.Outcome), from.Hex(), amount.Dec())
	if err != nil {
		return fmt.Errorf("postgres: burn %s: %w", claim, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: burn %s from %s: %w", claim, from.Hex(), domain.ErrInsufficientBalance)
	}
	if _, err := t.tx.Exec(ctx, adjustSupplySQL, claim.Market.Hex(), int16(claim.Outcome), "-"+amount.Dec()); err != nil {
		return fmt.Errorf("postgres: burn supply %s: %w", claim, err)
	}
	return nil
}

func (t *ledgerTx) SaveMarket(ctx context.Context, snap domain.MarketSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: marshal market %s: %w", snap.Address.Hex(), err)
	}
	_, err = t.tx.Exec(ctx, upsertMarketSQL,
		snap.Address.Hex(), snap.Name, string(snap.Shape), string(snap.Status),
		snap.QuestionID.Hex(), data, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save market %s: %w", snap.Address.Hex(), err)
	}
	return nil
}

func (t *ledgerTx) AppendEvent(ctx context.Context, ev domain.Event) error {
	var meta []byte
	if len(ev.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(ev.Meta); err != nil {
			return fmt.Errorf("postgres: marshal event meta: %w", err)
		}
	}
	var holder, amount, qid *string
	if ev.User != (common.Address{}) {
		h := ev.User.Hex()
		holder = &h
	}
	if ev.Amount != nil {
		a := ev.Amount.Dec()
		amount = &a
	}
	if ev.QuestionID != (common.Hash{}) {
		q := ev.QuestionID.Hex()
		qid = &q
	}
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		return fmt.Errorf("postgres: event id %q: %w", ev.ID, err)
	}
	_, err = t.tx.Exec(ctx, insertEventSQL,
		id, string(ev.Kind), ev.Market.Hex(), holder, amount, qid,
		[]byte(ev.Payload), meta, ev.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", ev.ID, err)
	}
	return nil
}

func (t *ledgerTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit ledger tx: %w", err)
	}
	return nil
}

// Rollback is safe to call after Commit.
func (t *ledgerTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: rollback ledger tx: %w", err)
	}
	return nil
}

var (
	_ domain.Ledger = (*Ledger)(nil)
	_ domain.Faucet = (*Ledger)(nil)
)
