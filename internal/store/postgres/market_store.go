package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL. Rows are
// written by the ledger transaction that changes the market.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// GetMarket returns the persisted snapshot of a single market.
func (s *MarketStore) GetMarket(ctx context.Context, addr common.Address) (domain.MarketSnapshot, error) {
	const query = `SELECT snapshot FROM markets WHERE address = $1`

	snap, err := scanSnapshot(s.pool.QueryRow(ctx, query, addr.Hex()))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MarketSnapshot{}, fmt.Errorf("postgres: market %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("postgres: get market %s: %w", addr.Hex(), err)
	}
	return snap, nil
}

// ListMarkets returns snapshots newest first. An empty status matches every
// market.
func (s *MarketStore) ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.MarketSnapshot, error) {
	query := `SELECT snapshot FROM markets WHERE 1=1`
	args := []any{}
	argIdx := 1

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(status))
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, address"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []domain.MarketSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return out, nil
}

// CountMarkets returns the total number of markets.
func (s *MarketStore) CountMarkets(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}

// scanSnapshot decodes the JSONB snapshot column.
func scanSnapshot(row pgx.Row) (domain.MarketSnapshot, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		return domain.MarketSnapshot{}, err
	}
	var snap domain.MarketSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

var _ domain.MarketStore = (*MarketStore)(nil)
