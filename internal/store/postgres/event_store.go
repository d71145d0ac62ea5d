package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// EventStore implements domain.EventStore over the settlement_events table.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const eventColumns = `id::text, kind, market, holder, amount::text, question_id, payload, meta, created_at`

// ListEvents returns the events of one market in emission order.
func (s *EventStore) ListEvents(ctx context.Context, market common.Address, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM settlement_events WHERE market = $1`
	args := []any{market.Hex()}
	argIdx := 2

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

	query += " ORDER BY created_at, id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.query(ctx, "list events", query, args...)
}

// ListUnarchivedBefore returns up to limit events created before the cutoff
// that have not been archived yet, oldest first.
func (s *EventStore) ListUnarchivedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM settlement_events
		WHERE archived_at IS NULL AND created_at < $1
		ORDER BY created_at, id`
	args := []any{before}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.query(ctx, "list unarchived events", query, args...)
}

// MarkArchived stamps archived_at on the given events.
func (s *EventStore) MarkArchived(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	uids := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		u, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("postgres: event id %q: %w", id, err)
		}
		uids = append(uids, u)
	}
	const query = `UPDATE settlement_events SET archived_at = NOW() WHERE id = ANY($1) AND archived_at IS NULL`
	if _, err := s.pool.Exec(ctx, query, uids); err != nil {
		return fmt.Errorf("postgres: mark %d events archived: %w", len(ids), err)
	}
	return nil
}

func (s *EventStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

func scanEvent(row pgx.Row) (domain.Event, error) {
	var (
		ev                  domain.Event
		kind, market        string
		holder, amount, qid *string
		payload, meta       []byte
	)
	if err := row.Scan(&ev.ID, &kind, &market, &holder, &amount, &qid, &payload, &meta, &ev.At); err != nil {
		return domain.Event{}, err
	}
	ev.Kind = domain.EventKind(kind)
	ev.Market = common.HexToAddress(market)
	if holder != nil {
		ev.User = common.HexToAddress(*holder)
	}
	if amount != nil {
		a, err := parseNumeric(*amount)
		if err != nil {
			return domain.Event{}, err
		}
		ev.Amount = a
	}
	if qid != nil {
		ev.QuestionID = common.HexToHash(*qid)
	}
	if len(payload) > 0 {
		ev.Payload = payload
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Meta); err != nil {
			return domain.Event{}, fmt.Errorf("decode event meta: %w", err)
		}
	}
	ev.At = ev.At.UTC()
	return ev, nil
}

var _ domain.EventStore = (*EventStore)(nil)
