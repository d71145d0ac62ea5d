package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore reads persisted market snapshots. Writes happen through
// LedgerTx.SaveMarket so they commit with the asset legs.
type MarketStore interface {
	GetMarket(ctx context.Context, addr common.Address) (MarketSnapshot, error)
	ListMarkets(ctx context.Context, status MarketStatus, opts ListOpts) ([]MarketSnapshot, error)
	CountMarkets(ctx context.Context) (int64, error)
}

// EventStore reads the persisted settlement event log.
type EventStore interface {
	ListEvents(ctx context.Context, market common.Address, opts ListOpts) ([]Event, error)
	ListUnarchivedBefore(ctx context.Context, before time.Time, limit int) ([]Event, error)
	MarkArchived(ctx context.Context, ids []string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Market    string         `json:"market,omitempty"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
