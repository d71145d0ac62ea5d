package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// EventKind names a settlement event.
type EventKind string

const (
	EventSplit     EventKind = "split"
	EventMerge     EventKind = "merge"
	EventFinalized EventKind = "finalized"
	EventRedeemed  EventKind = "redeemed"
)

// Event is emitted by a market after the ledger transaction that produced it
// has committed.
//
// Split and Merge carry the user and amount. Finalized carries the question id
// and the raw adjudicator payload. Redeemed carries the user, the net amount
// paid, and shape-specific metadata (winning side, leg, gross, fee).
type Event struct {
	ID         string            `json:"id"`
	Kind       EventKind         `json:"kind"`
	Market     common.Address    `json:"market"`
	User       common.Address    `json:"user,omitempty"`
	Amount     *uint256.Int      `json:"amount,omitempty"`
	QuestionID common.Hash       `json:"question_id,omitempty"`
	Payload    hexutil.Bytes     `json:"payload,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	At         time.Time         `json:"at"`
}

// EventObserver receives committed events. Observers run outside the market's
// critical section and cannot fail the operation that produced the event.
type EventObserver interface {
	OnEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to EventObserver.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }
