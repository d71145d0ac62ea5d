// Package settlement implements the outcome-claim settlement engine: a shared
// market core (state machine, fee arithmetic, finalize protocol) and the
// binary, categorical and scalar market shapes built on it.
//
// A market serializes every mutating call behind a one-slot semaphore. All
// asset legs of one call run inside a single ledger transaction, and the
// in-memory state is swapped in only after that transaction commits.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// defaultGuardWait bounds how long a call on an uncancellable context waits
// for the market guard.
const defaultGuardWait = 30 * time.Second

// Config is the immutable construction config of a market.
type Config struct {
	Name         string
	Collateral   common.Address
	QuestionID   common.Hash
	FeeRecipient common.Address
	FeeBps       uint16
}

// Deps are the collaborators a market calls into.
type Deps struct {
	Adjudicator domain.Adjudicator
	Ledger      domain.Ledger
	// Observer is optional. It receives committed events.
	Observer domain.EventObserver
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Market is the shape-independent surface of a market. The set of
// implementations is closed: Binary, Categorical and Scalar.
type Market interface {
	Address() common.Address
	Shape() domain.MarketShape
	QuestionID() common.Hash
	Status() domain.MarketStatus
	Split(ctx context.Context, user common.Address, amount *uint256.Int) error
	Merge(ctx context.Context, user common.Address, sets *uint256.Int) error
	Finalize(ctx context.Context) error
	Snapshot() domain.MarketSnapshot
	Persist(ctx context.Context) error
	Reload(ctx context.Context, load func(context.Context) (domain.MarketSnapshot, error)) error

	base() *core
}

// Redeemer is implemented by the shapes with a single winning claim.
type Redeemer interface {
	Redeem(ctx context.Context, user common.Address, amount *uint256.Int) (*uint256.Int, error)
}

// MarketAddress derives the ledger account of a market from its identity.
func MarketAddress(collateral common.Address, questionID common.Hash, shape domain.MarketShape, name string) common.Address {
	h := crypto.Keccak256(collateral.Bytes(), questionID.Bytes(), []byte(shape), []byte(name))
	return common.BytesToAddress(h[12:])
}

func (c Config) validate(deps Deps) error {
	switch {
	case c.Collateral == (common.Address{}):
		return fmt.Errorf("%w: collateral asset is required", domain.ErrInvalidConfig)
	case deps.Adjudicator == nil:
		return fmt.Errorf("%w: adjudicator is required", domain.ErrInvalidConfig)
	case deps.Ledger == nil:
		return fmt.Errorf("%w: ledger is required", domain.ErrInvalidConfig)
	case c.FeeRecipient == (common.Address{}):
		return fmt.Errorf("%w: fee recipient is required", domain.ErrInvalidConfig)
	case c.FeeBps > domain.MaxFeeBps:
		return fmt.Errorf("%w: fee_bps %d exceeds %d", domain.ErrInvalidConfig, c.FeeBps, domain.MaxFeeBps)
	}
	return nil
}

func newCore(cfg Config, deps Deps, shape domain.MarketShape, outcomes []string, rng *domain.ScalarRange, res resolver) (*core, error) {
	if err := cfg.validate(deps); err != nil {
		return nil, fmt.Errorf("settlement: new %s market: %w", shape, err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	addr := MarketAddress(cfg.Collateral, cfg.QuestionID, shape, cfg.Name)

	return &core{
		cfg:       cfg,
		address:   addr,
		shape:     shape,
		outcomes:  append([]string(nil), outcomes...),
		rng:       rng,
		res:       res,
		createdAt: now().UTC(),
		adj:       deps.Adjudicator,
		ledger:    deps.Ledger,
		observer:  deps.Observer,
		now:       now,
		logger: logger.With(
			slog.String("component", "settlement"),
			slog.String("market", addr.Hex()),
			slog.String("shape", string(shape)),
		),
		sem:       make(chan struct{}, 1),
		guardWait: defaultGuardWait,
		st: state{
			status: domain.MarketOpen,
			locked: new(uint256.Int),
		},
	}, nil
}
