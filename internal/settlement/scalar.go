package settlement

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polysettle/internal/codec"
	"github.com/alanyoungcy/polysettle/internal/domain"
)

// Scalar is a market over a signed value range with a long and a short claim.
// A complete set always redeems for exactly its collateral, split between the
// legs by the resolved fraction.
type Scalar struct {
	*core
}

// NewScalar constructs an open scalar market over rng.
func NewScalar(cfg Config, rng domain.ScalarRange, deps Deps) (*Scalar, error) {
	if rng.Min == nil || rng.Max == nil {
		return nil, fmt.Errorf("settlement: new scalar market: %w: range bounds are required", domain.ErrInvalidConfig)
	}
	if rng.Min.Cmp(rng.Max) >= 0 {
		return nil, fmt.Errorf("settlement: new scalar market: %w: min %s must be below max %s",
			domain.ErrInvalidConfig, rng.Min, rng.Max)
	}
	if !codec.InInt256Range(rng.Min) || !codec.InInt256Range(rng.Max) {
		return nil, fmt.Errorf("settlement: new scalar market: %w: range exceeds int256", domain.ErrInvalidConfig)
	}
	r := domain.ScalarRange{
		Min:      new(big.Int).Set(rng.Min),
		Max:      new(big.Int).Set(rng.Max),
		Decimals: rng.Decimals,
	}

	c, err := newCore(cfg, deps, domain.ShapeScalar, []string{"long", "short"}, &r, scalarResolver{min: r.Min, max: r.Max})
	if err != nil {
		return nil, err
	}
	return &Scalar{core: c}, nil
}

// Range returns a copy of the market's value range.
func (m *Scalar) Range() domain.ScalarRange {
	return domain.ScalarRange{
		Min:      new(big.Int).Set(m.rng.Min),
		Max:      new(big.Int).Set(m.rng.Max),
		Decimals: m.rng.Decimals,
	}
}

// RedeemLong burns amount of the long claim and pays
// floor(amount*fraction/1e18) minus fee.
func (m *Scalar) RedeemLong(ctx context.Context, user common.Address, amount *uint256.Int) (*uint256.Int, error) {
	return m.redeem(ctx, "redeem long", user, amount, m.pick(domain.OutcomeLong))
}

// RedeemShort burns amount of the short claim and pays amount minus the long
// payout, minus fee.
func (m *Scalar) RedeemShort(ctx context.Context, user common.Address, amount *uint256.Int) (*uint256.Int, error) {
	return m.redeem(ctx, "redeem short", user, amount, m.pick(domain.OutcomeShort))
}

func (m *Scalar) pick(leg uint8) claimPick {
	return func(next *state, amount *uint256.Int) (uint8, *uint256.Int, map[string]string, error) {
		frac := next.resolution.Fraction
		if frac == nil {
			return 0, nil, nil, fmt.Errorf("%w: resolved market has no fraction", domain.ErrInvalidOutcome)
		}
		meta := map[string]string{"fraction": frac.Dec()}
		if next.resolution.Value != nil {
			meta["value"] = next.resolution.Value.String()
		}
		if leg == domain.OutcomeLong {
			meta["leg"] = "long"
			return leg, LongPayout(amount, frac), meta, nil
		}
		meta["leg"] = "short"
		return leg, ShortPayout(amount, frac), meta, nil
	}
}
