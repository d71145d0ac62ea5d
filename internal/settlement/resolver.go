package settlement

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polysettle/internal/codec"
	"github.com/alanyoungcy/polysettle/internal/domain"
)

// resolver turns an adjudicator payload into shape-specific settlement
// parameters.
type resolver interface {
	claims() int
	resolve(payload []byte) (domain.Resolution, error)
}

type binaryResolver struct{}

func (binaryResolver) claims() int { return 2 }

func (binaryResolver) resolve(payload []byte) (domain.Resolution, error) {
	yes, err := codec.DecodeBool(payload)
	if err != nil {
		return domain.Resolution{}, err
	}
	w := domain.OutcomeNegative
	if yes {
		w = domain.OutcomeAffirmative
	}
	return domain.Resolution{WinningOutcome: &w}, nil
}

type categoricalResolver struct{ n int }

func (r categoricalResolver) claims() int { return r.n }

func (r categoricalResolver) resolve(payload []byte) (domain.Resolution, error) {
	idx, err := codec.DecodeUint(payload)
	if err != nil {
		return domain.Resolution{}, err
	}
	if !idx.IsUint64() || idx.Uint64() >= uint64(r.n) {
		return domain.Resolution{}, fmt.Errorf("winning index %s out of range [0,%d)", idx, r.n)
	}
	w := uint8(idx.Uint64())
	return domain.Resolution{WinningOutcome: &w}, nil
}

type scalarResolver struct{ min, max *big.Int }

func (scalarResolver) claims() int { return 2 }

func (r scalarResolver) resolve(payload []byte) (domain.Resolution, error) {
	v, err := codec.DecodeInt(payload)
	if err != nil {
		return domain.Resolution{}, err
	}
	clamped, frac := ScalarFraction(v, r.min, r.max)
	return domain.Resolution{Value: clamped, Fraction: frac}, nil
}

// ScalarFraction clamps v to [min, max] and returns the clamped value with
// floor((clamped-min)*1e18/(max-min)). min must be strictly below max.
func ScalarFraction(v, min, max *big.Int) (*big.Int, *uint256.Int) {
	clamped := new(big.Int).Set(v)
	if clamped.Cmp(min) < 0 {
		clamped.Set(min)
	}
	if clamped.Cmp(max) > 0 {
		clamped.Set(max)
	}
	num := new(big.Int).Sub(clamped, min)
	num.Mul(num, domain.FractionScale.ToBig())
	num.Quo(num, new(big.Int).Sub(max, min))
	// num is in [0, 1e18], so it always fits.
	frac, _ := uint256.FromBig(num)
	return clamped, frac
}

// LongPayout is floor(amount*fraction/1e18).
func LongPayout(amount, fraction *uint256.Int) *uint256.Int {
	out, _ := new(uint256.Int).MulDivOverflow(amount, fraction, domain.FractionScale)
	return out
}

// ShortPayout is amount minus the long payout, so the two legs of a complete
// set always sum to amount.
func ShortPayout(amount, fraction *uint256.Int) *uint256.Int {
	return new(uint256.Int).Sub(amount, LongPayout(amount, fraction))
}
