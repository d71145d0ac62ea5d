package settlement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// Binary is a yes/no market with an affirmative and a negative claim.
type Binary struct {
	*core
}

// NewBinary constructs an open binary market.
func NewBinary(cfg Config, deps Deps) (*Binary, error) {
	c, err := newCore(cfg, deps, domain.ShapeBinary, []string{"affirmative", "negative"}, nil, binaryResolver{})
	if err != nil {
		return nil, err
	}
	return &Binary{core: c}, nil
}

// Redeem burns amount of the winning claim from user and pays amount minus
// fee. An open market is finalized first, in the same transaction.
func (b *Binary) Redeem(ctx context.Context, user common.Address, amount *uint256.Int) (*uint256.Int, error) {
	return b.redeem(ctx, "redeem", user, amount, func(next *state, amount *uint256.Int) (uint8, *uint256.Int, map[string]string, error) {
		w := next.resolution.WinningOutcome
		if w == nil {
			return 0, nil, nil, fmt.Errorf("%w: resolved market has no winning outcome", domain.ErrInvalidOutcome)
		}
		side := "negative"
		if *w == domain.OutcomeAffirmative {
			side = "affirmative"
		}
		return *w, amount, map[string]string{"side": side}, nil
	})
}
