package settlement

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// Categorical is a market over 2 to 32 named, mutually exclusive outcomes.
type Categorical struct {
	*core
}

// NewCategorical constructs an open categorical market. Outcome names must be
// non-empty and unique.
func NewCategorical(cfg Config, outcomes []string, deps Deps) (*Categorical, error) {
	n := len(outcomes)
	if n < domain.MinCategoricalOutcomes || n > domain.MaxCategoricalOutcomes {
		return nil, fmt.Errorf("settlement: new categorical market: %w: %d outcomes, want %d..%d",
			domain.ErrInvalidConfig, n, domain.MinCategoricalOutcomes, domain.MaxCategoricalOutcomes)
	}
	seen := make(map[string]struct{}, n)
	for i, o := range outcomes {
		name := strings.TrimSpace(o)
		if name == "" {
			return nil, fmt.Errorf("settlement: new categorical market: %w: outcome %d has no name", domain.ErrInvalidConfig, i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("settlement: new categorical market: %w: duplicate outcome %q", domain.ErrInvalidConfig, name)
		}
		seen[name] = struct{}{}
	}

	c, err := newCore(cfg, deps, domain.ShapeCategorical, outcomes, nil, categoricalResolver{n: n})
	if err != nil {
		return nil, err
	}
	return &Categorical{core: c}, nil
}

// Outcomes returns the outcome names in index order.
func (m *Categorical) Outcomes() []string {
	return append([]string(nil), m.outcomes...)
}

// Redeem burns amount of the winning outcome's claim and pays amount minus
// fee.
func (m *Categorical) Redeem(ctx context.Context, user common.Address, amount *uint256.Int) (*uint256.Int, error) {
	return m.redeem(ctx, "redeem", user, amount, func(next *state, amount *uint256.Int) (uint8, *uint256.Int, map[string]string, error) {
		w := next.resolution.WinningOutcome
		if w == nil || int(*w) >= len(m.outcomes) {
			return 0, nil, nil, fmt.Errorf("%w: resolved market has no winning outcome", domain.ErrInvalidOutcome)
		}
		return *w, amount, map[string]string{
			"outcome":      strconv.Itoa(int(*w)),
			"outcome_name": m.outcomes[*w],
		}, nil
	})
}
