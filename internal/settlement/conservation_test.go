package settlement

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysettle/internal/codec"
	"github.com/alanyoungcy/polysettle/internal/domain"
)

var users = []common.Address{alice, bob}

// TestCategoricalConservation drives random split, merge and redeem
// sequences and checks that the market account always equals the locked
// pool and that no redeem ever hits a pool shortfall.
func TestCategoricalConservation(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		r := rand.New(rand.NewSource(seed))
		f := newFixture(t)
		n := 2 + r.Intn(5)
		outcomes := make([]string, n)
		for i := range outcomes {
			outcomes[i] = string(rune('a' + i))
		}
		m, err := NewCategorical(f.cfg(uint16(r.Intn(domain.MaxFeeBps+1))), outcomes, f.deps())
		require.NoError(t, err)

		resolveAt := 20 + r.Intn(20)
		for step := 0; step < 60; step++ {
			user := users[r.Intn(len(users))]
			amt := u(uint64(1 + r.Intn(500)))
			if step == resolveAt {
				f.publishUint(int64(r.Intn(n)))
			}

			var err error
			switch r.Intn(3) {
			case 0:
				err = m.Split(f.ctx, user, amt)
			case 1:
				err = m.Merge(f.ctx, user, amt)
			case 2:
				_, err = m.Redeem(f.ctx, user, amt)
			}
			require.False(t, errors.Is(err, domain.ErrPoolInsufficient), "seed %d step %d: %v", seed, step, err)
			f.invariant(m)

			if m.Status() == domain.MarketOpen {
				locked := m.CollateralLocked().Uint64()
				for i := 0; i < n; i++ {
					require.Equal(t, locked, f.supply(m, uint8(i)))
				}
			}
		}
	}
}

// TestScalarConservation redeems scalar claims as complete sets (equal long
// and short amounts), for which payouts sum exactly to the burned amount.
func TestScalarConservation(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		r := rand.New(rand.NewSource(seed))
		f := newFixture(t)
		m, err := NewScalar(f.cfg(uint16(r.Intn(domain.MaxFeeBps+1))), rng(-1000, 1000), f.deps())
		require.NoError(t, err)

		resolveAt := 20 + r.Intn(20)
		for step := 0; step < 60; step++ {
			user := users[r.Intn(len(users))]
			amt := u(uint64(1 + r.Intn(500)))
			if step == resolveAt {
				f.publishInt(big.NewInt(int64(r.Intn(3000) - 1500)))
			}

			var err error
			switch r.Intn(3) {
			case 0:
				err = m.Split(f.ctx, user, amt)
			case 1:
				err = m.Merge(f.ctx, user, amt)
			case 2:
				if _, err = m.RedeemLong(f.ctx, user, amt); err == nil {
					_, err = m.RedeemShort(f.ctx, user, amt)
					require.NoError(t, err, "seed %d step %d", seed, step)
				}
			}
			require.False(t, errors.Is(err, domain.ErrPoolInsufficient), "seed %d step %d: %v", seed, step, err)
			f.invariant(m)

			if m.Status() == domain.MarketOpen {
				locked := m.CollateralLocked().Uint64()
				require.Equal(t, locked, f.supply(m, domain.OutcomeLong))
				require.Equal(t, locked, f.supply(m, domain.OutcomeShort))
			}
		}
	}
}

// Redeeming one scalar leg in fragments rounds each fragment in the short
// leg's favour, so fragmented redemption can ask for more than the pool
// holds. The shortfall is rejected and leaves the market unchanged.
func TestScalarFragmentedShortfall(t *testing.T) {
	f := newFixture(t)
	m, err := NewScalar(f.cfg(0), rng(0, 2), f.deps())
	require.NoError(t, err)
	require.NoError(t, m.Split(f.ctx, alice, u(3)))

	p, err := codec.EncodeInt(big.NewInt(1))
	require.NoError(t, err)
	f.adj.Publish(f.qid, domain.AdjudicatorFinalized, reporter, p)

	// f = 0.5: long(3) = 1, short(1) = 1 three times.
	long, err := m.RedeemLong(f.ctx, alice, u(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), long.Uint64())

	for i := 0; i < 2; i++ {
		short, err := m.RedeemShort(f.ctx, alice, u(1))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), short.Uint64())
	}

	_, err = m.RedeemShort(f.ctx, alice, u(1))
	assert.ErrorIs(t, err, domain.ErrPoolInsufficient)
	assert.Equal(t, uint64(1), f.claim(m, domain.OutcomeShort, alice))
	f.invariant(m)
}
