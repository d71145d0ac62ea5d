package settlement

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

func TestCategoricalLifecycle(t *testing.T) {
	f := newFixture(t)
	m, err := NewCategorical(f.cfg(250), []string{"red", "green", "blue"}, f.deps())
	require.NoError(t, err)
	assert.Equal(t, []string{"red", "green", "blue"}, m.Outcomes())

	require.NoError(t, m.Split(f.ctx, alice, u(400)))
	for i := uint8(0); i < 3; i++ {
		assert.Equal(t, uint64(400), f.supply(m, i))
	}
	f.invariant(m)

	f.publishUint(2)
	net, err := m.Redeem(f.ctx, alice, u(400))
	require.NoError(t, err)
	// fee = floor(400*250/10000) = 10
	assert.Equal(t, uint64(390), net.Uint64())
	assert.Equal(t, uint64(10), f.collateral(treasury))
	assert.Zero(t, f.supply(m, 2))
	assert.Equal(t, uint64(400), f.supply(m, 0))
	f.invariant(m)

	ev := f.obs.last()
	assert.Equal(t, "2", ev.Meta["outcome"])
	assert.Equal(t, "blue", ev.Meta["outcome_name"])

	// Losing outcomes are worthless: there is nothing to burn for them.
	_, err = m.Redeem(f.ctx, alice, u(1))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestCategoricalIndexOutOfRange(t *testing.T) {
	f := newFixture(t)
	m, err := NewCategorical(f.cfg(0), []string{"a", "b", "c"}, f.deps())
	require.NoError(t, err)

	f.publishUint(3)
	assert.ErrorIs(t, m.Finalize(f.ctx), domain.ErrInvalidOutcome)
	assert.Equal(t, domain.MarketOpen, m.Status())

	f.publishUint(0)
	require.NoError(t, m.Finalize(f.ctx))
	snap := m.Snapshot()
	require.NotNil(t, snap.Resolution.WinningOutcome)
	assert.Equal(t, uint8(0), *snap.Resolution.WinningOutcome)
}

func TestCategoricalOutcomeBounds(t *testing.T) {
	f := newFixture(t)
	names := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf("o%d", i)
		}
		return out
	}

	_, err := NewCategorical(f.cfg(0), names(1), f.deps())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	_, err = NewCategorical(f.cfg(0), names(33), f.deps())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	_, err = NewCategorical(f.cfg(0), []string{"a", "a"}, f.deps())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	_, err = NewCategorical(f.cfg(0), []string{"a", " "}, f.deps())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	m, err := NewCategorical(f.cfg(0), names(32), f.deps())
	require.NoError(t, err)
	require.NoError(t, m.Split(f.ctx, bob, u(5)))
	assert.Equal(t, uint64(5), f.claim(m, 31, bob))

	require.NoError(t, m.Merge(f.ctx, bob, u(5)))
	assert.Zero(t, f.supply(m, 31))
	f.invariant(m)
}
