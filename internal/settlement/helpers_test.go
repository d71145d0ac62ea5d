package settlement

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysettle/internal/codec"
	"github.com/alanyoungcy/polysettle/internal/domain"
	"github.com/alanyoungcy/polysettle/internal/ledger"
	"github.com/alanyoungcy/polysettle/internal/platform/adjudicator"
)

var (
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	reporter = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

func u(n uint64) *uint256.Int { return uint256.NewInt(n) }

type recorder struct {
	mu  sync.Mutex
	evs []domain.Event
}

func (r *recorder) OnEvent(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.evs))
	for i, ev := range r.evs {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) last() domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evs[len(r.evs)-1]
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	ledger *ledger.Memory
	adj    *adjudicator.Static
	obs    *recorder
	qid    common.Hash
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		ledger: ledger.NewMemory(),
		adj:    adjudicator.NewStatic(),
		obs:    &recorder{},
		qid:    common.HexToHash("0x5e771e"),
	}
	require.NoError(t, f.ledger.Deposit(f.ctx, usdc, alice, u(1_000_000)))
	require.NoError(t, f.ledger.Deposit(f.ctx, usdc, bob, u(1_000_000)))
	return f
}

func (f *fixture) cfg(feeBps uint16) Config {
	return Config{
		Name:         "test market",
		Collateral:   usdc,
		QuestionID:   f.qid,
		FeeRecipient: treasury,
		FeeBps:       feeBps,
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Adjudicator: f.adj,
		Ledger:      f.ledger,
		Observer:    f.obs,
		Clock:       func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func (f *fixture) collateral(holder common.Address) uint64 {
	f.t.Helper()
	b, err := f.ledger.CollateralBalance(f.ctx, usdc, holder)
	require.NoError(f.t, err)
	return b.Uint64()
}

func (f *fixture) claim(m Market, outcome uint8, holder common.Address) uint64 {
	f.t.Helper()
	b, err := f.ledger.ClaimBalance(f.ctx, m.base().Claim(outcome), holder)
	require.NoError(f.t, err)
	return b.Uint64()
}

func (f *fixture) supply(m Market, outcome uint8) uint64 {
	f.t.Helper()
	b, err := f.ledger.ClaimSupply(f.ctx, m.base().Claim(outcome))
	require.NoError(f.t, err)
	return b.Uint64()
}

func (f *fixture) publishBool(status domain.AdjudicatorStatus, v bool) {
	f.t.Helper()
	p, err := codec.EncodeBool(v)
	require.NoError(f.t, err)
	f.adj.Publish(f.qid, status, reporter, p)
}

func (f *fixture) publishUint(v int64) {
	f.t.Helper()
	p, err := codec.EncodeUint(big.NewInt(v))
	require.NoError(f.t, err)
	f.adj.Publish(f.qid, domain.AdjudicatorFinalized, reporter, p)
}

func (f *fixture) publishInt(v *big.Int) {
	f.t.Helper()
	p, err := codec.EncodeInt(v)
	require.NoError(f.t, err)
	f.adj.Publish(f.qid, domain.AdjudicatorFinalized, reporter, p)
}

// invariant checks that the market's ledger account holds exactly the
// locked pool.
func (f *fixture) invariant(m Market) {
	f.t.Helper()
	require.Equal(f.t, m.base().CollateralLocked().Uint64(), f.collateral(m.Address()))
}
