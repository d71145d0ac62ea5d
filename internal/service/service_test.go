package service

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysettle/internal/codec"
	"github.com/alanyoungcy/polysettle/internal/domain"
	"github.com/alanyoungcy/polysettle/internal/ledger"
	"github.com/alanyoungcy/polysettle/internal/notify"
	"github.com/alanyoungcy/polysettle/internal/platform/adjudicator"
)

var (
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	reporter = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func u(n uint64) *uint256.Int { return uint256.NewInt(n) }

type memLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

func (l *memLocks) AcquireWait(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	for {
		unlock, err := l.Acquire(ctx, key, ttl)
		if err == nil {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	stream    [][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	b.stream = append(b.stream, payload)
	b.mu.Unlock()
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memCache struct {
	mu    sync.Mutex
	snaps map[common.Address]domain.MarketSnapshot
}

func (c *memCache) Set(_ context.Context, snap domain.MarketSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snaps == nil {
		c.snaps = make(map[common.Address]domain.MarketSnapshot)
	}
	c.snaps[snap.Address] = snap
	return nil
}

func (c *memCache) Get(_ context.Context, addr common.Address) (domain.MarketSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snaps[addr]
	if !ok {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}
	return s, nil
}

func (c *memCache) GetByQuestion(context.Context, common.Hash) ([]common.Address, error) {
	return nil, nil
}

func (c *memCache) Invalidate(_ context.Context, addr common.Address) error {
	c.mu.Lock()
	delete(c.snaps, addr)
	c.mu.Unlock()
	return nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

type fakeSender struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.mu.Lock()
	f.titles = append(f.titles, title)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.titles)
}

type env struct {
	ctx    context.Context
	ledger *ledger.Memory
	adj    *adjudicator.Static
	locks  *memLocks
	bus    *memBus
	cache  *memCache
	audit  *memAudit
	sender *fakeSender
	svc    *SettlementService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		ctx:    context.Background(),
		ledger: ledger.NewMemory(),
		adj:    adjudicator.NewStatic(),
		locks:  &memLocks{},
		bus:    &memBus{},
		cache:  &memCache{},
		audit:  &memAudit{},
		sender: &fakeSender{},
	}
	n := notify.NewNotifier([]notify.Sender{e.sender}, nil, nil)
	pub := NewPublisher(PublisherDeps{
		Bus:      e.bus,
		Cache:    e.cache,
		Markets:  e.ledger,
		Audit:    e.audit,
		Notifier: n,
	})
	e.svc = NewSettlementService(SettlementConfig{
		Collateral:    usdc,
		FeeRecipient:  treasury,
		DefaultFeeBps: 200,
	}, SettlementDeps{
		Ledger:      e.ledger,
		Markets:     e.ledger,
		Events:      e.ledger,
		Adjudicator: e.adj,
		Locks:       e.locks,
		Observer:    pub,
		Notifier:    n,
	})
	require.NoError(t, e.svc.Fund(e.ctx, alice, u(1_000_000)))
	return e
}

func (e *env) binary(t *testing.T, name string) domain.MarketSnapshot {
	t.Helper()
	snap, err := e.svc.Create(e.ctx, CreateMarketRequest{
		Name:       name,
		Shape:      domain.ShapeBinary,
		QuestionID: common.BytesToHash([]byte(name)),
	})
	require.NoError(t, err)
	return snap
}

func (e *env) publishBool(t *testing.T, qid common.Hash, v bool) {
	t.Helper()
	p, err := codec.EncodeBool(v)
	require.NoError(t, err)
	e.adj.Publish(qid, domain.AdjudicatorFinalized, reporter, p)
}

func TestCreateAndLifecycle(t *testing.T) {
	e := newEnv(t)
	snap := e.binary(t, "rain")
	assert.Equal(t, uint16(200), snap.FeeBps)
	assert.Equal(t, treasury, snap.FeeRecipient)
	assert.Equal(t, domain.MarketOpen, snap.Status)

	_, err := e.svc.Create(e.ctx, CreateMarketRequest{Name: "rain", Shape: domain.ShapeBinary, QuestionID: snap.QuestionID})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	req := OpRequest{Market: snap.Address, User: alice, Amount: u(100)}
	require.NoError(t, e.svc.Split(e.ctx, req))
	require.NoError(t, e.svc.Merge(e.ctx, OpRequest{Market: snap.Address, User: alice, Amount: u(30)}))

	bal, err := e.svc.Balances(e.ctx, snap.Address, alice)
	require.NoError(t, err)
	assert.Equal(t, u(1_000_000-70), bal.Collateral)
	require.Len(t, bal.Claims, 2)
	assert.Equal(t, "affirmative", bal.Claims[0].Name)
	assert.Equal(t, u(70), bal.Claims[0].Balance)

	e.publishBool(t, snap.QuestionID, true)
	net, err := e.svc.Redeem(e.ctx, OpRequest{Market: snap.Address, User: alice, Amount: u(70)})
	require.NoError(t, err)
	assert.Equal(t, u(69), net)

	got, err := e.svc.Snapshot(e.ctx, snap.Address)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketResolved, got.Status)

	evs, err := e.svc.Events(e.ctx, snap.Address, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, evs, 4)

	assert.Contains(t, e.locks.acquired, "market:"+snap.Address.Hex())
	assert.Empty(t, e.locks.held)
}

func TestPublisherSinks(t *testing.T) {
	e := newEnv(t)
	snap := e.binary(t, "sinks")
	require.NoError(t, e.svc.Split(e.ctx, OpRequest{Market: snap.Address, User: alice, Amount: u(10)}))
	e.publishBool(t, snap.QuestionID, false)
	require.NoError(t, e.svc.Finalize(e.ctx, snap.Address, ""))

	assert.Len(t, e.bus.stream, 2)
	assert.Len(t, e.bus.published[domain.ChannelSettlement], 2)
	assert.Len(t, e.bus.published[domain.MarketChannel(snap.Address)], 2)

	var ev domain.Event
	require.NoError(t, json.Unmarshal(e.bus.stream[1], &ev))
	assert.Equal(t, domain.EventFinalized, ev.Kind)

	cached, err := e.cache.Get(e.ctx, snap.Address)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketResolved, cached.Status)

	assert.True(t, e.audit.has("settlement.split"))
	assert.True(t, e.audit.has("settlement.finalized"))
	assert.Equal(t, 1, e.sender.count())
}

func TestRequestDedup(t *testing.T) {
	e := newEnv(t)
	snap := e.binary(t, "dedup")
	req := OpRequest{Market: snap.Address, User: alice, Amount: u(10), RequestID: "r-1"}

	require.NoError(t, e.svc.Split(e.ctx, req))
	err := e.svc.Split(e.ctx, req)
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	// A failed request frees its id.
	bad := OpRequest{Market: snap.Address, User: alice, Amount: u(0), RequestID: "r-2"}
	assert.ErrorIs(t, e.svc.Split(e.ctx, bad), domain.ErrBadAmount)
	assert.ErrorIs(t, e.svc.Split(e.ctx, bad), domain.ErrBadAmount)

	// Ids are scoped per operation.
	require.NoError(t, e.svc.Merge(e.ctx, OpRequest{Market: snap.Address, User: alice, Amount: u(1), RequestID: "r-1"}))
}

func TestShapeMismatch(t *testing.T) {
	e := newEnv(t)
	bin := e.binary(t, "shape")
	_, err := e.svc.RedeemLeg(e.ctx, OpRequest{Market: bin.Address, User: alice, Amount: u(1)}, domain.OutcomeLong)
	assert.ErrorIs(t, err, ErrUnsupported)

	sc, err := e.svc.Create(e.ctx, CreateMarketRequest{
		Name:       "temp",
		Shape:      domain.ShapeScalar,
		QuestionID: common.HexToHash("0x7e"),
		Range:      &domain.ScalarRange{Min: big.NewInt(0), Max: big.NewInt(100)},
	})
	require.NoError(t, err)
	_, err = e.svc.Redeem(e.ctx, OpRequest{Market: sc.Address, User: alice, Amount: u(1)})
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = e.svc.Create(e.ctx, CreateMarketRequest{Name: "x", Shape: domain.ShapeScalar})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	_, err = e.svc.Create(e.ctx, CreateMarketRequest{Name: "x", Shape: "weird"})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	err = e.svc.Split(e.ctx, OpRequest{Market: common.HexToAddress("0xdead"), User: alice, Amount: u(1)})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestScalarLegs(t *testing.T) {
	e := newEnv(t)
	fee := uint16(0)
	snap, err := e.svc.Create(e.ctx, CreateMarketRequest{
		Name:       "cpi",
		Shape:      domain.ShapeScalar,
		QuestionID: common.HexToHash("0xc1"),
		Range:      &domain.ScalarRange{Min: big.NewInt(0), Max: big.NewInt(100)},
		FeeBps:     &fee,
	})
	require.NoError(t, err)
	require.NoError(t, e.svc.Split(e.ctx, OpRequest{Market: snap.Address, User: alice, Amount: u(1000)}))

	p, err := codec.EncodeInt(big.NewInt(25))
	require.NoError(t, err)
	e.adj.Publish(snap.QuestionID, domain.AdjudicatorArbitrated, reporter, p)

	long, err := e.svc.RedeemLeg(e.ctx, OpRequest{Market: snap.Address, User: alice, Amount: u(1000)}, domain.OutcomeLong)
	require.NoError(t, err)
	short, err := e.svc.RedeemLeg(e.ctx, OpRequest{Market: snap.Address, User: alice, Amount: u(1000)}, domain.OutcomeShort)
	require.NoError(t, err)
	assert.Equal(t, u(250), long)
	assert.Equal(t, u(750), short)
}

func TestRestore(t *testing.T) {
	e := newEnv(t)
	snap := e.binary(t, "restore")
	require.NoError(t, e.svc.Split(e.ctx, OpRequest{Market: snap.Address, User: alice, Amount: u(40)}))

	fresh := NewSettlementService(SettlementConfig{Collateral: usdc, FeeRecipient: treasury}, SettlementDeps{
		Ledger:      e.ledger,
		Markets:     e.ledger,
		Events:      e.ledger,
		Adjudicator: e.adj,
	})
	n, err := fresh.Restore(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := fresh.Market(snap.Address)
	require.NoError(t, err)
	assert.Equal(t, u(40), m.Snapshot().CollateralLocked)

	n, err = fresh.Restore(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, created, err := fresh.Ensure(e.ctx, CreateMarketRequest{Name: "restore", Shape: domain.ShapeBinary, QuestionID: snap.QuestionID})
	require.NoError(t, err)
	assert.False(t, created)
}

// peer builds a second service over e's store, ledger and locks, as a
// separate keeper or server process would run.
func (e *env) peer(t *testing.T) *SettlementService {
	t.Helper()
	svc := NewSettlementService(SettlementConfig{
		Collateral:    usdc,
		FeeRecipient:  treasury,
		DefaultFeeBps: 200,
	}, SettlementDeps{
		Ledger:      e.ledger,
		Markets:     e.ledger,
		Events:      e.ledger,
		Adjudicator: e.adj,
		Locks:       e.locks,
	})
	_, err := svc.Restore(e.ctx)
	require.NoError(t, err)
	return svc
}

func TestProcessesShareCommittedState(t *testing.T) {
	e := newEnv(t)
	keeperSvc := e.peer(t)

	snap := e.binary(t, "shared")
	require.NoError(t, e.svc.Split(e.ctx, OpRequest{Market: snap.Address, User: alice, Amount: u(100)}))
	e.publishBool(t, snap.QuestionID, true)

	k := NewKeeper(keeperSvc, e.adj, nil, nil, KeeperConfig{}, nil)
	res, err := k.Sweep(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Finalized)

	stored, err := e.ledger.GetMarket(e.ctx, snap.Address)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketResolved, stored.Status)
	assert.Equal(t, u(100), stored.CollateralLocked)

	// The server process never saw the finalize locally.
	err = e.svc.Finalize(e.ctx, snap.Address, "")
	assert.ErrorIs(t, err, domain.ErrNotOpen)

	net, err := e.svc.Redeem(e.ctx, OpRequest{Market: snap.Address, User: alice, Amount: u(10)})
	require.NoError(t, err)
	assert.Equal(t, u(10), net)

	stored, err = e.ledger.GetMarket(e.ctx, snap.Address)
	require.NoError(t, err)
	assert.Equal(t, u(90), stored.CollateralLocked)
	held, err := e.ledger.CollateralBalance(e.ctx, usdc, snap.Address)
	require.NoError(t, err)
	assert.Equal(t, stored.CollateralLocked, held)

	evs, err := e.svc.Events(e.ctx, snap.Address, domain.ListOpts{})
	require.NoError(t, err)
	finalized := 0
	for _, ev := range evs {
		if ev.Kind == domain.EventFinalized {
			finalized++
		}
	}
	assert.Equal(t, 1, finalized)

	got, err := keeperSvc.Snapshot(e.ctx, snap.Address)
	require.NoError(t, err)
	assert.Equal(t, u(90), got.CollateralLocked)
}

func TestLookupLoadsMarketsFromPeers(t *testing.T) {
	e := newEnv(t)
	other := e.peer(t)
	snap := e.binary(t, "late")

	require.NoError(t, other.Split(e.ctx, OpRequest{Market: snap.Address, User: alice, Amount: u(5)}))
	assert.Equal(t, 1, other.Count())
	require.NoError(t, e.svc.Merge(e.ctx, OpRequest{Market: snap.Address, User: alice, Amount: u(5)}))

	stored, err := e.ledger.GetMarket(e.ctx, snap.Address)
	require.NoError(t, err)
	assert.True(t, stored.CollateralLocked.IsZero())
}

func TestMarketsLogWithOneComponent(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	svc := NewSettlementService(SettlementConfig{Collateral: usdc, FeeRecipient: treasury}, SettlementDeps{
		Ledger:      ledger.NewMemory(),
		Adjudicator: adjudicator.NewStatic(),
		Logger:      base,
	})
	assert.Same(t, base, svc.marketDeps().Logger)

	svc.marketDeps().Logger.With(slog.String("component", "settlement")).Info("market line")
	assert.Equal(t, 1, strings.Count(buf.String(), `"component"`))
}

func TestDedupExpiry(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Unix(0, 0)
	d.now = func() time.Time { return now }

	assert.True(t, d.Claim("a"))
	assert.False(t, d.Claim("a"))

	d.Release("a")
	assert.True(t, d.Claim("a"))

	now = now.Add(2 * time.Minute)
	assert.True(t, d.Claim("a"))
	assert.True(t, d.Claim("b"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, d.Sweep())
	assert.Zero(t, d.Len())
}
