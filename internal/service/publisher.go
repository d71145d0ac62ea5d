package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polysettle/internal/domain"
	"github.com/alanyoungcy/polysettle/internal/notify"
)

const publishTimeout = 5 * time.Second

// PublisherDeps lists the sinks a Publisher fans events out to. Every field
// is optional.
type PublisherDeps struct {
	Bus      domain.SignalBus
	Cache    domain.MarketCache
	Markets  domain.MarketStore
	Audit    domain.AuditStore
	Notifier *notify.Notifier
	Logger   *slog.Logger
}

// Publisher is the EventObserver installed on every market. It runs after
// the producing ledger transaction has committed, so none of its failures
// affect the operation; they are logged and dropped.
type Publisher struct {
	bus      domain.SignalBus
	cache    domain.MarketCache
	markets  domain.MarketStore
	audit    domain.AuditStore
	notifier *notify.Notifier
	local    []domain.EventObserver
	logger   *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(deps PublisherDeps) *Publisher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		bus:      deps.Bus,
		cache:    deps.Cache,
		markets:  deps.Markets,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		logger:   logger.With(slog.String("component", "publisher")),
	}
}

// Attach adds in-process observers, such as the websocket hub. It must be
// called before markets start emitting.
func (p *Publisher) Attach(obs ...domain.EventObserver) {
	p.local = append(p.local, obs...)
}

// OnEvent implements domain.EventObserver.
func (p *Publisher) OnEvent(ctx context.Context, ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	for _, o := range p.local {
		o.OnEvent(ctx, ev)
	}

	p.publish(ctx, ev)
	p.refreshCache(ctx, ev)
	p.writeAudit(ctx, ev)

	if ev.Kind == domain.EventFinalized {
		if err := p.notifier.NotifyEvent(ctx, ev); err != nil {
			p.warn(ctx, "notify", ev, err)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev domain.Event) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.warn(ctx, "marshal", ev, err)
		return
	}
	if err := p.bus.StreamAppend(ctx, domain.StreamSettlement, payload); err != nil {
		p.warn(ctx, "stream append", ev, err)
	}
	if err := p.bus.Publish(ctx, domain.ChannelSettlement, payload); err != nil {
		p.warn(ctx, "publish", ev, err)
	}
	if err := p.bus.Publish(ctx, domain.MarketChannel(ev.Market), payload); err != nil {
		p.warn(ctx, "publish market channel", ev, err)
	}
}

// refreshCache replaces the cached snapshot with the committed one. If the
// store cannot be read the entry is dropped instead so readers fall back to
// the store.
func (p *Publisher) refreshCache(ctx context.Context, ev domain.Event) {
	if p.cache == nil {
		return
	}
	if p.markets != nil {
		snap, err := p.markets.GetMarket(ctx, ev.Market)
		if err == nil {
			if err := p.cache.Set(ctx, snap); err != nil {
				p.warn(ctx, "cache set", ev, err)
			}
			return
		}
		p.warn(ctx, "load snapshot", ev, err)
	}
	if err := p.cache.Invalidate(ctx, ev.Market); err != nil {
		p.warn(ctx, "cache invalidate", ev, err)
	}
}

func (p *Publisher) writeAudit(ctx context.Context, ev domain.Event) {
	if p.audit == nil {
		return
	}
	detail := map[string]any{
		"event_id": ev.ID,
		"market":   ev.Market.Hex(),
	}
	if ev.User != (common.Address{}) {
		detail["user"] = ev.User.Hex()
	}
	if ev.Amount != nil {
		detail["amount"] = ev.Amount.Dec()
	}
	for k, v := range ev.Meta {
		detail[k] = v
	}
	if err := p.audit.Log(ctx, "settlement."+string(ev.Kind), detail); err != nil {
		p.warn(ctx, "audit", ev, err)
	}
}

func (p *Publisher) warn(ctx context.Context, step string, ev domain.Event, err error) {
	p.logger.WarnContext(ctx, "publisher: "+step+" failed",
		slog.String("event_id", ev.ID),
		slog.String("kind", string(ev.Kind)),
		slog.String("market", ev.Market.Hex()),
		slog.String("error", err.Error()),
	)
}

var _ domain.EventObserver = (*Publisher)(nil)
