// Package ws streams committed settlement events to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// frame is the envelope of every message sent to clients.
type frame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Payload any    `json:"payload"`
}

type outbound struct {
	channels []string
	data     []byte
}

// Config holds runtime metadata sent to clients on connect.
type Config struct {
	Mode           string
	StartedAt      time.Time
	AllowedOrigins []string
}

// Hub fans settlement events out to connected clients. Events arrive either
// in-process through OnEvent or from the signal bus when one is configured.
type Hub struct {
	bus       domain.SignalBus
	logger    *slog.Logger
	mode      string
	startedAt time.Time
	upgrader  websocket.Upgrader
	queue     chan outbound

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a Hub. bus may be nil, in which case the hub must be
// attached as an event observer.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	started := cfg.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	return &Hub{
		bus:       bus,
		logger:    logger.With(slog.String("component", "ws")),
		mode:      mode,
		startedAt: started,
		queue:     make(chan outbound, 256),
		clients:   make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     allowOrigins(cfg.AllowedOrigins),
		},
	}
}

func allowOrigins(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(strings.TrimRight(o, "/"), origin) {
				return true
			}
		}
		return false
	}
}

// Run delivers queued events until ctx is cancelled, then closes every
// client's send queue.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		go h.followBus(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for c := range h.clients {
				delete(h.clients, c)
				c.closeSend()
			}
			h.mu.Unlock()
			return ctx.Err()
		case msg := <-h.queue:
			h.mu.Lock()
			for c := range h.clients {
				if c.follows(msg.channels...) && !c.offer(msg.data) {
					h.logger.Warn("ws: client too slow, frame dropped", slog.String("remote", c.remote))
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws: client connected", slog.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.closeSend()
		h.logger.Debug("ws: client disconnected", slog.Int("clients", len(h.clients)))
	}
}

// OnEvent implements domain.EventObserver. It never blocks the caller; if
// the queue is full the event is dropped.
func (h *Hub) OnEvent(_ context.Context, ev domain.Event) {
	data, err := encodeEvent(ev)
	if err != nil {
		h.logger.Error("ws: encode event", slog.String("error", err.Error()))
		return
	}
	select {
	case h.queue <- outbound{channels: channelsFor(ev.Market), data: data}:
	default:
		h.logger.Warn("ws: queue full, event dropped", slog.String("event", ev.ID))
	}
}

func encodeEvent(ev domain.Event) ([]byte, error) {
	return json.Marshal(frame{Type: "settlement_event", Channel: domain.MarketChannel(ev.Market), Payload: ev})
}

func channelsFor(market common.Address) []string {
	return []string{domain.ChannelSettlement, domain.MarketChannel(market)}
}

// followBus forwards events published by any process on the settlement
// channel.
func (h *Hub) followBus(ctx context.Context) {
	in, err := h.bus.Subscribe(ctx, domain.ChannelSettlement)
	if err != nil {
		h.logger.Error("ws: bus subscribe failed", slog.String("error", err.Error()))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-in:
			if !ok {
				h.logger.Warn("ws: bus subscription closed")
				return
			}
			var ev domain.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				h.logger.Warn("ws: undecodable bus message", slog.String("error", err.Error()))
				continue
			}
			h.OnEvent(ctx, ev)
		}
	}
}

// HandleWS upgrades the request and registers the client. Clients start
// subscribed to every market; ?market=<address> narrows that to one. With a
// bus, ?since=<unix-ms> first replays retained events newer than that
// instant.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	initial := domain.ChannelSettlement
	if m := q.Get("market"); m != "" {
		if !common.IsHexAddress(m) {
			http.Error(w, `{"error":"invalid market address"}`, http.StatusBadRequest)
			return
		}
		initial = domain.MarketChannel(common.HexToAddress(m))
	}
	since := int64(-1)
	if v := q.Get("since"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			http.Error(w, `{"error":"since must be unix milliseconds"}`, http.StatusBadRequest)
			return
		}
		since = ms
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := newClient(h, conn, r.RemoteAddr, initial)
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	c.offer(c.statusFrame())
	if since >= 0 && h.bus != nil {
		c.replay(r.Context(), since)
	}

	go c.writeLoop()
	go c.readLoop()
}

var _ domain.EventObserver = (*Hub)(nil)
