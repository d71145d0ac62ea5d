package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxInboundSize = 4096
	sendQueueSize  = 256

	// replayLimit caps the events replayed to a reconnecting client.
	replayLimit = 200
)

// control is the only message clients send: a change of channels.
// Channels are "ch:settlement" (every market) or "ch:settlement:<address>".
type control struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string
	send   chan []byte

	sendMu sync.Mutex
	closed bool

	mu   sync.RWMutex
	subs map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn, remote, channel string) *client {
	return &client{
		hub:    h,
		conn:   conn,
		remote: remote,
		send:   make(chan []byte, sendQueueSize),
		subs:   map[string]struct{}{channel: {}},
	}
}

// offer queues data without blocking and reports whether it fit.
func (c *client) offer(data []byte) bool {
	if data == nil {
		return true
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend ends the write loop. It is safe to call more than once.
func (c *client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) follows(channels ...string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range channels {
		if _, ok := c.subs[ch]; ok {
			return true
		}
	}
	return false
}

func (c *client) channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// normaliseChannel canonicalises the address in a per-market channel and
// rejects anything that is not a settlement channel.
func normaliseChannel(ch string) (string, bool) {
	if ch == domain.ChannelSettlement {
		return ch, true
	}
	addr, ok := strings.CutPrefix(ch, domain.ChannelSettlement+":")
	if !ok || !common.IsHexAddress(addr) {
		return "", false
	}
	return domain.MarketChannel(common.HexToAddress(addr)), true
}

// apply changes the subscription set and acknowledges with the new set.
func (c *client) apply(msg control) {
	c.mu.Lock()
	for _, raw := range msg.Channels {
		ch, ok := normaliseChannel(raw)
		if !ok {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.subs[ch] = struct{}{}
		case "unsubscribe":
			delete(c.subs, ch)
		}
	}
	c.mu.Unlock()

	ack, err := json.Marshal(frame{Type: "subscribed", Payload: c.channels()})
	if err == nil {
		c.offer(ack)
	}
}

// statusFrame lets clients mark the connection healthy before any event
// flows.
func (c *client) statusFrame() []byte {
	data, err := json.Marshal(frame{Type: "status", Payload: map[string]any{
		"mode":           c.hub.mode,
		"uptime_seconds": max(0, int64(time.Since(c.hub.startedAt).Seconds())),
		"channels":       c.channels(),
	}})
	if err != nil {
		return nil
	}
	return data
}

// replay queues retained stream events newer than sinceMs that match the
// client's subscriptions, stopping when the send queue fills.
func (c *client) replay(ctx context.Context, sinceMs int64) {
	msgs, err := c.hub.bus.StreamRead(ctx, domain.StreamSettlement, fmt.Sprintf("%d-0", sinceMs), replayLimit)
	if err != nil {
		c.hub.logger.Warn("ws: replay read failed", slog.String("error", err.Error()))
		return
	}
	for _, m := range msgs {
		var ev domain.Event
		if err := json.Unmarshal(m.Payload, &ev); err != nil || !c.follows(channelsFor(ev.Market)...) {
			continue
		}
		data, err := encodeEvent(ev)
		if err != nil {
			continue
		}
		if !c.offer(data) {
			c.hub.logger.Warn("ws: replay truncated", slog.String("stream_id", m.ID))
			return
		}
	}
}

func (c *client) readLoop() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("ws: connection lost", slog.String("remote", c.remote), slog.String("error", err.Error()))
			}
			return
		}
		var msg control
		if json.Unmarshal(data, &msg) == nil && msg.Action != "" {
			c.apply(msg)
		}
	}
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
