package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// fakeBus keeps a fixed stream and hands out a single live channel.
type fakeBus struct {
	mu      sync.Mutex
	stream  []domain.StreamMessage
	live    chan []byte
	lastIDs []string
}

func (b *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.live <- payload
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.live, nil
}

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastIDs = append(b.lastIDs, lastID)
	if len(b.stream) > count {
		return b.stream[:count], nil
	}
	return b.stream, nil
}

func eventPayload(t *testing.T, market common.Address, id string) []byte {
	t.Helper()
	data, err := json.Marshal(domain.Event{ID: id, Kind: domain.EventSplit, Market: market, At: time.Now().UTC()})
	require.NoError(t, err)
	return data
}

type wireFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHubReplayAndBusForwarding(t *testing.T) {
	marketA := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	marketB := common.HexToAddress("0x00000000000000000000000000000000000000b2")

	bus := &fakeBus{live: make(chan []byte, 4)}
	bus.stream = []domain.StreamMessage{
		{ID: "1700000000001-0", Payload: eventPayload(t, marketB, "old-b")},
		{ID: "1700000000002-0", Payload: []byte("not json")},
		{ID: "1700000000003-0", Payload: eventPayload(t, marketA, "old-a")},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "server"})
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?market=" + marketA.Hex() + "&since=1700000000000"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	status := readFrame(t, conn)
	assert.Equal(t, "status", status.Type)

	replayed := readFrame(t, conn)
	assert.Equal(t, "settlement_event", replayed.Type)
	assert.Contains(t, string(replayed.Payload), "old-a")
	bus.mu.Lock()
	assert.Equal(t, []string{"1700000000000-0"}, bus.lastIDs)
	bus.mu.Unlock()

	// Only the subscribed market is forwarded from the live channel.
	require.NoError(t, bus.Publish(ctx, domain.ChannelSettlement, eventPayload(t, marketB, "live-b")))
	require.NoError(t, bus.Publish(ctx, domain.ChannelSettlement, eventPayload(t, marketA, "live-a")))
	live := readFrame(t, conn)
	assert.Equal(t, domain.MarketChannel(marketA), live.Channel)
	assert.Contains(t, string(live.Payload), "live-a")
}

func TestHubRejectsBadQuery(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})
	for _, q := range []string{"?since=-5", "?since=yesterday", "?market=nope"} {
		rec := httptest.NewRecorder()
		hub.HandleWS(rec, httptest.NewRequest("GET", "/ws"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestHubSubscriptionControl(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "status", readFrame(t, conn).Type)

	market := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	require.NoError(t, conn.WriteJSON(control{
		Action:   "unsubscribe",
		Channels: []string{domain.ChannelSettlement},
	}))
	require.NoError(t, conn.WriteJSON(control{
		Action:   "subscribe",
		Channels: []string{"ch:settlement:" + strings.ToLower(market.Hex()), "ch:other"},
	}))

	assert.Equal(t, "subscribed", readFrame(t, conn).Type)
	ack := readFrame(t, conn)
	var chans []string
	require.NoError(t, json.Unmarshal(ack.Payload, &chans))
	assert.Equal(t, []string{domain.MarketChannel(market)}, chans)

	hub.OnEvent(ctx, domain.Event{ID: "e1", Kind: domain.EventSplit, Market: market})
	ev := readFrame(t, conn)
	assert.Equal(t, "settlement_event", ev.Type)
	assert.Contains(t, string(ev.Payload), `"e1"`)
}

func TestNormaliseChannel(t *testing.T) {
	ch, ok := normaliseChannel("ch:settlement:0x00000000000000000000000000000000000000ab")
	require.True(t, ok)
	assert.Equal(t, domain.MarketChannel(common.HexToAddress("0xab")), ch)

	_, ok = normaliseChannel("ch:settlement:nope")
	assert.False(t, ok)
	_, ok = normaliseChannel(domain.ChannelSettlement)
	assert.True(t, ok)
}
