package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

type fakeSender struct {
	name   string
	err    error
	titles []string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.titles = append(f.titles, title)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func TestNotifierFilter(t *testing.T) {
	ctx := context.Background()
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, []string{EventFinalized, " "}, nil)

	require.NoError(t, n.Notify(ctx, EventFinalized, "a", "body"))
	require.NoError(t, n.Notify(ctx, "redeemed", "b", "body"))
	require.NoError(t, n.NotifyAll(ctx, "c", "body"))
	assert.Equal(t, []string{"a", "c"}, s.titles)
}

func TestNotifierCollectsFailures(t *testing.T) {
	ok := &fakeSender{name: "ok"}
	bad := &fakeSender{name: "bad", err: assert.AnError}
	n := NewNotifier([]Sender{bad, ok}, nil, nil)

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.True(t, errors.Is(err, assert.AnError))
	assert.Contains(t, err.Error(), "bad")
	assert.Equal(t, []string{"t"}, ok.titles)
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled())
	assert.NoError(t, n.NotifyAll(context.Background(), "t", "m"))
}

func TestFormatEvent(t *testing.T) {
	ev := domain.Event{
		Kind:   domain.EventRedeemed,
		Market: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		User:   common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		Amount: uint256.NewInt(69),
		Meta:   map[string]string{"side": "affirmative", "fee": "1"},
		At:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	title, msg := FormatEvent(ev)
	assert.Contains(t, title, "redeemed")
	assert.Contains(t, msg, "amount: 69\n")
	assert.Contains(t, msg, "user: "+ev.User.Hex())
	assert.Less(t, strings.Index(msg, "fee:"), strings.Index(msg, "side:"))
	assert.Contains(t, msg, "2026-01-02 03:04:05 UTC")
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithBaseURL(srv.URL + "/")
	require.NoError(t, s.Send(context.Background(), "Market <rain>", "a & b"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>Market &lt;rain&gt;</b>\n<pre>a &amp; b</pre>", got["text"])
}

func TestTelegramSenderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	err := NewTelegramSender("TOKEN", "42").WithBaseURL(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestDiscordSenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "nope")
}

func TestDiscordSenderEmbed(t *testing.T) {
	var body struct {
		Embeds []discordEmbed `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	long := strings.Repeat("x", 5000)
	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "Settlement invariant breach", long))
	require.Len(t, body.Embeds, 1)
	assert.Len(t, []rune(body.Embeds[0].Description), discordMaxDescription)
	assert.Equal(t, colorAlarm, body.Embeds[0].Color)
	assert.Equal(t, colorWarning, discordColor("Adjudicator answer rejected"))
}
