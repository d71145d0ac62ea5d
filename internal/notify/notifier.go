// Package notify delivers operator alerts about settlement to chat channels.
// Alerts are dispatched to every registered sender (Telegram, Discord) and
// can be filtered by event type so operators receive only what they asked for.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// Alert types understood by the notifier filter.
const (
	EventFinalized       = "finalized"
	EventInvalidOutcome  = "invalid_outcome"
	EventInvariantBreach = "invariant_breach"
	EventArchive         = "archive"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify only
// forwards alert types in the allowed set, while NotifyAll bypasses the filter.
// A nil *Notifier is valid and drops everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. If
// events is empty, all alert types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is registered.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends a notification to all senders if the alert type is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "notify: event filtered out",
			slog.String("event", event),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a notification to all senders regardless of alert type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyEvent formats a committed settlement event and sends it under the
// alert type matching its kind.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	title, message := FormatEvent(ev)
	return n.Notify(ctx, string(ev.Kind), title, message)
}

// FormatEvent renders a settlement event as a title and a plain-text body.
func FormatEvent(ev domain.Event) (title, message string) {
	title = fmt.Sprintf("Market %s %s", shortAddr(ev.Market.Hex()), ev.Kind)

	var b strings.Builder
	fmt.Fprintf(&b, "market: %s\n", ev.Market.Hex())
	if ev.Kind == domain.EventFinalized {
		fmt.Fprintf(&b, "question: %s\n", ev.QuestionID.Hex())
	}
	if ev.User != (common.Address{}) {
		fmt.Fprintf(&b, "user: %s\n", ev.User.Hex())
	}
	if ev.Amount != nil {
		fmt.Fprintf(&b, "amount: %s\n", ev.Amount.Dec())
	}
	keys := make([]string, 0, len(ev.Meta))
	for k := range ev.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, ev.Meta[k])
	}
	fmt.Fprintf(&b, "at: %s", ev.At.UTC().Format("2006-01-02 15:04:05 MST"))
	return title, b.String()
}

func shortAddr(hex string) string {
	if len(hex) <= 12 {
		return hex
	}
	return hex[:6] + "…" + hex[len(hex)-4:]
}

// dispatch sends to every sender. A failing sender does not prevent delivery
// to the rest; failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notify: sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
