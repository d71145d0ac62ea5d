package notify

import (
	"context"
	"fmt"
	"strings"
)

// Discord embed limits.
const (
	discordMaxTitle       = 256
	discordMaxDescription = 4096
)

const (
	colorAlarm   = 0xE74C3C
	colorWarning = 0xE67E22
	colorInfo    = 0x2ECC71
)

func discordColor(title string) int {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "invariant"):
		return colorAlarm
	case strings.Contains(t, "rejected"), strings.Contains(t, "failed"):
		return colorWarning
	default:
		return colorInfo
	}
}

// DiscordSender posts alerts as embeds to a Discord webhook.
type DiscordSender struct {
	webhookURL string
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color,omitempty"`
}

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	embed := discordEmbed{
		Title:       truncate(title, discordMaxTitle),
		Description: truncate(message, discordMaxDescription),
		Color:       discordColor(title),
	}
	body := map[string]any{"embeds": []discordEmbed{embed}}
	if err := postJSON(ctx, defaultHTTPClient, d.webhookURL, body, nil); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }
