package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
)

const (
	telegramAPI = "https://api.telegram.org"
	// telegramMaxText is the sendMessage text limit.
	telegramMaxText = 4096
)

// TelegramSender delivers alerts through the Bot API sendMessage call. Text
// is sent as HTML so addresses and payloads need no markdown escaping.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{baseURL: telegramAPI, token: token, chatID: chatID}
}

// WithBaseURL points the sender at another Bot API host.
func (t *TelegramSender) WithBaseURL(u string) *TelegramSender {
	t.baseURL = strings.TrimRight(u, "/")
	return t
}

type telegramReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	text := "<b>" + html.EscapeString(title) + "</b>\n<pre>" + html.EscapeString(message) + "</pre>"
	body := map[string]any{
		"chat_id":                  t.chatID,
		"text":                     truncate(text, telegramMaxText),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}

	var reply telegramReply
	url := t.baseURL + "/bot" + t.token + "/sendMessage"
	if err := postJSON(ctx, defaultHTTPClient, url, body, &reply); err != nil {
		// The token is part of the URL; never let it reach the logs.
		return fmt.Errorf("telegram: %s", strings.ReplaceAll(err.Error(), t.token, "***"))
	}
	if !reply.OK {
		return errors.New("telegram: api rejected message: " + reply.Description)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }
