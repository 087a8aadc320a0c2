package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rcliao/care-companion/internal/chunker"
	"github.com/rcliao/care-companion/internal/model"
)

// TelegramChannel sends HTML messages through the Telegram Bot API. Long
// messages are split into several sends; the provider ID is the first
// message's ID. A retried message resumes after its last delivered part.
type TelegramChannel struct {
	apiBase string
	token   string
	client  *http.Client

	mu      sync.Mutex
	partial map[string]partialSend
}

// partialSend records how far a split message got before a part failed.
type partialSend struct {
	sent  int
	first string
}

// NewTelegramChannel creates a channel for the bot token. apiBase defaults
// to https://api.telegram.org.
func NewTelegramChannel(apiBase, token string) *TelegramChannel {
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	return &TelegramChannel{
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		partial: make(map[string]partialSend),
	}
}

func (t *TelegramChannel) Name() model.Channel { return model.ChannelTelegram }

type telegramSend struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

func (t *TelegramChannel) Send(ctx context.Context, chatID string, msg Message) (string, error) {
	if t.token == "" {
		return "", Permanent(fmt.Errorf("telegram bot token not configured"))
	}
	if chatID == "" {
		return "", Permanent(fmt.Errorf("telegram chat id not provided"))
	}

	text := RenderHTML(msg)
	parts := chunker.Split(text, chunker.DefaultOptions())
	key := digest(chatID, text)

	t.mu.Lock()
	progress := t.partial[key]
	t.mu.Unlock()

	for i := progress.sent; i < len(parts); i++ {
		id, err := t.sendOne(ctx, chatID, parts[i])
		if err != nil {
			if progress.sent > 0 {
				t.mu.Lock()
				t.partial[key] = progress
				t.mu.Unlock()
				return "", fmt.Errorf("part %d: %w", i+1, err)
			}
			return "", err
		}
		if i == 0 {
			progress.first = id
		}
		progress.sent = i + 1
	}

	t.mu.Lock()
	delete(t.partial, key)
	t.mu.Unlock()
	return progress.first, nil
}

func (t *TelegramChannel) sendOne(ctx context.Context, chatID, text string) (string, error) {
	body, _ := json.Marshal(telegramSend{ChatID: chatID, Text: text, ParseMode: "HTML"})
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var tr telegramResponse
	if err := json.Unmarshal(raw, &tr); err != nil && resp.StatusCode == http.StatusOK {
		return "", fmt.Errorf("decode telegram response: %w", err)
	}
	if resp.StatusCode == http.StatusOK && tr.OK {
		return strconv.FormatInt(tr.Result.MessageID, 10), nil
	}

	desc := tr.Description
	if desc == "" {
		desc = strings.TrimSpace(string(raw))
	}
	err = fmt.Errorf("telegram error %d: %s", resp.StatusCode, desc)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return "", err
	case resp.StatusCode >= 400:
		// Bad chat id, bot blocked by the user, revoked token.
		return "", Permanent(err)
	}
	return "", err
}

var kindIcons = map[model.AlertKind]string{
	model.KindEmergency:    "🚨",
	model.KindMedication:   "💊",
	model.KindCheckin:      "💬",
	model.KindAdherence:    "⚠️",
	model.KindWeeklyReport: "📊",
	model.KindCustom:       "🔔",
}

// RenderHTML formats a message for Telegram's HTML parse mode.
func RenderHTML(msg Message) string {
	var b strings.Builder
	if icon, ok := kindIcons[msg.Kind]; ok {
		b.WriteString(icon)
		b.WriteString(" ")
	}
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(msg.Title))
	if msg.Kind == model.KindEmergency && msg.Severity != "" {
		fmt.Fprintf(&b, " (%s priority)", strings.ToUpper(string(msg.Severity)))
	}
	b.WriteString("</b>")
	if msg.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(html.EscapeString(msg.Body))
	}
	return b.String()
}
