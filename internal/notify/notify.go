// Package notify pushes session lifecycle events to a Telegram chat. The
// notifier is one-way: it subscribes to the event stream and reports, it
// never accepts commands.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nkaragias/hivemind/internal/config"
	"github.com/nkaragias/hivemind/internal/natsbus"
	"github.com/nats-io/nats.go"
)

type Notifier struct {
	bot    *telego.Bot
	chatID int64
	client *natsbus.Client
}

func New(cfg config.TelegramConfig, bus *natsbus.Bus) (*Notifier, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return nil, fmt.Errorf("notifier nats client: %w", err)
	}

	return &Notifier{bot: bot, chatID: cfg.ChatID, client: client}, nil
}

// Start subscribes to all session events and relays the notable ones until
// the context is cancelled.
func (n *Notifier) Start(ctx context.Context) error {
	sub, err := n.client.Subscribe(natsbus.TopicEventsAllSessions, func(msg *nats.Msg) {
		n.relay(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe session events: %w", err)
	}

	slog.Info("telegram notifier started", "chat_id", n.chatID)
	<-ctx.Done()
	_ = sub.Unsubscribe()
	n.client.Close()
	return nil
}

func (n *Notifier) relay(ctx context.Context, data []byte) {
	var event struct {
		Type      string         `json:"type"`
		SessionID string         `json:"session_id"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		slog.Warn("invalid session event payload", "error", err)
		return
	}

	text := formatEvent(event.Type, event.SessionID, event.Data)
	if text == "" {
		return
	}
	if err := n.send(ctx, text); err != nil {
		slog.Warn("telegram notification failed", "event", event.Type, "error", err)
	}
}

// formatEvent renders an event for the chat, or returns empty for event
// types that are too noisy to forward (checkpoints fire on a cadence).
func formatEvent(eventType, sessionID string, data map[string]any) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}

	switch eventType {
	case "session_created":
		objective, _ := data["objective"].(string)
		return fmt.Sprintf("🆕 Session %s started: %s", short, objective)
	case "session_paused":
		return fmt.Sprintf("⏸ Session %s paused", short)
	case "session_resumed":
		return fmt.Sprintf("▶️ Session %s resumed", short)
	case "session_terminated":
		return fmt.Sprintf("⏹ Session %s terminated", short)
	default:
		return ""
	}
}

func (n *Notifier) send(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, 4096) {
		if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// chunkMessage splits a message into chunks that fit within Telegram's
// message size limit, preferring newline boundaries.
func chunkMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		// Break after a newline when one falls in the second half of the
		// chunk, so multi-line reports stay readable.
		if nl := strings.LastIndex(text[:maxLen], "\n"); nl > maxLen/2 {
			cut = nl + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	chunks = append(chunks, text)

	return chunks
}
