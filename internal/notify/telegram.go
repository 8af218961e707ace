// Package notify sends operator alerts to Telegram and serves a small
// operator bot for inspecting and resetting the pipeline.
package notify

import (
	"context"
	"fmt"
	"strings"

	"voxpipe/internal/queue"
	"voxpipe/pkg/logger"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

// sender is the part of *tele.Bot the notifier uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram posts alerts to one operator chat.
type Telegram struct {
	bot    sender
	chatID int64
}

// NewTelegram builds an offline bot: it only sends and never polls.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	tb, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Telegram{bot: tb, chatID: chatID}, nil
}

// NotifyConversation alerts on conversations that rolled up to error.
func (t *Telegram) NotifyConversation(_ context.Context, ev *queue.ConversationEvent) error {
	if ev.Type != queue.EventConversationFailed {
		return nil
	}
	if _, err := t.bot.Send(&tele.Chat{ID: t.chatID}, FormatAlert(ev)); err != nil {
		return fmt.Errorf("failed to send telegram alert: %w", err)
	}
	logger.Debug("Telegram alert sent", zap.String("conversation_id", ev.ConversationID))
	return nil
}

// FormatAlert renders the operator message for a failed conversation.
func FormatAlert(ev *queue.ConversationEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ Conversation %s finished with errors\n", ev.ConversationID)
	if ev.UserName != "" {
		fmt.Fprintf(&b, "User: %s\n", ev.UserName)
	}
	fmt.Fprintf(&b, "Audios: %d total, %d transcribed, %d failed",
		ev.TotalAudios, ev.TranscribedAudios, ev.FailedAudios)
	if ev.RunID != "" {
		fmt.Fprintf(&b, "\nRun: %s", ev.RunID)
	}
	return b.String()
}
