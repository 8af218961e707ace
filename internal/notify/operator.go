package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"voxpipe/internal/docstore"
	"voxpipe/internal/queue"
	"voxpipe/pkg/logger"
	"voxpipe/pkg/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

type StatsSource interface {
	Stats(ctx context.Context) (docstore.Stats, error)
}

type ErrorResetter interface {
	ResetErrors(ctx context.Context, conversationID string, onlyRetryable bool) (int, error)
}

type RequestPublisher interface {
	PublishRequest(ctx context.Context, req *queue.ProcessRequest) error
}

// Operator answers /stats, /reset and /process from the operator chat.
type Operator struct {
	tb     *tele.Bot
	chatID int64
	stats  StatsSource
	reset  ErrorResetter
	q      RequestPublisher
}

func NewOperator(token string, chatID int64, stats StatsSource, reset ErrorResetter, q RequestPublisher) (*Operator, error) {
	logger.Info("Starting operator bot initialization")

	tb, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	o := &Operator{tb: tb, chatID: chatID, stats: stats, reset: reset, q: q}
	o.registerHandlers()
	return o, nil
}

func (o *Operator) registerHandlers() {
	o.tb.Use(o.onlyOperator)
	o.tb.Handle("/stats", func(c tele.Context) error {
		return c.Send(o.statsReply(context.Background()))
	})
	o.tb.Handle("/reset", func(c tele.Context) error {
		return c.Send(o.resetReply(context.Background(), c.Args()))
	})
	o.tb.Handle("/process", func(c tele.Context) error {
		return c.Send(o.processReply(context.Background(), c.Args()))
	})
}

func (o *Operator) onlyOperator(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if c.Chat() == nil || !o.allowed(c.Chat().ID) {
			logger.Warn("Ignoring command from unknown chat", zap.Int64("chat_id", chatIDOf(c)))
			return nil
		}
		return next(c)
	}
}

func chatIDOf(c tele.Context) int64 {
	if c.Chat() == nil {
		return 0
	}
	return c.Chat().ID
}

func (o *Operator) allowed(chatID int64) bool {
	return o.chatID != 0 && chatID == o.chatID
}

func (o *Operator) statsReply(ctx context.Context) string {
	st, err := o.stats.Stats(ctx)
	if err != nil {
		logger.Error("Failed to load stats", zap.Error(err))
		return "Failed to load stats"
	}

	statuses := make([]string, 0, len(st.ByStatus))
	for s := range st.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	var b strings.Builder
	fmt.Fprintf(&b, "Conversations: %d (%d with audio)", st.Total, st.WithAudio)
	for _, s := range statuses {
		fmt.Fprintf(&b, "\n%s: %d", s, st.ByStatus[model.ConversationStatus(s)])
	}
	return b.String()
}

func (o *Operator) resetReply(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "Usage: /reset <conversation_id>"
	}
	n, err := o.reset.ResetErrors(ctx, args[0], false)
	if err != nil {
		logger.Error("Reset failed", zap.String("conversation_id", args[0]), zap.Error(err))
		return fmt.Sprintf("Reset failed: %v", err)
	}
	return fmt.Sprintf("Reset %d message(s) in %s", n, args[0])
}

func (o *Operator) processReply(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "Usage: /process <conversation_id>"
	}
	if o.q == nil {
		return "Queue is not configured"
	}
	req := &queue.ProcessRequest{
		RequestID:      uuid.NewString(),
		ConversationID: args[0],
		RequestedAt:    time.Now().UTC(),
	}
	if err := o.q.PublishRequest(ctx, req); err != nil {
		logger.Error("Failed to publish request", zap.Error(err))
		return "Failed to enqueue request"
	}
	return fmt.Sprintf("Queued %s (request %s)", req.ConversationID, req.RequestID)
}

func (o *Operator) Start() {
	logger.Info("Operator bot started")
	o.tb.Start()
}

func (o *Operator) Stop() {
	o.tb.Stop()
	logger.Info("Operator bot stopped")
}
