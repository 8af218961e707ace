// Package pipeline drives conversations through download, transcription and
// sync. Every message transition is claimed and persisted through the status
// tracker, so a pass can be interrupted and resumed at any point.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"voxpipe/internal/artifact"
	"voxpipe/internal/config"
	"voxpipe/internal/download"
	"voxpipe/internal/metrics"
	"voxpipe/internal/queue"
	"voxpipe/internal/status"
	"voxpipe/internal/transcribe"
	"voxpipe/pkg/logger"
	"voxpipe/pkg/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Downloader interface {
	Download(ctx context.Context, conversationID string, msg *model.Message, onAttempt download.AttemptFunc) (*download.Result, error)
}

type Transcriber interface {
	TranscribeBatch(ctx context.Context, items []transcribe.Item, languageHint string) []transcribe.Result
}

// Archiver mirrors synced transcripts to object storage. Archived copies
// also restore transcript files lost from the artifact area.
type Archiver interface {
	ArchiveTranscript(ctx context.Context, conversationID, messageID string, body []byte) (string, error)
	FetchTranscript(ctx context.Context, conversationID, messageID string) ([]byte, error)
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *queue.ConversationEvent) error
}

type Notifier interface {
	NotifyConversation(ctx context.Context, ev *queue.ConversationEvent) error
}

// Options narrow a pass.
type Options struct {
	Stage Stage
	Limit int
	Scope status.Scope
	// Workers overrides the configured conversation concurrency when positive.
	Workers int
}

type Coordinator struct {
	cfg         config.PipelineConfig
	language    string
	tracker     *status.Tracker
	artifacts   *artifact.Store
	downloader  Downloader
	transcriber Transcriber
	archive     Archiver
	events      EventPublisher
	notifier    Notifier
	now         func() time.Time
}

type Option func(*Coordinator)

func WithArchive(a Archiver) Option {
	return func(c *Coordinator) { c.archive = a }
}

func WithEvents(p EventPublisher) Option {
	return func(c *Coordinator) { c.events = p }
}

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func New(
	cfg config.PipelineConfig,
	language string,
	tracker *status.Tracker,
	artifacts *artifact.Store,
	downloader Downloader,
	transcriber Transcriber,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		language:    language,
		tracker:     tracker,
		artifacts:   artifacts,
		downloader:  downloader,
		transcriber: transcriber,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SweepResult reports what a staleness sweep cleaned up.
type SweepResult struct {
	Reclaimed status.ReclaimResult
	Partials  int
}

// Sweep reclaims claims older than stale_after and removes abandoned temp files.
func (c *Coordinator) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	reclaimed, err := c.tracker.ReclaimStale(ctx, c.now().Add(-c.cfg.StaleAfter))
	res.Reclaimed = reclaimed
	if reclaimed.Messages > 0 {
		metrics.ReclaimedTotal.Add(float64(reclaimed.Messages))
	}
	if err != nil {
		return res, fmt.Errorf("reclaim stale claims: %w", err)
	}

	res.Partials, err = c.artifacts.SweepPartials(c.cfg.StaleAfter)
	if err != nil {
		return res, fmt.Errorf("sweep partial files: %w", err)
	}
	return res, nil
}

// Run executes one pass over the pending conversations. Per-conversation
// failures are logged and counted; only cancellation and discovery errors
// are returned.
func (c *Coordinator) Run(ctx context.Context, opts Options) (*Summary, error) {
	started := c.now()
	if opts.Stage == "" {
		opts.Stage = StageFull
	}
	sum := newSummary(uuid.NewString(), opts.Stage)
	log := logger.With(zap.String("run_id", sum.RunID), zap.String("stage", string(opts.Stage)))

	sweep, err := c.Sweep(ctx)
	if err != nil {
		log.Warn("Staleness sweep failed", zap.Error(err))
	}
	sum.Reclaimed, sum.Partials = sweep.Reclaimed, sweep.Partials

	if c.cfg.AutoReset {
		n, err := c.tracker.ResetAllErrors(ctx, opts.Scope, true)
		if err != nil {
			log.Warn("Auto reset failed", zap.Error(err))
		}
		sum.Reset = n
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = c.cfg.BatchLimit
	}
	ids, err := c.tracker.ListPending(ctx, limit, opts.Scope)
	if err != nil {
		return sum, err
	}
	log.Info("Pass started", zap.Int("conversations", len(ids)))

	workers := opts.Workers
	if workers <= 0 {
		workers = c.cfg.Workers
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := c.processConversation(gctx, id, opts.Stage, sum); err != nil {
				log.Error("Conversation failed",
					zap.String("conversation_id", id),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	sum.Duration = c.now().Sub(started)
	log.Info("Pass finished", sum.Fields()...)
	return sum, ctx.Err()
}

// Watch repeats passes every interval until ctx is cancelled.
func (c *Coordinator) Watch(ctx context.Context, opts Options, interval time.Duration) error {
	if interval <= 0 {
		interval = c.cfg.Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Continuous mode started", zap.Duration("interval", interval))
	for {
		if _, err := c.Run(ctx, opts); err != nil && ctx.Err() == nil {
			logger.Error("Pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			logger.Info("Continuous mode stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessConversation runs a full pass over one conversation regardless of
// its rollup status. Stale claims are reclaimed first, as in Run.
func (c *Coordinator) ProcessConversation(ctx context.Context, id string) (*Summary, error) {
	started := c.now()
	sum := newSummary(uuid.NewString(), StageFull)

	sweep, err := c.Sweep(ctx)
	if err != nil {
		logger.Warn("Staleness sweep failed", zap.String("conversation_id", id), zap.Error(err))
	}
	sum.Reclaimed, sum.Partials = sweep.Reclaimed, sweep.Partials

	err = c.processConversation(ctx, id, StageFull, sum)
	sum.Duration = c.now().Sub(started)
	return sum, err
}

func (c *Coordinator) processConversation(ctx context.Context, id string, stage Stage, sum *Summary) error {
	conv, err := c.tracker.Conversation(ctx, id)
	if err != nil {
		return err
	}

	if !hasWork(conv, stage) {
		return c.settle(ctx, conv)
	}

	log := logger.With(zap.String("run_id", sum.RunID), zap.String("conversation_id", id))
	if err := c.tracker.MarkConversation(ctx, id, model.ConversationProcessing); err != nil {
		return err
	}

	// Whatever happens below, the rollup is rewritten from the messages.
	defer func() {
		c.finish(context.WithoutCancel(ctx), id, sum)
	}()

	if stage.runs(StageDownload) {
		if err := c.downloadStage(ctx, conv, sum); err != nil {
			return err
		}
		if conv, err = c.reload(ctx, id); err != nil {
			return err
		}
	}
	if stage.runs(StageTranscribe) {
		if err := c.transcribeStage(ctx, conv, sum); err != nil {
			return err
		}
		if conv, err = c.reload(ctx, id); err != nil {
			return err
		}
	}
	if stage.runs(StageSync) {
		if err := c.syncStage(ctx, conv, sum); err != nil {
			return err
		}
	}
	log.Debug("Conversation pass done")
	return nil
}

func (c *Coordinator) reload(ctx context.Context, id string) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.tracker.Conversation(ctx, id)
}

// settle rewrites the rollup from the messages without announcing anything.
// The write also moves the conversation behind fresher work in ListPending,
// so conversations holding only terminal errors cannot starve a batch.
func (c *Coordinator) settle(ctx context.Context, conv *model.Conversation) error {
	_, _, err := c.tracker.Finish(ctx, conv.ID)
	return err
}

func (c *Coordinator) finish(ctx context.Context, id string, sum *Summary) {
	counters, rollup, err := c.tracker.Finish(ctx, id)
	if err != nil {
		logger.Error("Failed to finalize conversation",
			zap.String("conversation_id", id),
			zap.Error(err))
		return
	}
	sum.conversationDone(rollup)
	metrics.ConversationsTotal.WithLabelValues(string(rollup)).Inc()

	if rollup != model.ConversationCompleted && rollup != model.ConversationError {
		return
	}
	logger.Info("Conversation finished",
		zap.String("conversation_id", id),
		zap.String("status", string(rollup)),
		zap.Int("transcribed", counters.Transcribed),
		zap.Int("failed", counters.Failed))
	c.announce(ctx, id, sum.RunID, counters, rollup)
}

func (c *Coordinator) announce(ctx context.Context, id, runID string, counters model.Counters, rollup model.ConversationStatus) {
	if c.events == nil && c.notifier == nil {
		return
	}

	ev := &queue.ConversationEvent{
		EventID:           uuid.NewString(),
		Type:              queue.EventConversationCompleted,
		RunID:             runID,
		ConversationID:    id,
		Status:            string(rollup),
		TotalAudios:       counters.Total,
		TranscribedAudios: counters.Transcribed,
		PendingAudios:     counters.Pending,
		FailedAudios:      counters.Failed,
		OccurredAt:        c.now().UTC(),
	}
	if rollup == model.ConversationError {
		ev.Type = queue.EventConversationFailed
	}
	if conv, err := c.tracker.Conversation(ctx, id); err == nil {
		ev.UserName = conv.UserName
	}

	if c.events != nil {
		if err := c.events.PublishEvent(ctx, ev); err != nil {
			logger.Warn("Failed to publish conversation event",
				zap.String("conversation_id", id),
				zap.Error(err))
		}
	}
	if c.notifier != nil {
		if err := c.notifier.NotifyConversation(ctx, ev); err != nil {
			logger.Warn("Failed to notify operator",
				zap.String("conversation_id", id),
				zap.Error(err))
		}
	}
}

// forEach runs fn over msgs with at most per_conversation in flight.
func (c *Coordinator) forEach(ctx context.Context, msgs []*model.Message, fn func(context.Context, *model.Message)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.cfg.PerConversation, 1))
	for _, msg := range msgs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(gctx, msg)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}
