package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"voxpipe/internal/docstore"
	"voxpipe/internal/metrics"
	"voxpipe/internal/status"
	"voxpipe/internal/transcribe"
	"voxpipe/pkg/logger"
	"voxpipe/pkg/model"

	"go.uber.org/zap"
)

// eligible lists the message status each step starts from.
var eligible = map[Stage]model.MessageStatus{
	StageDownload:   model.MessageAbsent,
	StageTranscribe: model.MessageDownloaded,
	StageSync:       model.MessageTranscribed,
}

func pick(conv *model.Conversation, step Stage) []*model.Message {
	var out []*model.Message
	for _, ref := range conv.AudioMessages() {
		if ref.Message.Status == eligible[step] {
			out = append(out, ref.Message)
		}
	}
	return out
}

func hasWork(conv *model.Conversation, stage Stage) bool {
	for _, step := range []Stage{StageDownload, StageTranscribe, StageSync} {
		if stage.runs(step) && len(pick(conv, step)) > 0 {
			return true
		}
	}
	return false
}

// isLostClaim reports errors meaning another worker or the sweep owns the message now.
func isLostClaim(err error) bool {
	return errors.Is(err, docstore.ErrConflict)
}

func (c *Coordinator) downloadStage(ctx context.Context, conv *model.Conversation, sum *Summary) error {
	return c.forEach(ctx, pick(conv, StageDownload), func(ctx context.Context, msg *model.Message) {
		c.downloadMessage(ctx, conv.ID, msg, sum)
	})
}

func (c *Coordinator) downloadMessage(ctx context.Context, convID string, msg *model.Message, sum *Summary) {
	started := c.now()
	log := logger.With(zap.String("conversation_id", convID), zap.String("message_id", msg.ID))

	if !c.claim(ctx, StageDownload, convID, msg, sum) {
		return
	}

	res, err := c.downloader.Download(ctx, convID, msg, func(n int) error {
		return c.tracker.RecordAttempt(ctx, convID, msg.ID, status.MessageUpdate{DownloadAttempts: &n})
	})
	took := c.now().Sub(started)

	if err == nil {
		u := status.MessageUpdate{Status: model.MessageDownloaded, Expect: processing()}
		if !res.Cached {
			u.DownloadAttempts = &res.Attempts
		}
		c.commit(ctx, StageDownload, convID, msg.ID, u, metrics.OutcomeSucceeded, took, sum)
		return
	}

	var perm *model.PermanentSourceError
	switch {
	case errors.As(err, &perm):
		log.Warn("Download failed permanently",
			zap.String("reason", perm.Reason),
			zap.Error(err))
		c.commit(ctx, StageDownload, convID, msg.ID, status.MessageUpdate{
			Status:      model.MessageError,
			Expect:      processing(),
			ErrorReason: perm.Reason,
			ErrorDetail: err.Error(),
		}, metrics.OutcomeFailed, took, sum)
	case isLostClaim(err):
		log.Warn("Claim lost during download")
		sum.record(StageDownload, metrics.OutcomeSkipped, took)
	default:
		if ctx.Err() == nil {
			log.Error("Download failed", zap.Error(err))
		}
		c.release(ctx, convID, msg.ID, model.MessageAbsent)
		sum.record(StageDownload, metrics.OutcomeFailed, took)
	}
}

func (c *Coordinator) transcribeStage(ctx context.Context, conv *model.Conversation, sum *Summary) error {
	var items []transcribe.Item
	for _, msg := range pick(conv, StageTranscribe) {
		if ctx.Err() != nil {
			break
		}
		if c.claim(ctx, StageTranscribe, conv.ID, msg, sum) {
			items = append(items, transcribe.Item{ConversationID: conv.ID, Message: msg})
		}
	}
	if len(items) == 0 {
		return ctx.Err()
	}

	started := c.now()
	results := c.transcriber.TranscribeBatch(ctx, items, c.language)
	took := c.now().Sub(started) / time.Duration(len(items))

	for _, r := range results {
		c.transcribeResult(ctx, r, took, sum)
	}
	return ctx.Err()
}

func (c *Coordinator) transcribeResult(ctx context.Context, r transcribe.Result, took time.Duration, sum *Summary) {
	convID, msg := r.Item.ConversationID, r.Item.Message
	log := logger.With(zap.String("conversation_id", convID), zap.String("message_id", msg.ID))

	u := status.MessageUpdate{Expect: processing()}
	if r.Attempts > 0 {
		attempts := msg.TranscribeAttempts + r.Attempts
		u.TranscribeAttempts = &attempts
	}

	var ef *model.EngineFailure
	switch {
	case r.Err == nil:
		if r.Reused {
			log.Debug("Transcript reused")
		}
		u.Status = model.MessageTranscribed
		c.commit(ctx, StageTranscribe, convID, msg.ID, u, metrics.OutcomeSucceeded, took, sum)
	case errors.Is(r.Err, transcribe.ErrMissingAudio):
		log.Warn("Audio artifact lost, message sent back to download")
		u.Status = model.MessageAbsent
		c.commit(ctx, StageTranscribe, convID, msg.ID, u, metrics.OutcomeFailed, took, sum)
	case ctx.Err() != nil:
		c.release(ctx, convID, msg.ID, model.MessageDownloaded)
		sum.record(StageTranscribe, metrics.OutcomeFailed, took)
	case errors.As(r.Err, &ef):
		log.Warn("Transcription failed", zap.Error(r.Err))
		u.Status = model.MessageError
		u.ErrorReason = model.ReasonEngineFailure
		u.ErrorDetail = r.Err.Error()
		c.commit(ctx, StageTranscribe, convID, msg.ID, u, metrics.OutcomeFailed, took, sum)
	default:
		log.Error("Transcription result not stored", zap.Error(r.Err))
		c.release(ctx, convID, msg.ID, model.MessageDownloaded)
		sum.record(StageTranscribe, metrics.OutcomeFailed, took)
	}
}

func (c *Coordinator) syncStage(ctx context.Context, conv *model.Conversation, sum *Summary) error {
	return c.forEach(ctx, pick(conv, StageSync), func(ctx context.Context, msg *model.Message) {
		c.syncMessage(ctx, conv.ID, msg, sum)
	})
}

// syncMessage copies the transcript file into the store. A lost or broken
// file sends the message back to the step that can rebuild it.
func (c *Coordinator) syncMessage(ctx context.Context, convID string, msg *model.Message, sum *Summary) {
	started := c.now()
	log := logger.With(zap.String("conversation_id", convID), zap.String("message_id", msg.ID))
	expect := docstore.StatusPtr(model.MessageTranscribed)

	tr, err := c.artifacts.ReadTranscript(convID, msg.ID)
	if err == nil {
		err = tr.Validate()
	}
	if err != nil && c.archive != nil {
		if restored := c.restoreTranscript(ctx, convID, msg.ID); restored != nil {
			log.Info("Transcript restored from archive")
			tr, err = restored, nil
		}
	}
	if err != nil {
		back := model.MessageAbsent
		if c.artifacts.HasAudio(convID, msg) {
			back = model.MessageDownloaded
		}
		log.Warn("Transcript file unusable, message sent back",
			zap.String("to", string(back)),
			zap.Error(err))
		c.commit(ctx, StageSync, convID, msg.ID, status.MessageUpdate{Status: back, Expect: expect},
			metrics.OutcomeFailed, c.now().Sub(started), sum)
		return
	}

	if c.archive != nil {
		c.archiveTranscript(ctx, convID, msg.ID, tr)
	}

	c.commit(ctx, StageSync, convID, msg.ID, status.MessageUpdate{
		Status:     model.MessageSynced,
		Expect:     expect,
		Transcript: tr,
	}, metrics.OutcomeSucceeded, c.now().Sub(started), sum)
}

func (c *Coordinator) archiveTranscript(ctx context.Context, convID, msgID string, tr *model.Transcript) {
	body, err := json.Marshal(tr)
	if err != nil {
		logger.Warn("Failed to encode transcript for archive", zap.Error(err))
		return
	}
	key, err := c.archive.ArchiveTranscript(ctx, convID, msgID, body)
	if err != nil {
		logger.Warn("Failed to archive transcript",
			zap.String("conversation_id", convID),
			zap.String("message_id", msgID),
			zap.Error(err))
		return
	}
	logger.Debug("Transcript archived", zap.String("key", key))
}

func (c *Coordinator) restoreTranscript(ctx context.Context, convID, msgID string) *model.Transcript {
	body, err := c.archive.FetchTranscript(ctx, convID, msgID)
	if err != nil {
		return nil
	}
	var tr model.Transcript
	if json.Unmarshal(body, &tr) != nil || tr.Validate() != nil {
		return nil
	}
	if err := c.artifacts.WriteTranscript(convID, msgID, &tr); err != nil {
		logger.Warn("Failed to restore transcript file", zap.Error(err))
		return nil
	}
	return &tr
}

func processing() *model.MessageStatus {
	return docstore.StatusPtr(model.MessageProcessing)
}

// claim takes the message for this worker, counting a lost race as skipped.
func (c *Coordinator) claim(ctx context.Context, stage Stage, convID string, msg *model.Message, sum *Summary) bool {
	err := c.tracker.Claim(ctx, convID, msg.ID, msg.Status)
	if err == nil {
		return true
	}
	if isLostClaim(err) {
		logger.Debug("Message claimed elsewhere",
			zap.String("conversation_id", convID),
			zap.String("message_id", msg.ID))
		sum.record(stage, metrics.OutcomeSkipped, 0)
		return false
	}
	logger.Error("Failed to claim message",
		zap.String("conversation_id", convID),
		zap.String("message_id", msg.ID),
		zap.Error(err))
	sum.record(stage, metrics.OutcomeFailed, 0)
	return false
}

// commit persists a transition. It runs even after cancellation so finished
// work is never lost.
func (c *Coordinator) commit(ctx context.Context, stage Stage, convID, msgID string, u status.MessageUpdate, outcome string, took time.Duration, sum *Summary) {
	err := c.tracker.MarkMessage(context.WithoutCancel(ctx), convID, msgID, u)
	switch {
	case err == nil:
		sum.record(stage, outcome, took)
	case isLostClaim(err):
		logger.Warn("Claim lost before commit",
			zap.String("conversation_id", convID),
			zap.String("message_id", msgID),
			zap.String("status", string(u.Status)))
		sum.record(stage, metrics.OutcomeSkipped, took)
	default:
		logger.Error("Failed to persist message status",
			zap.String("conversation_id", convID),
			zap.String("message_id", msgID),
			zap.Error(err))
		sum.record(stage, metrics.OutcomeFailed, took)
	}
}

// release hands an unfinished claim back without spending the message.
func (c *Coordinator) release(ctx context.Context, convID, msgID string, back model.MessageStatus) {
	err := c.tracker.MarkMessage(context.WithoutCancel(ctx), convID, msgID, status.MessageUpdate{
		Status: back,
		Expect: processing(),
	})
	if err != nil && !isLostClaim(err) {
		logger.Warn("Failed to release claim",
			zap.String("conversation_id", convID),
			zap.String("message_id", msgID),
			zap.Error(err))
	}
}
