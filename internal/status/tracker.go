// Package status owns every write of message and conversation status. All
// counter fields are derived from the message set right after a message
// write, never incremented in place.
package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voxpipe/internal/docstore"
	"voxpipe/pkg/logger"
	"voxpipe/pkg/model"

	"go.uber.org/zap"
)

// Scope narrows discovery to explicit conversations or one user.
type Scope struct {
	IDs      []string
	UserName string
}

// MessageUpdate describes one message transition.
type MessageUpdate struct {
	Status model.MessageStatus
	// Expect makes the write conditional on the current status.
	Expect             *model.MessageStatus
	DownloadAttempts   *int
	TranscribeAttempts *int
	// Transcript is persisted with its text when set.
	Transcript  *model.Transcript
	ErrorReason string
	ErrorDetail string
}

// ReclaimResult counts what a staleness sweep put back into circulation.
type ReclaimResult struct {
	Messages      int
	Conversations int
}

type Tracker struct {
	store docstore.Store
	locks *keyedMutex
	now   func() time.Time
}

func NewTracker(store docstore.Store) *Tracker {
	return &Tracker{
		store: store,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

// ListPending returns conversations that still need work, least recently
// updated first. Errored conversations stay listed until they are reset.
func (t *Tracker) ListPending(ctx context.Context, limit int, scope Scope) ([]string, error) {
	ids, err := t.store.FindConversationIDs(ctx, docstore.Query{
		Statuses:     []model.ConversationStatus{model.ConversationPending, model.ConversationError},
		RequireAudio: true,
		IDs:          scope.IDs,
		UserName:     scope.UserName,
		Limit:        limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending conversations: %w", err)
	}
	return ids, nil
}

func (t *Tracker) Conversation(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := t.store.GetConversation(ctx, id)
	if err != nil {
		return nil, consistency(id, "", err)
	}
	return conv, nil
}

func (t *Tracker) MarkConversation(ctx context.Context, id string, status model.ConversationStatus) error {
	err := t.store.UpdateConversation(ctx, id, docstore.Fields{docstore.FieldStatus: status})
	if err != nil {
		return consistency(id, "", err)
	}
	logger.Debug("Conversation marked",
		zap.String("conversation_id", id),
		zap.String("status", string(status)))
	return nil
}

// MarkMessage applies a transition and then recomputes the conversation counters.
func (t *Tracker) MarkMessage(ctx context.Context, conversationID, messageID string, u MessageUpdate) error {
	if err := t.store.UpdateMessage(ctx, conversationID, messageID, t.patch(u)); err != nil {
		return consistency(conversationID, messageID, err)
	}
	logger.Debug("Message marked",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", messageID),
		zap.String("status", string(u.Status)),
		zap.String("error_reason", u.ErrorReason))

	_, err := t.Recompute(ctx, conversationID)
	return err
}

// Claim moves a message from its current status to processing. A lost race
// comes back as docstore.ErrConflict. Counters are unaffected since both
// ends count as pending.
func (t *Tracker) Claim(ctx context.Context, conversationID, messageID string, from model.MessageStatus) error {
	err := t.store.UpdateMessage(ctx, conversationID, messageID, t.patch(MessageUpdate{
		Status: model.MessageProcessing,
		Expect: docstore.StatusPtr(from),
	}))
	if err != nil {
		return consistency(conversationID, messageID, err)
	}
	return nil
}

// RecordAttempt persists attempt counters on a message this process has
// claimed and refreshes the claim timestamp. A claim taken back by the
// staleness sweep comes back as docstore.ErrConflict.
func (t *Tracker) RecordAttempt(ctx context.Context, conversationID, messageID string, u MessageUpdate) error {
	u.Status = model.MessageProcessing
	u.Expect = docstore.StatusPtr(model.MessageProcessing)
	if err := t.store.UpdateMessage(ctx, conversationID, messageID, t.patch(u)); err != nil {
		return consistency(conversationID, messageID, err)
	}
	return nil
}

func (t *Tracker) patch(u MessageUpdate) docstore.MessagePatch {
	p := docstore.MessagePatch{Set: docstore.Fields{}, Expect: u.Expect}

	switch u.Status {
	case model.MessageAbsent:
		p.Unset = append(p.Unset, docstore.FieldStatus, docstore.FieldStatusUpdatedAt)
	case model.MessageProcessing:
		p.Set[docstore.FieldStatus] = u.Status
		p.Set[docstore.FieldStatusUpdatedAt] = t.now().UTC()
	default:
		p.Set[docstore.FieldStatus] = u.Status
		p.Unset = append(p.Unset, docstore.FieldStatusUpdatedAt)
	}

	if u.Status == model.MessageError {
		p.Set[docstore.FieldErrorReason] = u.ErrorReason
		if u.ErrorDetail != "" {
			p.Set[docstore.FieldErrorDetail] = u.ErrorDetail
		} else {
			p.Unset = append(p.Unset, docstore.FieldErrorDetail)
		}
	} else if u.Status != model.MessageProcessing {
		p.Unset = append(p.Unset, docstore.FieldErrorReason, docstore.FieldErrorDetail)
	}

	if u.DownloadAttempts != nil {
		p.Set[docstore.FieldDownloadAttempts] = *u.DownloadAttempts
	}
	if u.TranscribeAttempts != nil {
		p.Set[docstore.FieldTranscribeAttempts] = *u.TranscribeAttempts
	}
	if u.Transcript != nil {
		p.Set[docstore.FieldText] = u.Transcript.Text
		p.Set[docstore.FieldTranscript] = u.Transcript
		p.Set[docstore.FieldTranscribedAt] = u.Transcript.TranscribedAt.UTC()
	}
	return p
}

// Recompute derives the counters from the stored messages. A conversation
// marked processing stays processing while work remains.
func (t *Tracker) Recompute(ctx context.Context, id string) (model.Counters, error) {
	return t.recompute(ctx, id, true)
}

// Finish recomputes and writes the final rollup at the end of a pass.
func (t *Tracker) Finish(ctx context.Context, id string) (model.Counters, model.ConversationStatus, error) {
	c, err := t.recompute(ctx, id, false)
	if err != nil {
		return c, "", err
	}
	return c, c.Rollup(), nil
}

func (t *Tracker) recompute(ctx context.Context, id string, keepProcessing bool) (model.Counters, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	conv, err := t.store.GetConversation(ctx, id)
	if err != nil {
		return model.Counters{}, consistency(id, "", err)
	}

	c := model.ComputeCounters(conv)
	if err := c.Check(); err != nil {
		return c, &model.StoreConsistencyError{ConversationID: id, Err: err}
	}

	status := c.Rollup()
	if keepProcessing && status == model.ConversationPending && conv.Status == model.ConversationProcessing {
		status = model.ConversationProcessing
	}

	set := docstore.Fields{
		docstore.FieldTotalAudios:       c.Total,
		docstore.FieldTranscribedAudios: c.Transcribed,
		docstore.FieldPendingAudios:     c.Pending,
		docstore.FieldFailedAudios:      c.Failed,
		docstore.FieldStatus:            status,
	}
	if status == model.ConversationCompleted && conv.Status != model.ConversationCompleted {
		set[docstore.FieldCompletedAt] = t.now().UTC()
	}
	if err := t.store.UpdateConversation(ctx, id, set); err != nil {
		return c, consistency(id, "", err)
	}
	return c, nil
}

// ResetMessage puts an errored message back to absent with cleared attempts.
func (t *Tracker) ResetMessage(ctx context.Context, conversationID, messageID string) error {
	if err := t.resetMessage(ctx, conversationID, messageID, model.MessageError); err != nil {
		return err
	}
	_, _, err := t.Finish(ctx, conversationID)
	return err
}

func (t *Tracker) resetMessage(ctx context.Context, conversationID, messageID string, from model.MessageStatus) error {
	err := t.store.UpdateMessage(ctx, conversationID, messageID, docstore.MessagePatch{
		Unset: []string{
			docstore.FieldStatus, docstore.FieldStatusUpdatedAt,
			docstore.FieldDownloadAttempts, docstore.FieldTranscribeAttempts,
			docstore.FieldErrorReason, docstore.FieldErrorDetail,
		},
		Expect: docstore.StatusPtr(from),
	})
	if err != nil {
		return consistency(conversationID, messageID, err)
	}
	return nil
}

// ResetErrors resets the errored audio messages of one conversation. With
// onlyRetryable, errors whose reason can never succeed are left alone.
func (t *Tracker) ResetErrors(ctx context.Context, conversationID string, onlyRetryable bool) (int, error) {
	conv, err := t.Conversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, ref := range conv.AudioMessages() {
		msg := ref.Message
		if msg.Status != model.MessageError {
			continue
		}
		if onlyRetryable && !model.IsRetryableReason(msg.ErrorReason) {
			continue
		}
		if err := t.resetMessage(ctx, conversationID, msg.ID, model.MessageError); err != nil {
			if errors.Is(err, docstore.ErrConflict) {
				continue
			}
			return reset, err
		}
		reset++
	}

	if reset > 0 {
		if _, _, err := t.Finish(ctx, conversationID); err != nil {
			return reset, err
		}
		logger.Info("Errored messages reset",
			zap.String("conversation_id", conversationID),
			zap.Int("count", reset))
	}
	return reset, nil
}

// ResetAllErrors applies ResetErrors to every conversation in scope holding an errored message.
func (t *Tracker) ResetAllErrors(ctx context.Context, scope Scope, onlyRetryable bool) (int, error) {
	ids, err := t.store.FindConversationIDs(ctx, docstore.Query{
		MessageStatus: docstore.StatusPtr(model.MessageError),
		IDs:           scope.IDs,
		UserName:      scope.UserName,
	})
	if err != nil {
		return 0, fmt.Errorf("find errored conversations: %w", err)
	}

	total := 0
	for _, id := range ids {
		n, err := t.ResetErrors(ctx, id, onlyRetryable)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReclaimStale returns processing claims older than cutoff to absent and
// re-rolls conversations left in processing by a dead pass.
func (t *Tracker) ReclaimStale(ctx context.Context, cutoff time.Time) (ReclaimResult, error) {
	var res ReclaimResult

	ids, err := t.store.FindConversationIDs(ctx, docstore.Query{
		MessageStatus: docstore.StatusPtr(model.MessageProcessing),
	})
	if err != nil {
		return res, fmt.Errorf("find claimed conversations: %w", err)
	}

	touched := make(map[string]bool)
	for _, id := range ids {
		conv, err := t.store.GetConversation(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("load conversation %s: %w", id, err)
		}
		for _, ref := range conv.AudioMessages() {
			msg := ref.Message
			if msg.Status != model.MessageProcessing {
				continue
			}
			if msg.StatusUpdatedAt != nil && !msg.StatusUpdatedAt.Before(cutoff) {
				continue
			}
			err := t.store.UpdateMessage(ctx, id, msg.ID, docstore.MessagePatch{
				Unset:  []string{docstore.FieldStatus, docstore.FieldStatusUpdatedAt},
				Expect: docstore.StatusPtr(model.MessageProcessing),
			})
			if errors.Is(err, docstore.ErrConflict) || errors.Is(err, model.ErrNotFound) {
				continue
			}
			if err != nil {
				return res, fmt.Errorf("reclaim %s/%s: %w", id, msg.ID, err)
			}
			res.Messages++
			touched[id] = true
			logger.Info("Stale claim reclaimed",
				zap.String("conversation_id", id),
				zap.String("message_id", msg.ID))
		}
	}

	stuck, err := t.store.FindConversationIDs(ctx, docstore.Query{
		Statuses:      []model.ConversationStatus{model.ConversationProcessing},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return res, fmt.Errorf("find stuck conversations: %w", err)
	}
	for _, id := range stuck {
		touched[id] = true
	}

	for id := range touched {
		if _, _, err := t.Finish(ctx, id); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return res, err
		}
		res.Conversations++
	}
	return res, nil
}

func (t *Tracker) Stats(ctx context.Context) (docstore.Stats, error) {
	return t.store.Stats(ctx)
}

// consistency wraps vanished documents as StoreConsistencyError.
func consistency(conversationID, messageID string, err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return &model.StoreConsistencyError{ConversationID: conversationID, MessageID: messageID, Err: err}
	}
	return err
}

// keyedMutex serializes recomputes per conversation inside one process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
