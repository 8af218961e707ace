package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voxpipe/internal/docstore"
	"voxpipe/internal/storage"
	"voxpipe/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func audio(id string) model.Message {
	return model.Message{ID: id, MediaType: model.MediaTypeAudio, MediaURL: "http://example.com/" + id + ".ogg"}
}

func at(min int) *time.Time {
	t := time.Date(2025, 3, 1, 12, min, 0, 0, time.UTC)
	return &t
}

func seed(t *testing.T, convs ...*model.Conversation) (*Tracker, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	for _, c := range convs {
		require.NoError(t, store.PutConversation(context.Background(), c))
	}
	return NewTracker(store), store
}

func conv(id string, updated *time.Time, msgs ...model.Message) *model.Conversation {
	return &model.Conversation{
		ID:        id,
		UpdatedAt: updated,
		Contacts:  []model.Contact{{Name: "bob", Messages: msgs}},
	}
}

// assertInvariant checks the stored counters against the message set.
func assertInvariant(t *testing.T, tr *Tracker, id string) *model.Conversation {
	t.Helper()
	c, err := tr.Conversation(context.Background(), id)
	require.NoError(t, err)
	want := model.ComputeCounters(c)
	assert.Equal(t, want.Total, c.TotalAudios, "total_audios")
	assert.Equal(t, want.Transcribed, c.TranscribedAudios, "transcribed_audios")
	assert.Equal(t, want.Pending, c.PendingAudios, "pending_audios")
	assert.Equal(t, want.Failed, c.FailedAudios, "failed_audios")
	assert.Equal(t, c.TotalAudios, c.TranscribedAudios+c.PendingAudios+c.FailedAudios)
	return c
}

func TestListPending(t *testing.T) {
	done := conv("done", at(0), audio("m1"))
	done.Status = model.ConversationCompleted
	failed := conv("failed", at(5), audio("m1"))
	failed.Status = model.ConversationError
	tr, _ := seed(t,
		conv("b", at(2), audio("m1")),
		conv("a", at(2), audio("m1")),
		conv("old", at(1), audio("m1")),
		conv("text-only", at(0), model.Message{ID: "t", Body: "hi"}),
		done, failed,
	)
	ctx := context.Background()

	ids, err := tr.ListPending(ctx, 0, Scope{})
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "a", "b", "failed"}, ids)

	ids, err = tr.ListPending(ctx, 2, Scope{})
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "a"}, ids)

	ids, err = tr.ListPending(ctx, 0, Scope{IDs: []string{"b", "done"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	empty, _ := seed(t)
	ids, err = empty.ListPending(ctx, 10, Scope{})
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

func TestMarkMessage_RecomputesCounters(t *testing.T) {
	tr, _ := seed(t, conv("c", nil, audio("m1"), audio("m2"), model.Message{ID: "t", Body: "oi"}))
	ctx := context.Background()

	require.NoError(t, tr.MarkConversation(ctx, "c", model.ConversationProcessing))

	require.NoError(t, tr.MarkMessage(ctx, "c", "m1", MessageUpdate{Status: model.MessageDownloaded}))
	c := assertInvariant(t, tr, "c")
	assert.Equal(t, 2, c.TotalAudios)
	assert.Equal(t, 2, c.PendingAudios)
	assert.Equal(t, model.ConversationProcessing, c.Status)

	tr2 := &model.Transcript{Text: "olá", Segments: []model.Segment{}, Language: "pt", TranscribedAt: time.Now()}
	require.NoError(t, tr.MarkMessage(ctx, "c", "m1", MessageUpdate{Status: model.MessageSynced, Transcript: tr2}))
	c = assertInvariant(t, tr, "c")
	assert.Equal(t, 1, c.TranscribedAudios)
	msg, _ := c.FindMessage("m1")
	assert.Equal(t, "olá", msg.Text)
	require.NotNil(t, msg.TranscribedAt)

	require.NoError(t, tr.MarkMessage(ctx, "c", "m2", MessageUpdate{
		Status:      model.MessageError,
		ErrorReason: model.ReasonNoValidSource,
		ErrorDetail: "404",
	}))
	c = assertInvariant(t, tr, "c")
	assert.Equal(t, 1, c.TranscribedAudios)
	assert.Equal(t, 0, c.PendingAudios)
	assert.Equal(t, 1, c.FailedAudios)
	assert.Equal(t, model.ConversationError, c.Status)
	msg, _ = c.FindMessage("m2")
	assert.Equal(t, model.ReasonNoValidSource, msg.ErrorReason)
	assert.Equal(t, "404", msg.ErrorDetail)
}

func TestFinish_Rollup(t *testing.T) {
	ctx := context.Background()
	tr, _ := seed(t, conv("c", nil, audio("m1")))
	require.NoError(t, tr.MarkConversation(ctx, "c", model.ConversationProcessing))

	_, status, err := tr.Finish(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, model.ConversationPending, status)

	require.NoError(t, tr.MarkMessage(ctx, "c", "m1", MessageUpdate{Status: model.MessageSynced}))
	counters, status, err := tr.Finish(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, model.ConversationCompleted, status)
	assert.Equal(t, 1, counters.Transcribed)

	c := assertInvariant(t, tr, "c")
	assert.NotNil(t, c.CompletedAt)
}

func TestClaim(t *testing.T) {
	ctx := context.Background()
	tr, _ := seed(t, conv("c", nil, audio("m1")))

	require.NoError(t, tr.Claim(ctx, "c", "m1", model.MessageAbsent))
	err := tr.Claim(ctx, "c", "m1", model.MessageAbsent)
	assert.ErrorIs(t, err, docstore.ErrConflict)

	c, err := tr.Conversation(ctx, "c")
	require.NoError(t, err)
	msg, _ := c.FindMessage("m1")
	assert.Equal(t, model.MessageProcessing, msg.Status)
	assert.NotNil(t, msg.StatusUpdatedAt)
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	tr, _ := seed(t, conv("c", nil, audio("m1")))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Claim(ctx, "c", "m1", model.MessageAbsent) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMarkMessage_Vanished(t *testing.T) {
	ctx := context.Background()
	tr, store := seed(t, conv("c", nil, audio("m1")))

	err := tr.MarkMessage(ctx, "c", "ghost", MessageUpdate{Status: model.MessageSynced})
	var sc *model.StoreConsistencyError
	require.True(t, errors.As(err, &sc))
	assert.Equal(t, "ghost", sc.MessageID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.True(t, model.IsPermanent(err))

	store.Delete("c")
	err = tr.MarkMessage(ctx, "c", "m1", MessageUpdate{Status: model.MessageSynced})
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = tr.Conversation(ctx, "c")
	require.True(t, errors.As(err, &sc))
}

func TestResetErrors(t *testing.T) {
	ctx := context.Background()
	tr, _ := seed(t,
		conv("c", nil, audio("m1"), audio("m2"), audio("m3")),
		conv("d", nil, audio("m1")),
	)
	three := 3
	require.NoError(t, tr.MarkMessage(ctx, "c", "m1", MessageUpdate{Status: model.MessageError, ErrorReason: model.ReasonNoValidSource}))
	require.NoError(t, tr.MarkMessage(ctx, "c", "m2", MessageUpdate{
		Status: model.MessageError, ErrorReason: model.ReasonDownloadRetriesExhausted, DownloadAttempts: &three,
	}))
	require.NoError(t, tr.MarkMessage(ctx, "c", "m3", MessageUpdate{Status: model.MessageSynced}))
	require.NoError(t, tr.MarkMessage(ctx, "d", "m1", MessageUpdate{Status: model.MessageError, ErrorReason: model.ReasonEngineFailure}))

	c := assertInvariant(t, tr, "c")
	assert.Equal(t, model.ConversationError, c.Status)

	n, err := tr.ResetErrors(ctx, "c", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	c = assertInvariant(t, tr, "c")
	m2, _ := c.FindMessage("m2")
	assert.Equal(t, model.MessageAbsent, m2.Status)
	assert.Zero(t, m2.DownloadAttempts)
	assert.Empty(t, m2.ErrorReason)
	assert.Equal(t, model.ConversationPending, c.Status)

	n, err = tr.ResetAllErrors(ctx, Scope{}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	c = assertInvariant(t, tr, "c")
	assert.Zero(t, c.FailedAudios)
	d := assertInvariant(t, tr, "d")
	assert.Equal(t, model.ConversationPending, d.Status)
}

func TestResetMessage_OnlyErrored(t *testing.T) {
	ctx := context.Background()
	tr, _ := seed(t, conv("c", nil, audio("m1")))
	require.NoError(t, tr.MarkMessage(ctx, "c", "m1", MessageUpdate{Status: model.MessageSynced}))
	err := tr.ResetMessage(ctx, "c", "m1")
	assert.ErrorIs(t, err, docstore.ErrConflict)
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	tr, _ := seed(t, conv("c", nil, audio("m1"), audio("m2")))

	tr.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	require.NoError(t, tr.Claim(ctx, "c", "m1", model.MessageAbsent))
	require.NoError(t, tr.MarkConversation(ctx, "c", model.ConversationProcessing))
	tr.now = time.Now
	require.NoError(t, tr.Claim(ctx, "c", "m2", model.MessageAbsent))

	res, err := tr.ReclaimStale(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Messages)
	assert.Equal(t, 1, res.Conversations)

	c := assertInvariant(t, tr, "c")
	m1, _ := c.FindMessage("m1")
	m2, _ := c.FindMessage("m2")
	assert.Equal(t, model.MessageAbsent, m1.Status)
	assert.Nil(t, m1.StatusUpdatedAt)
	assert.Equal(t, model.MessageProcessing, m2.Status)
	assert.Equal(t, model.ConversationPending, c.Status)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		u := k.Lock("a")
		u()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done

	k.mu.Lock()
	assert.Empty(t, k.locks)
	k.mu.Unlock()
}

func TestRecordAttempt(t *testing.T) {
	tr, _ := seed(t, conv("c1", at(0), audio("m1")))
	ctx := context.Background()

	n := 2
	err := tr.RecordAttempt(ctx, "c1", "m1", MessageUpdate{DownloadAttempts: &n})
	assert.ErrorIs(t, err, docstore.ErrConflict, "unclaimed message")

	require.NoError(t, tr.Claim(ctx, "c1", "m1", model.MessageAbsent))
	require.NoError(t, tr.RecordAttempt(ctx, "c1", "m1", MessageUpdate{DownloadAttempts: &n}))

	c, err := tr.Conversation(ctx, "c1")
	require.NoError(t, err)
	msg, ok := c.FindMessage("m1")
	require.True(t, ok)
	assert.Equal(t, model.MessageProcessing, msg.Status)
	assert.Equal(t, 2, msg.DownloadAttempts)
	assert.NotNil(t, msg.StatusUpdatedAt)
}
