package transcribe

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"voxpipe/internal/artifact"
	"voxpipe/internal/config"
	"voxpipe/pkg/cache"
	"voxpipe/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	calls   int32
	active  int32
	maxSeen int32
	delay   time.Duration
	respond func(audioPath string) (*model.Transcript, error)
}

func (f *fakeEngine) Transcribe(ctx context.Context, audioPath, languageHint string) (*model.Transcript, error) {
	atomic.AddInt32(&f.calls, 1)
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.respond(audioPath)
}

func okTranscript(text string) *model.Transcript {
	return &model.Transcript{
		Text:     text,
		Segments: []model.Segment{{Start: 0, End: 1, Text: text}},
		Language: "pt",
		Duration: 1,
	}
}

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, dest interface{}) error {
	args := m.Called(ctx, key, dest)
	return args.Error(0)
}

func (m *MockCache) Set(ctx context.Context, key string, value interface{}) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func testConfig() config.TranscribeConfig {
	return config.TranscribeConfig{
		BatchSize:         4,
		EngineConcurrency: 1,
		Timeout:           time.Second,
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		BreakerFailures:   100,
		BreakerCooldown:   time.Minute,
	}
}

func setup(t *testing.T, ids ...string) (*artifact.Store, []Item) {
	t.Helper()
	store, err := artifact.New(t.TempDir())
	require.NoError(t, err)
	var items []Item
	for _, id := range ids {
		msg := &model.Message{ID: id, MediaType: model.MediaTypeAudio, MediaURL: "http://x/" + id + ".ogg"}
		_, err := store.WriteAudio("c1", msg, strings.NewReader("audio-"+id))
		require.NoError(t, err)
		items = append(items, Item{ConversationID: "c1", Message: msg})
	}
	return store, items
}

func TestTranscribeBatch_IsolatesFailures(t *testing.T) {
	store, items := setup(t, "m1", "bad", "m3")
	eng := &fakeEngine{respond: func(p string) (*model.Transcript, error) {
		if strings.Contains(p, "bad") {
			return nil, errors.New("cuda out of memory")
		}
		return okTranscript("olá"), nil
	}}
	tr := New(testConfig(), eng, store)

	results := tr.TranscribeBatch(context.Background(), items, "pt")
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, "m3", results[2].Item.Message.ID)

	var ef *model.EngineFailure
	require.True(t, errors.As(results[1].Err, &ef))
	assert.Equal(t, 3, results[1].Attempts)
	assert.Equal(t, int32(5), atomic.LoadInt32(&eng.calls))

	saved, err := store.ReadTranscript("c1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "olá", saved.Text)
	assert.Equal(t, store.AudioPath("c1", items[0].Message), saved.SourcePath)

	_, err = store.ReadTranscript("c1", "bad")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTranscribeBatch_EngineConcurrencyCap(t *testing.T) {
	for _, limit := range []int{1, 2} {
		store, items := setup(t, "a", "b", "c", "d", "e")
		eng := &fakeEngine{delay: 10 * time.Millisecond, respond: func(string) (*model.Transcript, error) {
			return okTranscript("x"), nil
		}}
		cfg := testConfig()
		cfg.EngineConcurrency = limit
		results := New(cfg, eng, store).TranscribeBatch(context.Background(), items, "pt")
		for _, r := range results {
			assert.NoError(t, r.Err)
		}
		assert.LessOrEqual(t, atomic.LoadInt32(&eng.maxSeen), int32(limit))
	}
}

func TestTranscribe_MalformedOutputRetried(t *testing.T) {
	store, items := setup(t, "m1")
	var n int32
	eng := &fakeEngine{respond: func(string) (*model.Transcript, error) {
		if atomic.AddInt32(&n, 1) == 1 {
			return &model.Transcript{
				Language: "pt",
				Duration: 5,
				Segments: []model.Segment{{Start: 0, End: 3}, {Start: 1, End: 2}},
			}, nil
		}
		return okTranscript("ok"), nil
	}}

	res := New(testConfig(), eng, store).Transcribe(context.Background(), items[0], "pt")
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
}

func TestTranscribe_MalformedExhausted(t *testing.T) {
	store, items := setup(t, "m1")
	eng := &fakeEngine{respond: func(string) (*model.Transcript, error) {
		return &model.Transcript{Language: "pt", Duration: 1, Segments: []model.Segment{{Start: 0, End: 9}}}, nil
	}}
	res := New(testConfig(), eng, store).Transcribe(context.Background(), items[0], "pt")
	assert.ErrorIs(t, res.Err, model.ErrMalformedTranscript)
	var ef *model.EngineFailure
	assert.True(t, errors.As(res.Err, &ef))
}

func TestTranscribe_LanguageDefaultsToHint(t *testing.T) {
	store, items := setup(t, "m1")
	eng := &fakeEngine{respond: func(string) (*model.Transcript, error) {
		return &model.Transcript{Text: "", Duration: 0.3}, nil
	}}
	res := New(testConfig(), eng, store).Transcribe(context.Background(), items[0], "pt")
	require.NoError(t, res.Err)
	assert.Equal(t, "pt", res.Transcript.Language)
	assert.NotNil(t, res.Transcript.Segments)
}

func TestTranscribe_TimeoutCountsAsFailure(t *testing.T) {
	store, items := setup(t, "m1")
	eng := &fakeEngine{delay: time.Second, respond: func(string) (*model.Transcript, error) {
		return okTranscript("late"), nil
	}}
	cfg := testConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxAttempts = 2

	res := New(cfg, eng, store).Transcribe(context.Background(), items[0], "pt")
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, 2, res.Attempts)
}

func TestTranscribe_ReusesExistingTranscript(t *testing.T) {
	store, items := setup(t, "m1")
	require.NoError(t, store.WriteTranscript("c1", "m1", okTranscript("before")))
	eng := &fakeEngine{respond: func(string) (*model.Transcript, error) {
		return okTranscript("after"), nil
	}}

	res := New(testConfig(), eng, store).Transcribe(context.Background(), items[0], "pt")
	require.NoError(t, res.Err)
	assert.True(t, res.Reused)
	assert.Equal(t, "before", res.Transcript.Text)
	assert.Zero(t, atomic.LoadInt32(&eng.calls))
}

func TestTranscribe_MissingAudio(t *testing.T) {
	store, _ := setup(t)
	eng := &fakeEngine{respond: func(string) (*model.Transcript, error) { return okTranscript("x"), nil }}
	item := Item{ConversationID: "c1", Message: &model.Message{ID: "gone", MediaType: model.MediaTypeAudio}}

	res := New(testConfig(), eng, store).Transcribe(context.Background(), item, "pt")
	assert.ErrorIs(t, res.Err, ErrMissingAudio)
	assert.Zero(t, atomic.LoadInt32(&eng.calls))
}

func TestTranscribe_CacheHit(t *testing.T) {
	store, items := setup(t, "m1")
	eng := &fakeEngine{respond: func(string) (*model.Transcript, error) { return okTranscript("engine"), nil }}
	mc := &MockCache{}
	mc.On("Get", mock.Anything, mock.MatchedBy(func(k string) bool { return strings.HasPrefix(k, "transcript:") }), mock.Anything).
		Run(func(args mock.Arguments) {
			*args.Get(2).(*model.Transcript) = *okTranscript("cached")
		}).Return(nil)

	res := New(testConfig(), eng, store, WithCache(mc)).Transcribe(context.Background(), items[0], "pt")
	require.NoError(t, res.Err)
	assert.True(t, res.Reused)
	assert.Equal(t, "cached", res.Transcript.Text)
	assert.Zero(t, atomic.LoadInt32(&eng.calls))

	saved, err := store.ReadTranscript("c1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "cached", saved.Text)
	mc.AssertExpectations(t)
}

func TestTranscribe_CacheMissStoresResult(t *testing.T) {
	store, items := setup(t, "m1")
	eng := &fakeEngine{respond: func(string) (*model.Transcript, error) { return okTranscript("engine"), nil }}
	mc := &MockCache{}
	mc.On("Get", mock.Anything, mock.Anything, mock.Anything).Return(cache.ErrMiss)
	mc.On("Set", mock.Anything, mock.Anything, mock.AnythingOfType("*model.Transcript")).Return(errors.New("redis down"))

	res := New(testConfig(), eng, store, WithCache(mc)).Transcribe(context.Background(), items[0], "pt")
	require.NoError(t, res.Err)
	assert.False(t, res.Reused)
	assert.Equal(t, int32(1), atomic.LoadInt32(&eng.calls))
	mc.AssertExpectations(t)
}

func TestTranscribe_BreakerOpensOnEngineErrors(t *testing.T) {
	store, items := setup(t, "m1", "m2")
	eng := &fakeEngine{respond: func(string) (*model.Transcript, error) { return nil, errors.New("connection refused") }}
	cfg := testConfig()
	cfg.BreakerFailures = 2
	cfg.MaxAttempts = 2
	cfg.BatchSize = 1
	tr := New(cfg, eng, store)

	results := tr.TranscribeBatch(context.Background(), items, "pt")
	assert.Error(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Equal(t, "open", tr.BreakerState().String())
	// The breaker rejected the second item without reaching the engine.
	assert.Equal(t, int32(2), atomic.LoadInt32(&eng.calls))
}

func TestTranscribeBatch_Empty(t *testing.T) {
	store, _ := setup(t)
	results := New(testConfig(), &fakeEngine{}, store).TranscribeBatch(context.Background(), nil, "pt")
	assert.Empty(t, results)
}
