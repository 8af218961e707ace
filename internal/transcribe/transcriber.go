// Package transcribe runs downloaded audio through the speech-to-text engine
// in bounded batches and stores validated transcripts next to the audio.
package transcribe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"voxpipe/internal/artifact"
	"voxpipe/internal/config"
	"voxpipe/pkg/cache"
	"voxpipe/pkg/logger"
	"voxpipe/pkg/model"
	"voxpipe/pkg/resilience"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrMissingAudio means the audio artifact is not on disk.
var ErrMissingAudio = errors.New("audio artifact missing")

// Engine turns one audio file into a transcript.
type Engine interface {
	Transcribe(ctx context.Context, audioPath, languageHint string) (*model.Transcript, error)
}

type Item struct {
	ConversationID string
	Message        *model.Message
}

// Result is the outcome for one Item. Err is *model.EngineFailure once the
// retry budget is spent, or ErrMissingAudio.
type Result struct {
	Item       Item
	Transcript *model.Transcript
	Attempts   int
	// Reused is set when no engine call was needed.
	Reused bool
	Err    error
}

type Transcriber struct {
	cfg     config.TranscribeConfig
	engine  Engine
	store   *artifact.Store
	cache   cache.Cache
	sem     *semaphore.Weighted
	breaker *resilience.CircuitBreaker
}

type Option func(*Transcriber)

// WithCache enables transcript dedup by audio digest.
func WithCache(c cache.Cache) Option {
	return func(t *Transcriber) { t.cache = c }
}

func New(cfg config.TranscribeConfig, engine Engine, store *artifact.Store, opts ...Option) *Transcriber {
	concurrency := cfg.EngineConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	failures := cfg.BreakerFailures
	if failures < 1 {
		failures = 5
	}
	t := &Transcriber{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		breaker: resilience.NewCircuitBreaker(uint32(failures), cfg.BreakerCooldown),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// BreakerState exposes the engine breaker for status output.
func (t *Transcriber) BreakerState() resilience.State {
	return t.breaker.GetState()
}

// TranscribeBatch returns one result per item, in order. A failed item never
// affects the others.
func (t *Transcriber) TranscribeBatch(ctx context.Context, items []Item, languageHint string) []Result {
	results := make([]Result, len(items))
	size := t.cfg.BatchSize
	if size < 1 {
		size = 1
	}

	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = t.Transcribe(ctx, items[i], languageHint)
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}

// Transcribe handles a single item: reuse an existing transcript file or a
// cached result, otherwise call the engine under the retry budget.
func (t *Transcriber) Transcribe(ctx context.Context, item Item, languageHint string) Result {
	res := Result{Item: item}
	msg := item.Message
	audioPath := t.store.AudioPath(item.ConversationID, msg)
	log := logger.With(
		zap.String("conversation_id", item.ConversationID),
		zap.String("message_id", msg.ID))

	if existing, err := t.store.ReadTranscript(item.ConversationID, msg.ID); err == nil && existing.Validate() == nil {
		res.Transcript, res.Reused = existing, true
		return res
	}

	if !t.store.HasAudio(item.ConversationID, msg) {
		res.Err = ErrMissingAudio
		return res
	}

	digest := ""
	if t.cache != nil {
		var err error
		if digest, err = fileDigest(audioPath); err != nil {
			log.Warn("Failed to hash audio", zap.Error(err))
		} else if cached := t.lookup(ctx, digest); cached != nil {
			cached.SourcePath = audioPath
			if err := t.store.WriteTranscript(item.ConversationID, msg.ID, cached); err == nil {
				log.Info("Transcript reused from cache", zap.String("digest", digest))
				res.Transcript, res.Reused = cached, true
				return res
			}
		}
	}

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:     t.cfg.MaxAttempts,
		InitialInterval: t.cfg.InitialBackoff,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		IsPermanent: func(err error) bool {
			return errors.Is(err, os.ErrNotExist)
		},
	}

	var transcript *model.Transcript
	err := resilience.RetryNotify(ctx, retryCfg, func() error {
		res.Attempts++
		tr, err := t.call(ctx, audioPath, languageHint)
		if err != nil {
			return err
		}
		transcript = tr
		return nil
	}, func(err error, wait time.Duration) {
		log.Warn("Transcription attempt failed, retrying",
			zap.Int("attempt", res.Attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
	if err != nil {
		res.Err = &model.EngineFailure{Path: audioPath, Err: err}
		return res
	}

	if err := t.store.WriteTranscript(item.ConversationID, msg.ID, transcript); err != nil {
		res.Err = fmt.Errorf("write transcript: %w", err)
		return res
	}
	if digest != "" {
		if err := t.cache.Set(ctx, cache.TranscriptCacheKey(digest), transcript); err != nil {
			log.Warn("Failed to cache transcript", zap.Error(err))
		}
	}
	res.Transcript = transcript
	return res
}

// call makes one engine request inside the concurrency cap, the per-call
// timeout and the circuit breaker, then validates the output.
func (t *Transcriber) call(ctx context.Context, audioPath, languageHint string) (*model.Transcript, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)

	callCtx := ctx
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	var tr *model.Transcript
	err := t.breaker.ExecuteCounting(func() error {
		var err error
		tr, err = t.engine.Transcribe(callCtx, audioPath, languageHint)
		return err
	}, countsAgainstEngine)
	if err != nil {
		return nil, err
	}

	if tr.Language == "" {
		tr.Language = languageHint
	}
	if tr.Segments == nil {
		tr.Segments = []model.Segment{}
	}
	tr.SourcePath = audioPath
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	return tr, nil
}

// countsAgainstEngine keeps bad output and caller cancellation from tripping the breaker.
func countsAgainstEngine(err error) bool {
	return !errors.Is(err, model.ErrMalformedTranscript) && !errors.Is(err, context.Canceled)
}

func (t *Transcriber) lookup(ctx context.Context, digest string) *model.Transcript {
	var cached model.Transcript
	err := t.cache.Get(ctx, cache.TranscriptCacheKey(digest), &cached)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logger.Warn("Transcript cache lookup failed", zap.Error(err))
		}
		return nil
	}
	if cached.Validate() != nil {
		return nil
	}
	return &cached
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
