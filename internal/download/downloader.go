// Package download fetches message audio into the artifact store, trying the
// candidate URLs in priority order under a persisted attempt budget.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"voxpipe/internal/artifact"
	"voxpipe/internal/config"
	"voxpipe/pkg/logger"
	"voxpipe/pkg/model"
	"voxpipe/pkg/resilience"

	"go.uber.org/zap"
)

var (
	errNoCandidates = errors.New("message has no candidate url")
	errEmptyBody    = errors.New("empty response body")
)

// AttemptFunc is called with the new persisted attempt count before each
// attempt. Returning an error aborts the download.
type AttemptFunc func(attempts int) error

// Result describes a completed download.
type Result struct {
	Path     string
	URL      string
	Bytes    int64
	Attempts int
	// Cached is set when a complete artifact was already on disk.
	Cached bool
}

type Downloader struct {
	cfg        config.DownloadConfig
	store      *artifact.Store
	httpClient *http.Client
	limiter    *resilience.RateLimiter
}

type Option func(*Downloader)

// WithHTTPClient replaces the default client. Per-request timeouts still apply.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) { d.httpClient = c }
}

func New(cfg config.DownloadConfig, store *artifact.Store, opts ...Option) *Downloader {
	d := &Downloader{
		cfg:        cfg,
		store:      store,
		httpClient: &http.Client{},
	}
	if cfg.RequestsPerSec > 0 {
		d.limiter = resilience.NewRateLimiter(cfg.RequestsPerSec, time.Second/time.Duration(cfg.RequestsPerSec))
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// hookError marks a failure of the attempt callback, which is never retried.
type hookError struct{ err error }

func (e *hookError) Error() string { return "record attempt: " + e.err.Error() }
func (e *hookError) Unwrap() error { return e.err }

// Download makes sure the message audio is on disk. Exhausted budgets and
// sources that can never succeed come back as *model.PermanentSourceError.
func (d *Downloader) Download(ctx context.Context, conversationID string, msg *model.Message, onAttempt AttemptFunc) (*Result, error) {
	if d.store.HasAudio(conversationID, msg) {
		return &Result{Path: d.store.AudioPath(conversationID, msg), Cached: true, Attempts: msg.DownloadAttempts}, nil
	}

	candidates := msg.CandidateURLs()
	if len(candidates) == 0 {
		return nil, &model.PermanentSourceError{Reason: model.ReasonNoValidSource, Err: errNoCandidates}
	}

	budget := d.cfg.MaxAttempts - msg.DownloadAttempts
	if budget <= 0 {
		return nil, &model.PermanentSourceError{
			Reason: model.ReasonDownloadRetriesExhausted,
			Err:    fmt.Errorf("%d of %d attempts already used", msg.DownloadAttempts, d.cfg.MaxAttempts),
		}
	}

	log := logger.With(
		zap.String("conversation_id", conversationID),
		zap.String("message_id", msg.ID))

	attempts := msg.DownloadAttempts
	var result *Result
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:     budget,
		InitialInterval: d.cfg.InitialBackoff,
		MaxInterval:     d.cfg.MaxBackoff,
		Multiplier:      2.0,
		IsPermanent: func(err error) bool {
			var h *hookError
			return model.IsPermanent(err) || errors.As(err, &h)
		},
	}

	err := resilience.RetryNotify(ctx, retryCfg, func() error {
		attempts++
		if onAttempt != nil {
			if err := onAttempt(attempts); err != nil {
				return &hookError{err: err}
			}
		}
		r, err := d.tryCandidates(ctx, conversationID, msg, candidates)
		if err != nil {
			return err
		}
		r.Attempts = attempts
		result = r
		return nil
	}, func(err error, wait time.Duration) {
		log.Warn("Download attempt failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
	if err == nil {
		log.Info("Audio downloaded",
			zap.String("url", result.URL),
			zap.Int64("bytes", result.Bytes),
			zap.Int("attempts", result.Attempts))
		return result, nil
	}

	var h *hookError
	switch {
	case errors.As(err, &h):
		return nil, h.err
	case model.IsPermanent(err):
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case attempts >= d.cfg.MaxAttempts:
		return nil, &model.PermanentSourceError{Reason: model.ReasonDownloadRetriesExhausted, Err: err}
	default:
		return nil, err
	}
}

// tryCandidates walks the URLs in priority order until one succeeds.
func (d *Downloader) tryCandidates(ctx context.Context, conversationID string, msg *model.Message, candidates []string) (*Result, error) {
	var errs []error
	transientURL := ""
	for _, raw := range candidates {
		n, err := d.fetch(ctx, conversationID, msg, raw)
		if err == nil {
			return &Result{Path: d.store.AudioPath(conversationID, msg), URL: raw, Bytes: n}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Debug("Candidate failed",
			zap.String("message_id", msg.ID),
			zap.String("url", raw),
			zap.Error(err))
		errs = append(errs, err)
		if !model.IsPermanent(err) && transientURL == "" {
			transientURL = raw
		}
	}

	joined := errors.Join(errs...)
	if transientURL == "" {
		return nil, &model.PermanentSourceError{Reason: model.ReasonNoValidSource, Err: joined}
	}
	// Flattened so permanent candidate errors do not make the whole attempt permanent.
	return nil, &model.TransientNetworkError{URL: transientURL, Err: errors.New(joined.Error())}
}

func (d *Downloader) fetch(ctx context.Context, conversationID string, msg *model.Message, raw string) (int64, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return 0, permanent(fmt.Errorf("malformed url %q: %w", raw, err))
	}

	switch u.Scheme {
	case "http", "https":
		return d.fetchHTTP(ctx, conversationID, msg, raw)
	case "", "file":
		if !d.cfg.AllowLocalFiles {
			return 0, permanent(fmt.Errorf("local file sources are disabled: %s", raw))
		}
		p := raw
		if u.Scheme == "file" {
			p = filepath.FromSlash(u.Path)
		}
		return d.copyLocal(conversationID, msg, p)
	default:
		return 0, permanent(fmt.Errorf("unsupported url scheme %q", u.Scheme))
	}
}

func (d *Downloader) fetchHTTP(ctx context.Context, conversationID string, msg *model.Message, raw string) (int64, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, raw, nil)
	if err != nil {
		return 0, permanent(fmt.Errorf("build request: %w", err))
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, &model.TransientNetworkError{URL: raw, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("status=%d", resp.StatusCode)
		if retryableStatus(resp.StatusCode) {
			return 0, &model.TransientNetworkError{URL: raw, Err: statusErr}
		}
		return 0, permanent(statusErr)
	}

	n, err := d.store.WriteAudio(conversationID, msg, resp.Body)
	switch {
	case errors.Is(err, artifact.ErrEmptyArtifact):
		return 0, permanent(errEmptyBody)
	case err != nil && reqCtx.Err() != nil:
		return 0, &model.TransientNetworkError{URL: raw, Err: fmt.Errorf("read body: %w", reqCtx.Err())}
	case err != nil:
		return 0, &model.TransientNetworkError{URL: raw, Err: fmt.Errorf("read body: %w", err)}
	}
	return n, nil
}

func (d *Downloader) copyLocal(conversationID string, msg *model.Message, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, permanent(fmt.Errorf("open local source: %w", err))
	}
	defer f.Close()

	n, err := d.store.WriteAudio(conversationID, msg, f)
	if errors.Is(err, artifact.ErrEmptyArtifact) {
		return 0, permanent(errEmptyBody)
	}
	if err != nil {
		return 0, fmt.Errorf("copy local source: %w", err)
	}
	return n, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func permanent(err error) error {
	return &model.PermanentSourceError{Reason: model.ReasonNoValidSource, Err: err}
}
