package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"voxpipe/internal/artifact"
	"voxpipe/internal/config"
	"voxpipe/internal/docstore"
	"voxpipe/internal/download"
	"voxpipe/internal/engine"
	"voxpipe/internal/notify"
	"voxpipe/internal/pipeline"
	"voxpipe/internal/queue"
	"voxpipe/internal/status"
	"voxpipe/internal/storage"
	"voxpipe/internal/transcribe"
	"voxpipe/pkg/cache"
	"voxpipe/pkg/logger"
	"voxpipe/pkg/model"

	"go.uber.org/zap"
)

// app holds the configuration and the resources commands open lazily.
type app struct {
	configPath string
	cfg        *config.Config
	q          *queue.RabbitMQ
	closers    []func()
}

func (a *app) load() error {
	path := strings.TrimSpace(a.configPath)
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.cfg = cfg
	return nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) openStore(ctx context.Context) (docstore.Store, error) {
	sc := a.cfg.Store

	var (
		store docstore.Store
		err   error
	)
	switch sc.Driver {
	case "mongo":
		store, err = storage.NewMongoStore(ctx, sc.URI, sc.Database, sc.Collection)
	case "postgres":
		store, err = storage.NewPostgresStore(ctx, sc.URI, sc.Migrations)
	case "memory":
		mem := storage.NewMemoryStore()
		if sc.URI != "" && !strings.Contains(sc.URI, "://") {
			err = mem.LoadFile(sc.URI)
		}
		store = mem
	default:
		err = fmt.Errorf("unknown store driver %q", sc.Driver)
	}
	if err != nil {
		return nil, err
	}

	a.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(ctx); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	})
	return store, nil
}

func (a *app) openTracker(ctx context.Context) (*status.Tracker, docstore.Store, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return status.NewTracker(store), store, nil
}

func (a *app) openArtifacts() (*artifact.Store, error) {
	return artifact.New(a.cfg.Artifacts.Root)
}

// lockArtifacts takes the artifact-root lock for the rest of the command.
func (a *app) lockArtifacts(arts *artifact.Store) error {
	lock, err := arts.Lock()
	if err != nil {
		return err
	}
	a.onClose(func() { _ = lock.Unlock() })
	return nil
}

// openQueue connects to RabbitMQ once, or returns nil when it is not configured.
func (a *app) openQueue() (*queue.RabbitMQ, error) {
	if a.cfg.RabbitMQ.URL == "" || a.q != nil {
		return a.q, nil
	}
	q, err := queue.NewRabbitMQ(a.cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = q.Close() })
	a.q = q
	return q, nil
}

func (a *app) openArchive(ctx context.Context) (*storage.S3Archive, error) {
	s3 := a.cfg.S3
	if s3.Bucket == "" {
		return nil, nil
	}
	return storage.NewS3Archive(ctx, storage.S3Options{
		Endpoint:  s3.Endpoint,
		Region:    s3.Region,
		AccessKey: s3.AccessKey,
		SecretKey: s3.SecretKey,
		Bucket:    s3.Bucket,
	})
}

// buildCoordinator wires the pipeline with every optional integration the
// configuration enables.
func (a *app) buildCoordinator(ctx context.Context) (*pipeline.Coordinator, *status.Tracker, error) {
	tracker, _, err := a.openTracker(ctx)
	if err != nil {
		return nil, nil, err
	}

	arts, err := a.openArtifacts()
	if err != nil {
		return nil, nil, err
	}
	if err := a.lockArtifacts(arts); err != nil {
		return nil, nil, err
	}

	tc := a.cfg.Transcribe
	client := engine.NewClient(tc.EngineURL, tc.APIKey, tc.Model)

	var trOpts []transcribe.Option
	if a.cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCache(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB, a.cfg.Redis.TTL)
		if err != nil {
			logger.Warn("Transcript cache disabled", zap.Error(err))
		} else {
			a.onClose(func() { _ = rc.Close() })
			trOpts = append(trOpts, transcribe.WithCache(rc))
		}
	}

	var opts []pipeline.Option
	archive, err := a.openArchive(ctx)
	if err != nil {
		return nil, nil, err
	}
	if archive != nil {
		opts = append(opts, pipeline.WithArchive(archive))
	}

	q, err := a.openQueue()
	if err != nil {
		return nil, nil, err
	}
	if q != nil {
		opts = append(opts, pipeline.WithEvents(q))
	}

	if a.cfg.Telegram.Token != "" && a.cfg.Telegram.ChatID != 0 {
		tg, err := notify.NewTelegram(a.cfg.Telegram.Token, a.cfg.Telegram.ChatID)
		if err != nil {
			logger.Warn("Telegram alerts disabled", zap.Error(err))
		} else {
			opts = append(opts, pipeline.WithNotifier(tg))
		}
	}

	coord := pipeline.New(
		a.cfg.Pipeline,
		tc.Language,
		tracker,
		arts,
		download.New(a.cfg.Download, arts),
		transcribe.New(tc, client, arts, trOpts...),
		opts...,
	)
	return coord, tracker, nil
}

// loadConversations fetches every conversation matching q, skipping ones
// that vanish in between.
func loadConversations(ctx context.Context, store docstore.Store, q docstore.Query) ([]*model.Conversation, error) {
	ids, err := store.FindConversationIDs(ctx, q)
	if err != nil {
		return nil, err
	}
	convs := make([]*model.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := store.GetConversation(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, nil
}
