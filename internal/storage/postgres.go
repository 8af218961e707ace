package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"voxpipe/internal/docstore"
	"voxpipe/pkg/logger"
	"voxpipe/pkg/model"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// Message lookups inside the jsonb document.
const (
	pathMessage       = `$.contacts[*].messages[*] ? (@.id == $id)`
	pathMessageStatus = `$.contacts[*].messages[*] ? (@.id == $id && @.transcription_status == $status)`
	pathMessageAbsent = `$.contacts[*].messages[*] ? (@.id == $id && (!(exists(@.transcription_status)) || @.transcription_status == ""))`

	pathAudio       = `$.contacts[*].messages[*] ? (@.media_type == "audio")`
	pathAudioStatus = `$.contacts[*].messages[*] ? (@.media_type == "audio" && @.transcription_status == $status)`
	pathAudioAbsent = `$.contacts[*].messages[*] ? (@.media_type == "audio" && (!(exists(@.transcription_status)) || @.transcription_status == ""))`

	statusExpr = `COALESCE(NULLIF(doc->>'transcription_status', ''), 'pending')`
)

// PostgresStore keeps one conversation per row as a jsonb document.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects, pings and applies the migrations found in migrationsDir.
func NewPostgresStore(ctx context.Context, databaseURL, migrationsDir string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established")

	if err := RunMigrations(databaseURL, migrationsDir); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// RunMigrations applies every pending migration in dir.
func RunMigrations(databaseURL, dir string) error {
	m, closeDB, err := newMigrate(databaseURL, dir)
	if err != nil {
		return err
	}
	defer closeDB()
	defer m.Close()

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("No new migrations to apply")
	} else {
		logger.Info("Migrations applied successfully")
	}
	return nil
}

// ResetMigrations drops everything and re-runs migrations (for development).
func ResetMigrations(databaseURL, dir string) error {
	logger.Warn("Resetting database - this will drop all data!")

	m, closeDB, err := newMigrate(databaseURL, dir)
	if err != nil {
		return err
	}
	defer closeDB()
	defer m.Close()

	if err := m.Drop(); err != nil {
		return fmt.Errorf("failed to drop database: %w", err)
	}
	logger.Info("Database dropped successfully")

	// Drop removes the version table too, so a fresh instance is needed.
	m2, closeDB2, err := newMigrate(databaseURL, dir)
	if err != nil {
		return err
	}
	defer closeDB2()
	defer m2.Close()

	if err := m2.Up(); err != nil {
		return fmt.Errorf("failed to run migrations after reset: %w", err)
	}

	logger.Info("Database reset and migrations applied successfully")
	return nil
}

func newMigrate(databaseURL, dir string) (*migrate.Migrate, func(), error) {
	sourceURL, err := migrationsURL(dir)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Running migrations", zap.String("path", sourceURL))

	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	db := stdlib.OpenDB(*connConfig)

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, func() { db.Close() }, nil
}

// migrationsURL turns a directory into a file:// source URL on every OS.
func migrationsURL(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get migrations path: %w", err)
	}
	if runtime.GOOS == "windows" {
		u := &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
		return u.String(), nil
	}
	return "file://" + abs, nil
}

func (s *PostgresStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) FindConversationIDs(ctx context.Context, q docstore.Query) ([]string, error) {
	query, args := buildFindQuery(q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// buildFindQuery renders q into SQL with positional arguments.
func buildFindQuery(q docstore.Query) (string, []any) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, fmt.Sprintf("%s = ANY(%s::text[])", statusExpr, arg(statuses)))
	}
	if len(q.IDs) > 0 {
		where = append(where, fmt.Sprintf("id = ANY(%s::text[])", arg(q.IDs)))
	}
	if q.UserName != "" {
		where = append(where, fmt.Sprintf("doc->>'user_name' = %s", arg(q.UserName)))
	}
	if !q.UpdatedBefore.IsZero() {
		where = append(where, fmt.Sprintf("updated_at < %s", arg(q.UpdatedBefore)))
	}
	switch {
	case q.MessageStatus != nil && *q.MessageStatus == model.MessageAbsent:
		where = append(where, fmt.Sprintf("jsonb_path_exists(doc, %s::text::jsonpath)", arg(pathAudioAbsent)))
	case q.MessageStatus != nil:
		where = append(where, fmt.Sprintf("jsonb_path_exists(doc, %s::text::jsonpath, jsonb_build_object('status', %s::text))",
			arg(pathAudioStatus), arg(string(*q.MessageStatus))))
	case q.RequireAudio:
		where = append(where, fmt.Sprintf("jsonb_path_exists(doc, %s::text::jsonpath)", arg(pathAudio)))
	}

	var sb strings.Builder
	sb.WriteString("SELECT id FROM diarios")
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY updated_at ASC, id ASC")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT " + arg(q.Limit))
	}
	return sb.String(), args
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM diarios WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var conv model.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	conv.ID = id
	return &conv, nil
}

// PutConversation upserts a whole document.
func (s *PostgresStore) PutConversation(ctx context.Context, conv *model.Conversation) error {
	updated := s.now().UTC()
	if conv.UpdatedAt != nil {
		updated = conv.UpdatedAt.UTC()
	}
	doc, err := toDocument(conv)
	if err != nil {
		return err
	}
	doc[docstore.FieldUpdatedAt] = updated.Format(time.RFC3339Nano)
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.ID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO diarios (id, doc, updated_at) VALUES ($1, $2::jsonb, $3)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		conv.ID, raw, updated)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, id string, set docstore.Fields) error {
	updated := s.now().UTC()
	if t, ok := set[docstore.FieldUpdatedAt].(time.Time); ok {
		updated = t.UTC()
	}
	patch := make(docstore.Fields, len(set)+1)
	for k, v := range set {
		patch[k] = v
	}
	patch[docstore.FieldUpdatedAt] = updated

	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode conversation patch: %w", err)
	}

	result, err := s.pool.Exec(ctx,
		`UPDATE diarios SET doc = doc || $2::jsonb, updated_at = $3 WHERE id = $1`,
		id, raw, updated)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, conversationID, messageID string, patch docstore.MessagePatch) error {
	set := patch.Set
	if set == nil {
		set = docstore.Fields{}
	}
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode message patch: %w", err)
	}
	unset := patch.Unset
	if unset == nil {
		unset = []string{}
	}

	guard, status := pathMessage, ""
	if patch.Expect != nil {
		status = string(*patch.Expect)
		guard = pathMessageStatus
		if *patch.Expect == model.MessageAbsent {
			guard = pathMessageAbsent
		}
	}

	updated := s.now().UTC()
	result, err := s.pool.Exec(ctx, `
		UPDATE diarios
		SET doc = voxpipe_patch_message(doc, $2, $3::jsonb, $4::text[])
		          || jsonb_build_object('updated_at', $5::text),
		    updated_at = $6
		WHERE id = $1
		  AND jsonb_path_exists(doc, $7::text::jsonpath, jsonb_build_object('id', $2::text, 'status', $8::text))`,
		conversationID, messageID, raw, unset, updated.Format(time.RFC3339Nano), updated, guard, status)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT jsonb_path_exists(doc, $2::text::jsonpath, jsonb_build_object('id', $3::text)) FROM diarios WHERE id = $1`,
		conversationID, pathMessage, messageID).Scan(&exists)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	case err != nil:
		return fmt.Errorf("failed to check message: %w", err)
	case !exists:
		return fmt.Errorf("message %s/%s: %w", conversationID, messageID, model.ErrNotFound)
	default:
		return fmt.Errorf("message %s/%s: %w", conversationID, messageID, docstore.ErrConflict)
	}
}

func (s *PostgresStore) Stats(ctx context.Context) (docstore.Stats, error) {
	st := docstore.Stats{ByStatus: make(map[model.ConversationStatus]int)}
	rows, err := s.pool.Query(ctx, `
		SELECT `+statusExpr+` AS status,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE jsonb_path_exists(doc, $1::text::jsonpath))
		FROM diarios
		GROUP BY 1`, pathAudio)
	if err != nil {
		return st, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var total, withAudio int
		if err := rows.Scan(&status, &total, &withAudio); err != nil {
			return st, fmt.Errorf("failed to scan stats: %w", err)
		}
		st.ByStatus[model.ConversationStatus(status)] += total
		st.Total += total
		st.WithAudio += withAudio
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("failed to iterate stats: %w", err)
	}
	return st, nil
}
