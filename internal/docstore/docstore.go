// Package docstore defines the document store boundary the status tracker
// works against: status queries plus field-level updates on one conversation
// document or one message nested inside it.
package docstore

import (
	"context"
	"errors"
	"time"

	"voxpipe/pkg/model"
)

// Message and conversation field names shared by every store implementation.
const (
	FieldStatus             = "transcription_status"
	FieldStatusUpdatedAt    = "status_updated_at"
	FieldDownloadAttempts   = "download_attempts"
	FieldTranscribeAttempts = "transcribe_attempts"
	FieldErrorReason        = "error_reason"
	FieldErrorDetail        = "error_detail"
	FieldText               = "audio_transcription"
	FieldTranscript         = "transcription"
	FieldTranscribedAt      = "transcribed_at"

	FieldTotalAudios       = "total_audios"
	FieldTranscribedAudios = "transcribed_audios"
	FieldPendingAudios     = "pending_audios"
	FieldFailedAudios      = "failed_audios"
	FieldUpdatedAt         = "updated_at"
	FieldCompletedAt       = "transcription_completed_at"
)

// ErrConflict is returned when a guarded message update finds another status.
var ErrConflict = errors.New("message status changed concurrently")

// Fields maps field names to new values.
type Fields map[string]any

// Query selects conversations. Zero-valued filters match everything.
type Query struct {
	// Statuses matches transcription_status; ConversationPending also
	// matches documents that never had a status.
	Statuses []model.ConversationStatus
	// MessageStatus matches conversations holding at least one audio
	// message in that status.
	MessageStatus *model.MessageStatus
	// RequireAudio keeps only conversations with an audio message.
	RequireAudio bool
	IDs          []string
	UserName     string
	// UpdatedBefore keeps conversations last updated before this instant.
	UpdatedBefore time.Time
	Limit         int
}

// MessagePatch is a field-level update of one nested message.
type MessagePatch struct {
	Set   Fields
	Unset []string
	// Expect guards the update: it only applies while the message is in
	// this status, otherwise ErrConflict.
	Expect *model.MessageStatus
}

// Stats summarizes the collection.
type Stats struct {
	Total     int
	WithAudio int
	ByStatus  map[model.ConversationStatus]int
}

// Store is implemented by the MongoDB, PostgreSQL and in-memory stores.
// Conversation IDs come back ordered by updated_at ascending, then id.
type Store interface {
	FindConversationIDs(ctx context.Context, q Query) ([]string, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, id string, set Fields) error
	UpdateMessage(ctx context.Context, conversationID, messageID string, patch MessagePatch) error
	Stats(ctx context.Context) (Stats, error)
	Close(ctx context.Context) error
}

// StatusPtr is a convenience for building Query and MessagePatch values.
func StatusPtr(s model.MessageStatus) *model.MessageStatus { return &s }

// MatchesStatus reports whether a conversation status satisfies the query set.
func (q Query) MatchesStatus(s model.ConversationStatus) bool {
	if len(q.Statuses) == 0 {
		return true
	}
	for _, want := range q.Statuses {
		if s == want || (want == model.ConversationPending && s == "") {
			return true
		}
	}
	return false
}

// Importer is implemented by stores that accept whole conversation documents.
type Importer interface {
	PutConversation(ctx context.Context, conv *model.Conversation) error
}
