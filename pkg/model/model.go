package model

import (
	"path"
	"strings"
	"time"
)

// ConversationStatus is the rollup status of a diary.
type ConversationStatus string

const (
	ConversationPending    ConversationStatus = "pending"
	ConversationProcessing ConversationStatus = "processing"
	ConversationCompleted  ConversationStatus = "completed"
	ConversationError      ConversationStatus = "error"
)

// MessageStatus is the per-message position in the pipeline.
type MessageStatus string

const (
	MessageAbsent      MessageStatus = ""
	MessageProcessing  MessageStatus = "processing"
	MessageDownloaded  MessageStatus = "downloaded"
	MessageTranscribed MessageStatus = "transcribed"
	MessageSynced      MessageStatus = "synced"
	MessageError       MessageStatus = "error"
)

// MediaTypeAudio is the only media_type the pipeline acts on.
const MediaTypeAudio = "audio"

// Conversation is one day's message log for one user.
type Conversation struct {
	ID       string    `json:"id" bson:"-"`
	UserName string    `json:"user_name,omitempty" bson:"user_name,omitempty"`
	Date     string    `json:"date_formatted,omitempty" bson:"date_formatted,omitempty"`
	Contacts []Contact `json:"contacts" bson:"contacts"`

	TotalAudios       int                `json:"total_audios" bson:"total_audios"`
	TranscribedAudios int                `json:"transcribed_audios" bson:"transcribed_audios"`
	PendingAudios     int                `json:"pending_audios" bson:"pending_audios"`
	FailedAudios      int                `json:"failed_audios" bson:"failed_audios"`
	Status            ConversationStatus `json:"transcription_status,omitempty" bson:"transcription_status,omitempty"`
	CompletedAt       *time.Time         `json:"transcription_completed_at,omitempty" bson:"transcription_completed_at,omitempty"`
	UpdatedAt         *time.Time         `json:"updated_at,omitempty" bson:"updated_at,omitempty"`
}

// Contact is a thread with one counterparty.
type Contact struct {
	Name     string    `json:"contact_name,omitempty" bson:"contact_name,omitempty"`
	Phone    string    `json:"contact_phone,omitempty" bson:"contact_phone,omitempty"`
	Messages []Message `json:"messages" bson:"messages"`
}

// Message is a single communication unit. IsAudioFlag mirrors the source's
// is_audio field, which is unreliable and never consulted.
type Message struct {
	ID             string `json:"id" bson:"_id"`
	Body           string `json:"body,omitempty" bson:"body,omitempty"`
	MediaType      string `json:"media_type,omitempty" bson:"media_type,omitempty"`
	IsAudioFlag    bool   `json:"is_audio,omitempty" bson:"is_audio,omitempty"`
	DirectMediaURL string `json:"direct_media_url,omitempty" bson:"direct_media_url,omitempty"`
	DownloadURL    string `json:"download_url,omitempty" bson:"download_url,omitempty"`
	MediaURL       string `json:"media_url,omitempty" bson:"media_url,omitempty"`

	Status             MessageStatus `json:"transcription_status,omitempty" bson:"transcription_status,omitempty"`
	StatusUpdatedAt    *time.Time    `json:"status_updated_at,omitempty" bson:"status_updated_at,omitempty"`
	DownloadAttempts   int           `json:"download_attempts,omitempty" bson:"download_attempts,omitempty"`
	TranscribeAttempts int           `json:"transcribe_attempts,omitempty" bson:"transcribe_attempts,omitempty"`
	ErrorReason        string        `json:"error_reason,omitempty" bson:"error_reason,omitempty"`
	ErrorDetail        string        `json:"error_detail,omitempty" bson:"error_detail,omitempty"`
	Text               string        `json:"audio_transcription,omitempty" bson:"audio_transcription,omitempty"`
	Transcript         *Transcript   `json:"transcription,omitempty" bson:"transcription,omitempty"`
	TranscribedAt      *time.Time    `json:"transcribed_at,omitempty" bson:"transcribed_at,omitempty"`
}

// IsAudio reports whether the message is audio-eligible. Only media_type counts.
func (m *Message) IsAudio() bool {
	return m.MediaType == MediaTypeAudio
}

// IsTerminal returns true once the message needs no further pipeline work.
func (m *Message) IsTerminal() bool {
	return m.Status == MessageSynced || m.Status == MessageError
}

// CandidateURLs returns the source URLs in priority order, without blanks or duplicates.
func (m *Message) CandidateURLs() []string {
	var urls []string
	seen := make(map[string]bool, 3)
	for _, u := range []string{m.DirectMediaURL, m.DownloadURL, m.MediaURL} {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

var audioExtensions = []string{".mp3", ".wav", ".ogg", ".m4a", ".oga", ".opus"}

// DefaultAudioExtension is used when no candidate URL names a known format.
const DefaultAudioExtension = ".oga"

// AudioExtension derives the local file extension from the candidate URLs.
// The result depends only on the message, so re-runs map to the same file.
func (m *Message) AudioExtension() string {
	for _, u := range m.CandidateURLs() {
		if i := strings.IndexAny(u, "?#"); i >= 0 {
			u = u[:i]
		}
		ext := strings.ToLower(path.Ext(u))
		for _, known := range audioExtensions {
			if ext == known {
				return ext
			}
		}
	}
	return DefaultAudioExtension
}

// MessageRef locates an audio message inside its conversation.
type MessageRef struct {
	ConversationID string
	ContactName    string
	Message        *Message
}

// AudioMessages returns every audio-eligible message in document order.
func (c *Conversation) AudioMessages() []MessageRef {
	var refs []MessageRef
	for ci := range c.Contacts {
		contact := &c.Contacts[ci]
		for mi := range contact.Messages {
			msg := &contact.Messages[mi]
			if !msg.IsAudio() {
				continue
			}
			refs = append(refs, MessageRef{
				ConversationID: c.ID,
				ContactName:    contact.Name,
				Message:        msg,
			})
		}
	}
	return refs
}

// FindMessage returns the message with the given id.
func (c *Conversation) FindMessage(id string) (*Message, bool) {
	for ci := range c.Contacts {
		for mi := range c.Contacts[ci].Messages {
			if c.Contacts[ci].Messages[mi].ID == id {
				return &c.Contacts[ci].Messages[mi], true
			}
		}
	}
	return nil, false
}
