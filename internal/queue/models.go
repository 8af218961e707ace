package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event types published on the exchange.
const (
	EventConversationCompleted = "conversation.completed"
	EventConversationFailed    = "conversation.failed"
)

// ErrReject marks a delivery that must be dropped instead of requeued.
var ErrReject = errors.New("reject message")

// ProcessRequest asks a consumer to run the pipeline on one conversation
type ProcessRequest struct {
	RequestID      string    `json:"request_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	RequestedAt    time.Time `json:"requested_at,omitempty"`
}

// ConversationEvent announces a conversation reaching a terminal rollup
type ConversationEvent struct {
	EventID           string    `json:"event_id"`
	Type              string    `json:"type"`
	RunID             string    `json:"run_id,omitempty"`
	ConversationID    string    `json:"conversation_id"`
	UserName          string    `json:"user_name,omitempty"`
	Status            string    `json:"status"`
	TotalAudios       int       `json:"total_audios"`
	TranscribedAudios int       `json:"transcribed_audios"`
	PendingAudios     int       `json:"pending_audios"`
	FailedAudios      int       `json:"failed_audios"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// ParseProcessRequest accepts a JSON request or a bare conversation id.
func ParseProcessRequest(body []byte) (*ProcessRequest, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty body", ErrReject)
	}
	if !strings.HasPrefix(trimmed, "{") {
		return &ProcessRequest{ConversationID: strings.Trim(trimmed, `"`)}, nil
	}

	var req ProcessRequest
	if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReject, err)
	}
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrReject)
	}
	return &req, nil
}
