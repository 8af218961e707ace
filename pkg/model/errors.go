package model

import (
	"errors"
	"fmt"
)

// Error reasons persisted in error_reason.
const (
	ReasonNoValidSource            = "no_valid_source"
	ReasonDownloadRetriesExhausted = "download_retries_exhausted"
	ReasonEngineFailure            = "engine_failure"
	ReasonMissingArtifact          = "missing_artifact"
)

// IsRetryableReason reports whether an errored message may be reset automatically.
func IsRetryableReason(reason string) bool {
	switch reason {
	case ReasonDownloadRetriesExhausted, ReasonEngineFailure, ReasonMissingArtifact:
		return true
	}
	return false
}

// ErrNotFound is returned when a conversation or message no longer exists.
var ErrNotFound = errors.New("not found")

// TransientNetworkError is a source failure a later attempt may fix.
type TransientNetworkError struct {
	URL string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error for %s: %v", e.URL, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// PermanentSourceError means no candidate can ever succeed.
type PermanentSourceError struct {
	Reason string
	Err    error
}

func (e *PermanentSourceError) Error() string {
	if e.Err == nil {
		return "permanent source error: " + e.Reason
	}
	return fmt.Sprintf("permanent source error (%s): %v", e.Reason, e.Err)
}

func (e *PermanentSourceError) Unwrap() error { return e.Err }

// EngineFailure wraps a speech-to-text failure, including malformed output.
type EngineFailure struct {
	Path string
	Err  error
}

func (e *EngineFailure) Error() string {
	return fmt.Sprintf("engine failure for %s: %v", e.Path, e.Err)
}

func (e *EngineFailure) Unwrap() error { return e.Err }

// StoreConsistencyError reports a vanished document or a rejected update.
type StoreConsistencyError struct {
	ConversationID string
	MessageID      string
	Err            error
}

func (e *StoreConsistencyError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("store consistency error for %s/%s: %v", e.ConversationID, e.MessageID, e.Err)
	}
	return fmt.Sprintf("store consistency error for %s: %v", e.ConversationID, e.Err)
}

func (e *StoreConsistencyError) Unwrap() error { return e.Err }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var ps *PermanentSourceError
	var sc *StoreConsistencyError
	return errors.As(err, &ps) || errors.As(err, &sc)
}
