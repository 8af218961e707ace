// Package engine talks to a Whisper-compatible speech-to-text server.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxpipe/pkg/logger"
	"voxpipe/pkg/model"

	"go.uber.org/zap"
)

const TranscriptionsPath = "/v1/audio/transcriptions"

// StatusError is a non-2xx answer from the engine.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine returned status=%d: %s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	now     func() time.Time
}

// NewClient creates a client. Deadlines come from the caller's context.
func NewClient(baseURL, apiKey, modelName string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   modelName,
		client:  &http.Client{},
		now:     time.Now,
	}
}

func (c *Client) Model() string { return c.model }

// Transcribe uploads one audio file and converts the verbose response into a
// transcript. An empty language falls back to the hint.
func (c *Client) Transcribe(ctx context.Context, audioPath, languageHint string) (*model.Transcript, error) {
	body, contentType, err := c.buildForm(audioPath, languageHint)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+TranscriptionsPath, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	logger.Debug("Starting speech recognition",
		zap.String("path", audioPath),
		zap.String("model", c.model))

	start := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(respBody)}
	}

	var vr VerboseResponse
	if err := json.Unmarshal(respBody, &vr); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedTranscript, err)
	}

	t := c.toTranscript(&vr, audioPath, languageHint)
	logger.Info("Recognition completed",
		zap.String("path", audioPath),
		zap.Int("segments", len(t.Segments)),
		zap.Float64("duration", t.Duration),
		zap.Duration("elapsed", c.now().Sub(start)))
	return t, nil
}

func (c *Client) buildForm(audioPath, language string) (io.Reader, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open audio: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("failed to copy audio: %w", err)
	}

	fields := [][2]string{
		{"model", c.model},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "segment"},
	}
	if language != "" {
		fields = append(fields, [2]string{"language", language})
	}
	for _, kv := range fields {
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", kv[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func (c *Client) toTranscript(vr *VerboseResponse, audioPath, languageHint string) *model.Transcript {
	segments := make([]model.Segment, 0, len(vr.Segments))
	for _, s := range vr.Segments {
		segments = append(segments, model.Segment{
			Start:      s.Start,
			End:        s.End,
			Text:       strings.TrimSpace(s.Text),
			AvgLogprob: s.AvgLogprob,
		})
	}

	language := vr.Language
	if language == "" {
		language = languageHint
	}

	return &model.Transcript{
		Text:          strings.TrimSpace(vr.Text),
		Segments:      segments,
		Language:      language,
		Duration:      vr.Duration,
		Confidence:    model.AverageConfidence(segments),
		Model:         c.model,
		TranscribedAt: c.now().UTC(),
		SourcePath:    audioPath,
	}
}

func errorMessage(body []byte) string {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

// IsMalformed reports whether err came from an unreadable engine response.
func IsMalformed(err error) bool {
	return errors.Is(err, model.ErrMalformedTranscript)
}
