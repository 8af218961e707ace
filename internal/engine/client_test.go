package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"voxpipe/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "m1.oga")
	require.NoError(t, os.WriteFile(p, []byte("OggS-fake"), 0o644))
	return p
}

func TestTranscribe_VerboseJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, TranscriptionsPath, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "medium", r.FormValue("model"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		assert.Equal(t, "pt", r.FormValue("language"))

		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		data, _ := io.ReadAll(f)
		assert.Equal(t, "m1.oga", hdr.Filename)
		assert.Equal(t, "OggS-fake", string(data))

		_ = json.NewEncoder(w).Encode(VerboseResponse{
			Language: "pt",
			Duration: 3.2,
			Text:     " olá tudo bem ",
			Segments: []Segment{
				{ID: 0, Start: 0, End: 1.4, Text: " olá", AvgLogprob: -0.2},
				{ID: 1, Start: 1.4, End: 3.1, Text: " tudo bem", AvgLogprob: -0.4},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", "medium")
	c.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	path := writeAudio(t)

	tr, err := c.Transcribe(context.Background(), path, "pt")
	require.NoError(t, err)
	assert.Equal(t, "olá tudo bem", tr.Text)
	assert.Equal(t, "pt", tr.Language)
	assert.Equal(t, 3.2, tr.Duration)
	require.Len(t, tr.Segments, 2)
	assert.Equal(t, "olá", tr.Segments[0].Text)
	assert.InDelta(t, 0.7, tr.Confidence, 1e-9)
	assert.Equal(t, "medium", tr.Model)
	assert.Equal(t, path, tr.SourcePath)
	assert.Equal(t, c.now(), tr.TranscribedAt)
	assert.NoError(t, tr.Validate())
}

func TestTranscribe_EmptySegmentsAndLanguageHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"text": "", "duration": 0.5}`))
	}))
	defer srv.Close()

	tr, err := NewClient(srv.URL, "", "small").Transcribe(context.Background(), writeAudio(t), "pt")
	require.NoError(t, err)
	assert.NotNil(t, tr.Segments)
	assert.Empty(t, tr.Segments)
	assert.Equal(t, "pt", tr.Language)
	assert.NoError(t, tr.Validate())
}

func TestTranscribe_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"message": "model loading", "type": "server_error"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", "small").Transcribe(context.Background(), writeAudio(t), "pt")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "model loading", se.Message)
	assert.False(t, IsMalformed(err))
}

func TestTranscribe_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", "small").Transcribe(context.Background(), writeAudio(t), "pt")
	assert.True(t, IsMalformed(err))
	assert.ErrorIs(t, err, model.ErrMalformedTranscript)
}

func TestTranscribe_MissingFile(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:0", "", "small").Transcribe(context.Background(), "/nope/x.oga", "pt")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTranscribe_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL, "", "small").Transcribe(ctx, writeAudio(t), "pt")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
