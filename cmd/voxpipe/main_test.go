package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"voxpipe/internal/engine"
	"voxpipe/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeFixture creates a memory-store config seeded with one conversation
// whose single audio message is served by audioURL.
func writeFixture(t *testing.T, audioURL, engineURL string) string {
	t.Helper()
	dir := t.TempDir()

	seed := fmt.Sprintf(`[{
		"id": "c1",
		"user_name": "ana",
		"contacts": [{"contact_name": "bob", "messages": [
			{"id": "t1", "media_type": "chat", "body": "oi"},
			{"id": "m1", "media_type": "audio", "media_url": %q}
		]}]
	}]`, audioURL)
	seedPath := filepath.Join(dir, "seed.json")
	require.NoError(t, os.WriteFile(seedPath, []byte(seed), 0o644))

	cfg := fmt.Sprintf(`
log:
  level: error
store:
  driver: memory
  uri: %s
artifacts:
  root: %s
download:
  timeout: 5s
  max_attempts: 3
  initial_backoff: 1ms
  max_backoff: 5ms
transcribe:
  engine_url: %s
  language: pt
  timeout: 5s
  max_attempts: 1
pipeline:
  workers: 2
  per_conversation: 2
  stale_after: 30m
metrics:
  addr: ""
`, seedPath, filepath.Join(dir, "artifacts"), engineURL)
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := newRootCommand()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "sweep", "consume", "enqueue", "reset", "status", "export", "cleanup", "migrate", "import", "bot"} {
		assert.Contains(t, names, want)
	}
}

func TestRun_EndToEndWithMemoryStore(t *testing.T) {
	audio := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OggS fake audio"))
	}))
	defer audio.Close()

	eng := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, engine.TranscriptionsPath, r.URL.Path)
		_ = json.NewEncoder(w).Encode(engine.VerboseResponse{
			Language: "pt",
			Duration: 2,
			Text:     " bom dia ",
			Segments: []engine.Segment{{Start: 0, End: 2, Text: "bom dia"}},
		})
	}))
	defer eng.Close()

	cfg := writeFixture(t, audio.URL+"/m1.ogg", eng.URL)

	out, err := execute(t, "--config", cfg, "run")
	require.NoError(t, err)
	lower := strings.ToLower(out)
	assert.Contains(t, lower, "1 completed")
	assert.Contains(t, out, "download")
}

func TestRun_RejectsUnknownStage(t *testing.T) {
	cfg := writeFixture(t, "http://127.0.0.1:1/m1.ogg", "http://127.0.0.1:1")
	_, err := execute(t, "--config", cfg, "run", "--stage", "analyze")
	assert.ErrorContains(t, err, "unknown stage")
}

func TestStatus_MemoryStore(t *testing.T) {
	cfg := writeFixture(t, "http://127.0.0.1:1/m1.ogg", "http://127.0.0.1:1")
	out, err := execute(t, "--config", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "conversations")
	assert.Contains(t, out, "with audio")
}

func TestResetRequiresTarget(t *testing.T) {
	cfg := writeFixture(t, "http://127.0.0.1:1/m1.ogg", "http://127.0.0.1:1")
	_, err := execute(t, "--config", cfg, "reset")
	assert.ErrorContains(t, err, "--all")
}

func TestEnqueueRequiresQueue(t *testing.T) {
	cfg := writeFixture(t, "http://127.0.0.1:1/m1.ogg", "http://127.0.0.1:1")
	_, err := execute(t, "--config", cfg, "enqueue", "c1")
	assert.ErrorContains(t, err, "rabbitmq.url")
}

func TestHandleRequest_RejectsBadBody(t *testing.T) {
	err := handleRequest(context.Background(), nil, []byte("  "))
	assert.ErrorIs(t, err, queue.ErrReject)
}
