package artifact

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"voxpipe/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_LayoutIsDeterministic(t *testing.T) {
	s := newStore(t)
	msg := &model.Message{ID: "msg/1", MediaURL: "https://cdn/x.mp3"}

	audio := s.AudioPath("conv:1", msg)
	assert.Equal(t, filepath.Join(s.Root(), "conv_1~95914ac7", "msg_1~588a29c4.mp3"), audio)
	assert.Equal(t, audio, s.AudioPath("conv:1", msg))
	assert.Equal(t, filepath.Join(s.Root(), "conv_1~95914ac7", "msg_1~588a29c4.transcript.json"), s.TranscriptPath("conv:1", "msg/1"))
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "abc-1_2.x", safeName("abc-1_2.x"))
	assert.Equal(t, "_..~5ec1f7e7", safeName(".."))
	assert.Equal(t, "_~e3b0c442", safeName(""))
	assert.Equal(t, "a_b~c14cddc0", safeName("a/b"))
}

func TestSafeName_DistinctIDsNeverCollide(t *testing.T) {
	ids := []string{"a/b", "a_b", "a:b", "a b", "", "_", "..", "_..", "a_b~c14cddc0"}
	seen := make(map[string]string)
	for _, id := range ids {
		name := safeName(id)
		prev, dup := seen[name]
		assert.False(t, dup, "%q and %q share %q", prev, id, name)
		seen[name] = id
	}
}

func TestStore_WriteAudio(t *testing.T) {
	s := newStore(t)
	msg := &model.Message{ID: "m1"}

	assert.False(t, s.HasAudio("c1", msg))

	n, err := s.WriteAudio("c1", msg, strings.NewReader("OggS-data"))
	require.NoError(t, err)
	assert.EqualValues(t, 9, n)
	assert.True(t, s.HasAudio("c1", msg))

	// overwrite is allowed
	_, err = s.WriteAudio("c1", msg, strings.NewReader("new"))
	require.NoError(t, err)
	data, err := os.ReadFile(s.AudioPath("c1", msg))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestStore_WriteAudioEmptyLeavesNothing(t *testing.T) {
	s := newStore(t)
	msg := &model.Message{ID: "m1"}

	_, err := s.WriteAudio("c1", msg, strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyArtifact)
	assert.False(t, s.HasAudio("c1", msg))
	assertNoPartials(t, s)
}

type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	return 0, io.ErrUnexpectedEOF
}

func TestStore_WriteAudioInterruptedNeverPublishes(t *testing.T) {
	s := newStore(t)
	msg := &model.Message{ID: "m1"}

	_, err := s.WriteAudio("c1", msg, &failingReader{})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, s.HasAudio("c1", msg))
	assertNoPartials(t, s)
}

func TestStore_TranscriptRoundTrip(t *testing.T) {
	s := newStore(t)
	_, err := s.ReadTranscript("c1", "m1")
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	tr := &model.Transcript{
		Text:          "olá",
		Segments:      []model.Segment{{Start: 0, End: 1.2, Text: "olá"}},
		Language:      "pt",
		Duration:      1.3,
		TranscribedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		SourcePath:    "/tmp/a.oga",
	}
	require.NoError(t, s.WriteTranscript("c1", "m1", tr))

	got, err := s.ReadTranscript("c1", "m1")
	require.NoError(t, err)
	assert.Equal(t, tr, got)

	first, _ := os.ReadFile(s.TranscriptPath("c1", "m1"))
	require.NoError(t, s.WriteTranscript("c1", "m1", tr))
	second, _ := os.ReadFile(s.TranscriptPath("c1", "m1"))
	assert.Equal(t, first, second)
}

func TestStore_ReadTranscriptMalformed(t *testing.T) {
	s := newStore(t)
	p := s.TranscriptPath("c1", "m1")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("{not json"), 0o644))

	_, err := s.ReadTranscript("c1", "m1")
	assert.ErrorIs(t, err, model.ErrMalformedTranscript)
}

func TestStore_RemoveAndStats(t *testing.T) {
	s := newStore(t)
	m1 := &model.Message{ID: "m1"}
	m2 := &model.Message{ID: "m2"}
	_, err := s.WriteAudio("c1", m1, strings.NewReader("aaaa"))
	require.NoError(t, err)
	_, err = s.WriteAudio("c2", m2, strings.NewReader("bb"))
	require.NoError(t, err)
	require.NoError(t, s.WriteTranscript("c1", "m1", &model.Transcript{Language: "pt", Segments: []model.Segment{}}))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Conversations)
	assert.Equal(t, 2, st.AudioFiles)
	assert.Equal(t, 1, st.Transcripts)

	require.NoError(t, s.RemoveMessage("c1", m1))
	require.NoError(t, s.RemoveMessage("c1", m1))
	assert.False(t, s.HasAudio("c1", m1))

	require.NoError(t, s.RemoveConversation("c2"))
	_, err = os.Stat(s.ConversationDir("c2"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_SweepPartials(t *testing.T) {
	s := newStore(t)
	dir := s.ConversationDir("c1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	old := filepath.Join(dir, ".m1.oga-123.part")
	fresh := filepath.Join(dir, ".m2.oga-456.part")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	n, err := s.SweepPartials(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

func TestStore_LockIsExclusive(t *testing.T) {
	s := newStore(t)
	lock, err := s.Lock()
	require.NoError(t, err)
	defer lock.Unlock()

	other := &Store{root: s.Root()}
	_, err = other.Lock()
	assert.ErrorIs(t, err, ErrLocked)
}

func assertNoPartials(t *testing.T, s *Store) {
	t.Helper()
	_ = filepath.WalkDir(s.Root(), func(p string, d fs.DirEntry, err error) error {
		if err == nil && strings.HasSuffix(p, partialSuffix) {
			t.Errorf("partial file left behind: %s", p)
		}
		return nil
	})
}
