// Package artifact maps (conversation, message) pairs onto local audio and
// transcript files. Every write lands in a temp file that is renamed into
// place, so a file at its final path is always complete.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxpipe/pkg/model"

	"github.com/gofrs/flock"
)

const (
	transcriptSuffix = ".transcript.json"
	partialSuffix    = ".part"
	lockName         = ".voxpipe.lock"
)

var (
	ErrEmptyArtifact = errors.New("artifact is empty")
	ErrLocked        = errors.New("artifact root is locked by another process")
)

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("artifact root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

// Lock takes the exclusive process lock on the artifact root.
func (s *Store) Lock() (*flock.Flock, error) {
	lock := flock.New(filepath.Join(s.root, lockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire artifact lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return lock, nil
}

func (s *Store) ConversationDir(conversationID string) string {
	return filepath.Join(s.root, safeName(conversationID))
}

// AudioPath is the deterministic audio location for a message.
func (s *Store) AudioPath(conversationID string, msg *model.Message) string {
	return filepath.Join(s.ConversationDir(conversationID), safeName(msg.ID)+msg.AudioExtension())
}

func (s *Store) TranscriptPath(conversationID, messageID string) string {
	return filepath.Join(s.ConversationDir(conversationID), safeName(messageID)+transcriptSuffix)
}

// HasAudio reports whether a complete, non-empty audio file exists.
func (s *Store) HasAudio(conversationID string, msg *model.Message) bool {
	info, err := os.Stat(s.AudioPath(conversationID, msg))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// WriteAudio streams r into the message's audio path.
func (s *Store) WriteAudio(conversationID string, msg *model.Message, r io.Reader) (int64, error) {
	return s.writeAtomic(s.AudioPath(conversationID, msg), func(w io.Writer) (int64, error) {
		return io.Copy(w, r)
	})
}

func (s *Store) WriteTranscript(conversationID, messageID string, t *model.Transcript) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	data = append(data, '\n')
	_, err = s.writeAtomic(s.TranscriptPath(conversationID, messageID), func(w io.Writer) (int64, error) {
		n, err := w.Write(data)
		return int64(n), err
	})
	return err
}

// ReadTranscript loads a transcript file. A missing file yields fs.ErrNotExist.
func (s *Store) ReadTranscript(conversationID, messageID string) (*model.Transcript, error) {
	data, err := os.ReadFile(s.TranscriptPath(conversationID, messageID))
	if err != nil {
		return nil, err
	}
	var t model.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedTranscript, err)
	}
	return &t, nil
}

func (s *Store) writeAtomic(dst string, fill func(io.Writer) (int64, error)) (int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create conversation dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+"-*"+partialSuffix)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := fill(tmp)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, ErrEmptyArtifact
	}
	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return n, fmt.Errorf("rename into place: %w", err)
	}
	committed = true
	return n, nil
}

// RemoveMessage deletes both artifacts of a message.
func (s *Store) RemoveMessage(conversationID string, msg *model.Message) error {
	var errs []error
	for _, p := range []string{s.AudioPath(conversationID, msg), s.TranscriptPath(conversationID, msg.ID)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) RemoveConversation(conversationID string) error {
	return os.RemoveAll(s.ConversationDir(conversationID))
}

// SweepPartials removes temp files left behind by interrupted writes.
func (s *Store) SweepPartials(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), partialSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

type Stats struct {
	Conversations int
	AudioFiles    int
	Transcripts   int
	Bytes         int64
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p != s.root {
				st.Conversations++
			}
			return nil
		}
		if name == lockName || strings.HasSuffix(name, partialSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		st.Bytes += info.Size()
		if strings.HasSuffix(name, transcriptSuffix) {
			st.Transcripts++
		} else {
			st.AudioFiles++
		}
		return nil
	})
	return st, err
}

// safeName keeps identifiers usable as single path elements. An identifier
// that had to be rewritten gets a digest of the raw value appended after a
// '~', which never survives the mapping, so distinct ids never share a name.
func safeName(id string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
	if mapped == "" || strings.HasPrefix(mapped, ".") {
		mapped = "_" + mapped
	}
	if mapped == id {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return mapped + "~" + hex.EncodeToString(sum[:4])
}
