package pipeline

import (
	"fmt"
	"sync"
	"time"

	"voxpipe/internal/metrics"
	"voxpipe/internal/status"
	"voxpipe/pkg/model"

	"go.uber.org/zap"
)

// Stage selects which part of the message state machine a pass drives.
type Stage string

const (
	StageFull       Stage = "full"
	StageDownload   Stage = "download"
	StageTranscribe Stage = "transcribe"
	StageSync       Stage = "sync"
)

// ParseStage validates a stage name; empty means full.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case "", StageFull:
		return StageFull, nil
	case StageDownload, StageTranscribe, StageSync:
		return Stage(s), nil
	}
	return "", &UnknownStageError{Name: s}
}

type UnknownStageError struct {
	Name string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage %q (want full, download, transcribe or sync)", e.Name)
}

func (s Stage) runs(step Stage) bool {
	return s == StageFull || s == step
}

// StageCounts tallies per-message outcomes of one stage.
type StageCounts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Summary aggregates one pass. Safe for concurrent use while the pass runs.
type Summary struct {
	mu sync.Mutex

	RunID         string               `json:"run_id"`
	Stage         Stage                `json:"stage"`
	Conversations int                  `json:"conversations"`
	Completed     int                  `json:"completed"`
	Errored       int                  `json:"errored"`
	Download      StageCounts          `json:"download"`
	Transcribe    StageCounts          `json:"transcribe"`
	Sync          StageCounts          `json:"sync"`
	Reclaimed     status.ReclaimResult `json:"reclaimed"`
	Partials      int                  `json:"partials_removed"`
	Reset         int                  `json:"reset"`
	Duration      time.Duration        `json:"duration"`
}

func newSummary(runID string, stage Stage) *Summary {
	return &Summary{RunID: runID, Stage: stage}
}

func (s *Summary) record(stage Stage, outcome string, took time.Duration) {
	metrics.ObserveStage(string(stage), outcome, took)

	s.mu.Lock()
	defer s.mu.Unlock()

	var c *StageCounts
	switch stage {
	case StageDownload:
		c = &s.Download
	case StageTranscribe:
		c = &s.Transcribe
	case StageSync:
		c = &s.Sync
	default:
		return
	}
	switch outcome {
	case metrics.OutcomeSucceeded:
		c.Succeeded++
	case metrics.OutcomeFailed:
		c.Failed++
	default:
		c.Skipped++
	}
}

func (s *Summary) conversationDone(rollup model.ConversationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Conversations++
	switch rollup {
	case model.ConversationCompleted:
		s.Completed++
	case model.ConversationError:
		s.Errored++
	}
}

// Failed is the number of messages that failed in any stage.
func (s *Summary) Failed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Download.Failed + s.Transcribe.Failed + s.Sync.Failed
}

// Fields renders the summary for structured logs.
func (s *Summary) Fields() []zap.Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []zap.Field{
		zap.String("run_id", s.RunID),
		zap.String("stage", string(s.Stage)),
		zap.Int("conversations", s.Conversations),
		zap.Int("completed", s.Completed),
		zap.Int("errored", s.Errored),
		zap.Any("download", s.Download),
		zap.Any("transcribe", s.Transcribe),
		zap.Any("sync", s.Sync),
		zap.Int("reclaimed_messages", s.Reclaimed.Messages),
		zap.Duration("duration", s.Duration),
	}
}
