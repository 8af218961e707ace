package model

import (
	"errors"
	"fmt"
	"time"
)

// SegmentEpsilon is the tolerance allowed between the last segment end and the duration.
const SegmentEpsilon = 0.05

// Segment is a timed piece of a transcript. Times are seconds.
type Segment struct {
	Start      float64 `json:"start" bson:"start"`
	End        float64 `json:"end" bson:"end"`
	Text       string  `json:"text" bson:"text"`
	AvgLogprob float64 `json:"avg_logprob,omitempty" bson:"avg_logprob,omitempty"`
}

// Transcript is the persisted speech-to-text result for one audio file.
type Transcript struct {
	Text          string    `json:"text" bson:"text"`
	Segments      []Segment `json:"segments" bson:"segments"`
	Language      string    `json:"language" bson:"language"`
	Duration      float64   `json:"duration" bson:"duration"`
	Confidence    float64   `json:"confidence,omitempty" bson:"confidence,omitempty"`
	Model         string    `json:"model,omitempty" bson:"model,omitempty"`
	TranscribedAt time.Time `json:"transcribed_at" bson:"transcribed_at"`
	SourcePath    string    `json:"source_path" bson:"source_path"`
}

var ErrMalformedTranscript = errors.New("malformed transcript")

// Validate checks the fixed transcript schema. Overlapping segments are
// allowed; end times must not decrease and must fit in the duration.
func (t *Transcript) Validate() error {
	if t.Language == "" {
		return fmt.Errorf("%w: missing language", ErrMalformedTranscript)
	}
	if t.Duration < 0 {
		return fmt.Errorf("%w: negative duration %.3f", ErrMalformedTranscript, t.Duration)
	}
	if t.Segments == nil {
		return fmt.Errorf("%w: missing segments", ErrMalformedTranscript)
	}
	prevEnd := 0.0
	for i, s := range t.Segments {
		if s.Start < 0 || s.End < s.Start {
			return fmt.Errorf("%w: segment %d has start=%.3f end=%.3f", ErrMalformedTranscript, i, s.Start, s.End)
		}
		if s.End < prevEnd {
			return fmt.Errorf("%w: segment %d ends before segment %d", ErrMalformedTranscript, i, i-1)
		}
		prevEnd = s.End
	}
	if prevEnd > t.Duration+SegmentEpsilon {
		return fmt.Errorf("%w: last segment ends at %.3f past duration %.3f", ErrMalformedTranscript, prevEnd, t.Duration)
	}
	return nil
}

// AverageConfidence maps segment avg_logprob values onto 0..1.
func AverageConfidence(segments []Segment) float64 {
	var sum float64
	var n int
	for _, s := range segments {
		if s.AvgLogprob == 0 {
			continue
		}
		c := s.AvgLogprob + 1.0
		if c < 0 {
			c = 0
		}
		if c > 1 {
			c = 1
		}
		sum += c
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
