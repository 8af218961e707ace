package model

import "fmt"

// Counters are the aggregate audio counters stored on a conversation.
// A terminally failed message is neither transcribed nor pending, so
// Transcribed + Pending + Failed == Total always holds.
type Counters struct {
	Total       int `json:"total_audios"`
	Transcribed int `json:"transcribed_audios"`
	Pending     int `json:"pending_audios"`
	Failed      int `json:"failed_audios"`
}

// ComputeCounters derives the counters from the message statuses.
func ComputeCounters(c *Conversation) Counters {
	var out Counters
	for _, ref := range c.AudioMessages() {
		out.Total++
		switch ref.Message.Status {
		case MessageSynced:
			out.Transcribed++
		case MessageError:
			out.Failed++
		default:
			out.Pending++
		}
	}
	return out
}

// Rollup maps the counters onto a conversation status.
func (c Counters) Rollup() ConversationStatus {
	switch {
	case c.Total == 0 || c.Pending > 0:
		return ConversationPending
	case c.Failed > 0:
		return ConversationError
	default:
		return ConversationCompleted
	}
}

// Check verifies the counter invariant.
func (c Counters) Check() error {
	if c.Transcribed+c.Pending+c.Failed != c.Total {
		return fmt.Errorf("counter drift: transcribed=%d pending=%d failed=%d total=%d",
			c.Transcribed, c.Pending, c.Failed, c.Total)
	}
	return nil
}
