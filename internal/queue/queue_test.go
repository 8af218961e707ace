package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProcessRequest(t *testing.T) {
	req, err := ParseProcessRequest([]byte(`{"conversation_id": "65f0c0ffee", "request_id": "r1"}`))
	require.NoError(t, err)
	assert.Equal(t, "65f0c0ffee", req.ConversationID)
	assert.Equal(t, "r1", req.RequestID)

	req, err = ParseProcessRequest([]byte(" 65f0c0ffee\n"))
	require.NoError(t, err)
	assert.Equal(t, "65f0c0ffee", req.ConversationID)

	req, err = ParseProcessRequest([]byte(`"abc"`))
	require.NoError(t, err)
	assert.Equal(t, "abc", req.ConversationID)

	for _, body := range []string{"", "{}", "{not json"} {
		_, err := ParseProcessRequest([]byte(body))
		assert.ErrorIs(t, err, ErrReject, body)
	}
}

func TestConversationEvent_JSON(t *testing.T) {
	ev := ConversationEvent{
		EventID:           "e1",
		Type:              EventConversationFailed,
		ConversationID:    "c1",
		Status:            "error",
		TotalAudios:       2,
		TranscribedAudios: 1,
		FailedAudios:      1,
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "conversation.failed", fields["type"])
	assert.Equal(t, float64(0), fields["pending_audios"])
}

func TestRabbitMQ_RequestRoundTrip(t *testing.T) {
	url := os.Getenv("VOXPIPE_TEST_RABBITMQ_URL")
	if testing.Short() || url == "" {
		t.Skip("Skipping integration test: VOXPIPE_TEST_RABBITMQ_URL not set")
	}

	mq, err := NewRabbitMQ(url)
	require.NoError(t, err)
	defer mq.Close()

	id := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, mq.PublishRequest(ctx, &ProcessRequest{ConversationID: id}))

	got := make(chan string, 1)
	go func() {
		_ = mq.Consume(ctx, QueueTranscriptionRequests, func(_ context.Context, body []byte) error {
			req, err := ParseProcessRequest(body)
			if err != nil {
				return err
			}
			if req.ConversationID == id {
				got <- req.ConversationID
			}
			return nil
		})
	}()

	select {
	case v := <-got:
		assert.Equal(t, id, v)
		cancel()
	case <-ctx.Done():
		t.Fatal("request not consumed")
	}
}
