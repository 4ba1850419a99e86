package push

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventMarshalFlattensPayload(t *testing.T) {
	t.Parallel()

	ev := Event{
		Type:      TypeAgentResponse,
		SessionID: "s1",
		Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Payload: map[string]any{
			"message":            "hello",
			"conversation_state": "clarifying",
			"type":               "ignored",
		},
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "agent_response", got["type"])
	assert.Equal(t, "s1", got["session_id"])
	assert.Equal(t, "2024-05-01T10:00:00Z", got["timestamp"])
	assert.Equal(t, "hello", got["message"])
	assert.Equal(t, "clarifying", got["conversation_state"])
}

func TestTeeDeliversToAllAndJoinsErrors(t *testing.T) {
	t.Parallel()

	var seen []string
	ok := PublisherFunc(func(_ context.Context, ev Event) error {
		seen = append(seen, "ok:"+ev.Type)
		return nil
	})
	boom := errors.New("not connected")
	bad := PublisherFunc(func(_ context.Context, ev Event) error {
		seen = append(seen, "bad:"+ev.Type)
		return boom
	})

	err := Tee(bad, nil, ok).Publish(context.Background(), New(TypePong, "s1", nil))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"bad:pong", "ok:pong"}, seen)
}
