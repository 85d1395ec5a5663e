package mongostore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilientmq/resilientmq/event"
)

func TestToDocToMessageRoundTrip(t *testing.T) {
	ts := time.Now().Truncate(time.Millisecond).UTC()
	msg := &event.Message{
		MessageID:  "m-1",
		Type:       "order.created",
		Payload:    json.RawMessage(`{"id":42,"name":"widget"}`),
		RoutingKey: "order.created",
		Status:     event.StatusPending,
		Properties: event.Properties{
			ContentType:   "application/json",
			CorrelationID: "corr-1",
			Timestamp:     ts,
			Headers:       map[string]interface{}{"x-event-type": "order.created"},
		},
	}

	d, err := toDoc(msg)
	require.NoError(t, err)
	assert.Equal(t, "m-1", d.MessageID)
	assert.Equal(t, ts.UnixNano(), d.Timestamp)

	back, err := d.toMessage()
	require.NoError(t, err)
	assert.Equal(t, msg.MessageID, back.MessageID)
	assert.Equal(t, msg.Type, back.Type)
	assert.Equal(t, msg.Status, back.Status)
	assert.JSONEq(t, `{"id":42,"name":"widget"}`, string(back.Payload))
	assert.True(t, ts.Equal(back.Properties.Timestamp))
}

func TestToDocHandlesEmptyPayload(t *testing.T) {
	msg := &event.Message{MessageID: "m-2", Type: "order.created"}
	d, err := toDoc(msg)
	require.NoError(t, err)
	assert.Empty(t, d.Payload)

	back, err := d.toMessage()
	require.NoError(t, err)
	assert.Empty(t, back.Payload)
}

func TestUnixNanoToTimeZeroIsZeroTime(t *testing.T) {
	assert.True(t, unixNanoToTime(0).IsZero())
}
