package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilientmq/resilientmq/broker"
	"github.com/resilientmq/resilientmq/event"
)

// fakeQueue is a minimal broker.MessageQueue double that records Publish
// calls and can be made to fail them.
type fakeQueue struct {
	broker.MessageQueue
	published   []publishedCall
	publishErr  error
}

type publishedCall struct {
	destination string
	msg         *event.Message
	opts        broker.PublishOptions
}

func (f *fakeQueue) Publish(ctx context.Context, destination string, msg *event.Message, opts broker.PublishOptions) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedCall{destination: destination, msg: msg, opts: opts})
	return nil
}

func testMessage() *event.Message {
	return &event.Message{
		MessageID: "m-1",
		Type:      "order.created",
		Payload:   json.RawMessage(`{"id":1}`),
	}
}

func TestPublishNoOpWhenTargetUnconfigured(t *testing.T) {
	q := &fakeQueue{}
	h := New(q, Target{}, nil)
	err := h.Publish(context.Background(), testMessage(), "orders.main", errors.New("boom"), 3)
	require.NoError(t, err)
	assert.Empty(t, q.published)
}

func TestPublishToQueueOnRejection(t *testing.T) {
	q := &fakeQueue{}
	h := New(q, Target{Queue: "orders.dlq"}, nil)

	err := h.Publish(context.Background(), testMessage(), "orders.main", errors.New("handler exploded"), 2)
	require.NoError(t, err)
	require.Len(t, q.published, 1)

	call := q.published[0]
	assert.Equal(t, "orders.dlq", call.destination)
	headers := call.msg.Properties.Headers
	assert.Equal(t, event.DeathReasonRejected, headers[event.HeaderDeathReason])
	assert.Equal(t, "handler exploded", headers[event.HeaderErrorMessage])
	assert.Equal(t, 2, headers[event.HeaderFailedAttempts])
	assert.Equal(t, "orders.main", headers[event.HeaderOriginalQueue])
	assert.Equal(t, "orders.main", headers[event.HeaderFirstDeathQueue])
}

func TestPublishReasonExpiredWhenCauseNil(t *testing.T) {
	q := &fakeQueue{}
	h := New(q, Target{Queue: "orders.dlq"}, nil)

	err := h.Publish(context.Background(), testMessage(), "orders.main", nil, 0)
	require.NoError(t, err)
	require.Len(t, q.published, 1)

	headers := q.published[0].msg.Properties.Headers
	assert.Equal(t, event.DeathReasonExpired, headers[event.HeaderDeathReason])
	assert.NotContains(t, headers, event.HeaderErrorMessage)
	assert.NotContains(t, headers, event.HeaderFailedAttempts)
}

func TestPublishPreservesExistingFirstDeathHeaders(t *testing.T) {
	q := &fakeQueue{}
	h := New(q, Target{Queue: "orders.dlq"}, nil)

	msg := testMessage()
	msg.Properties.Headers = map[string]interface{}{
		event.HeaderFirstDeathQueue: "orders.original",
	}
	err := h.Publish(context.Background(), msg, "orders.retry", errors.New("still failing"), 5)
	require.NoError(t, err)

	headers := q.published[0].msg.Properties.Headers
	assert.Equal(t, "orders.original", headers[event.HeaderFirstDeathQueue])
	// the source message's own headers must be untouched (Clone, not mutate)
	assert.NotContains(t, msg.Properties.Headers, event.HeaderDeathReason)
}

func TestPublishRoutesThroughExchange(t *testing.T) {
	q := &fakeQueue{}
	target := Target{
		Exchange:   &broker.ExchangeOptions{Name: "dlx", Kind: "fanout", Durable: true},
		RoutingKey: "dead",
	}
	h := New(q, target, nil)

	err := h.Publish(context.Background(), testMessage(), "orders.main", errors.New("x"), 1)
	require.NoError(t, err)
	require.Len(t, q.published, 1)

	call := q.published[0]
	assert.Equal(t, "dlx", call.destination)
	require.NotNil(t, call.opts.Exchange)
	assert.Equal(t, "dlx", call.opts.Exchange.Name)
	assert.Equal(t, "dead", call.msg.RoutingKey)
}

func TestPublishSwallowsBrokerError(t *testing.T) {
	q := &fakeQueue{publishErr: errors.New("connection reset")}
	h := New(q, Target{Queue: "orders.dlq"}, nil)

	err := h.Publish(context.Background(), testMessage(), "orders.main", errors.New("boom"), 1)
	assert.NoError(t, err)
}
