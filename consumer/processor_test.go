package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilientmq/resilientmq/broker"
	"github.com/resilientmq/resilientmq/dlq"
	"github.com/resilientmq/resilientmq/event"
	"github.com/resilientmq/resilientmq/store"
	"github.com/resilientmq/resilientmq/store/memstore"
)

// fakeMQ is a broker.MessageQueue double that only implements Publish, for
// the DLQ helper wired into processor tests.
type fakeMQ struct {
	broker.MessageQueue
	published []*event.Message
}

func (f *fakeMQ) Publish(ctx context.Context, destination string, msg *event.Message, opts broker.PublishOptions) error {
	f.published = append(f.published, msg)
	return nil
}

func newTestProcessor(st *memstore.Store, handler EventHandler, maxAttempts int) (*processor, *fakeMQ) {
	mq := &fakeMQ{}
	cfg := &Config{
		Queue:    QueueConfig{Name: "orders"},
		Retry:    RetryConfig{QueueName: "orders.retry", MaxAttempts: maxAttempts},
		DLQ:      DLQConfig{QueueName: "orders.dlq"},
		Store:    st,
		Handlers: []HandlerEntry{{Type: "order.created", Handler: handler}},
	}
	return newProcessor(cfg, dlqHelperFor(mq, cfg)), mq
}

func dlqHelperFor(mq *fakeMQ, cfg *Config) *dlq.Helper {
	if cfg.DLQ.QueueName == "" && cfg.DLQ.Exchange == nil {
		return nil
	}
	return dlq.New(mq, dlq.Target{Queue: cfg.DLQ.QueueName, RoutingKey: cfg.DLQ.RoutingKey}, nil)
}

func delivery(msgID string, attempts int) *broker.Delivery {
	msg := &event.Message{MessageID: msgID, Type: "order.created", Payload: json.RawMessage(`{"id":1}`)}
	if attempts > 0 {
		msg.Properties.Headers = map[string]interface{}{
			event.HeaderDeath: []interface{}{
				map[string]interface{}{"count": attempts},
			},
		}
	}
	return &broker.Delivery{Message: msg, Queue: "orders"}
}

func TestProcessorHappyPath(t *testing.T) {
	st := memstore.New()
	calls := 0
	p, mq := newTestProcessor(st, func(ctx context.Context, msg *event.Message) error {
		calls++
		return nil
	}, 3)

	err := p.handle(context.Background(), delivery("m-1", 0))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, mq.published)

	got, err := st.GetEvent(context.Background(), &event.Message{MessageID: "m-1"})
	require.NoError(t, err)
	assert.Equal(t, event.StatusDone, got.Status)
}

func TestProcessorDuplicateFirstAttemptSkipsDispatch(t *testing.T) {
	st := memstore.New()
	require.NoError(t, st.SaveEvent(context.Background(), &event.Message{MessageID: "m-2", Status: event.StatusDone}))
	calls := 0
	p, _ := newTestProcessor(st, func(ctx context.Context, msg *event.Message) error {
		calls++
		return nil
	}, 3)

	err := p.handle(context.Background(), delivery("m-2", 0))
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
}

func TestProcessorRedeliveryWithAttemptsUpdatesNotDuplicates(t *testing.T) {
	st := memstore.New()
	require.NoError(t, st.SaveEvent(context.Background(), &event.Message{MessageID: "m-3", Status: event.StatusRetry}))
	calls := 0
	p, _ := newTestProcessor(st, func(ctx context.Context, msg *event.Message) error {
		calls++
		return nil
	}, 3)

	err := p.handle(context.Background(), delivery("m-3", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestProcessorRetriesBeforeExhaustion(t *testing.T) {
	st := memstore.New()
	p, mq := newTestProcessor(st, func(ctx context.Context, msg *event.Message) error {
		return errors.New("boom")
	}, 3)

	err := p.handle(context.Background(), delivery("m-4", 0))
	require.Error(t, err)
	assert.Empty(t, mq.published)

	got, _ := st.GetEvent(context.Background(), &event.Message{MessageID: "m-4"})
	assert.Equal(t, event.StatusRetry, got.Status)
}

func TestProcessorExhaustedRetriesPublishesToDLQ(t *testing.T) {
	st := memstore.New()
	p, mq := newTestProcessor(st, func(ctx context.Context, msg *event.Message) error {
		return errors.New("boom")
	}, 3)

	err := p.handle(context.Background(), delivery("m-5", 2)) // attempt 3 of 3
	require.NoError(t, err)                                   // swallowed
	require.Len(t, mq.published, 1)
	assert.Equal(t, "boom", mq.published[0].Properties.Headers[event.HeaderErrorMessage])

	got, _ := st.GetEvent(context.Background(), &event.Message{MessageID: "m-5"})
	assert.Equal(t, event.StatusError, got.Status)
}

func TestProcessorUnknownEventIgnoredDeletesFromStore(t *testing.T) {
	st := memstore.New()
	require.NoError(t, st.SaveEvent(context.Background(), &event.Message{MessageID: "m-6"}))
	mq := &fakeMQ{}
	cfg := &Config{
		Queue:               QueueConfig{Name: "orders"},
		Store:               st,
		IgnoreUnknownEvents: true,
		Handlers:            []HandlerEntry{{Type: "order.created", Handler: func(context.Context, *event.Message) error { return nil }}},
	}
	p := newProcessor(cfg, dlqHelperFor(mq, cfg))

	// a re-delivery (x-death count 1), so the stored row is not treated as a
	// first-attempt duplicate and the unknown-type path is reached.
	unknown := delivery("m-6", 1)
	unknown.Message.Type = "order.unknown"
	err := p.handle(context.Background(), unknown)
	require.NoError(t, err)

	_, err = st.GetEvent(context.Background(), &event.Message{MessageID: "m-6"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessorOnEventStartSkip(t *testing.T) {
	st := memstore.New()
	calls := 0
	mq := &fakeMQ{}
	cfg := &Config{
		Queue:    QueueConfig{Name: "orders"},
		Store:    st,
		Handlers: []HandlerEntry{{Type: "order.created", Handler: func(context.Context, *event.Message) error { calls++; return nil }}},
		Hooks: Hooks{
			OnEventStart: func(ctx context.Context, msg *event.Message) Control {
				return Control{Skip: true}
			},
		},
	}
	p := newProcessor(cfg, dlqHelperFor(mq, cfg))

	err := p.handle(context.Background(), delivery("m-7", 0))
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
}
