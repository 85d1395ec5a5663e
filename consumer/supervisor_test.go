package consumer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilientmq/resilientmq/broker"
	"github.com/resilientmq/resilientmq/event"
)

// fakeSupervisorMQ is a full broker.MessageQueue double for supervisor tests.
type fakeSupervisorMQ struct {
	mu       sync.Mutex
	topology broker.Topology
	queueLen map[string]int
	closed   atomic.Bool
	handler  broker.DeliveryHandler

	connectCalls    atomic.Int32
	disconnectCalls atomic.Int32
}

func newFakeSupervisorMQ() *fakeSupervisorMQ {
	return &fakeSupervisorMQ{queueLen: map[string]int{}}
}

func (f *fakeSupervisorMQ) Connect(ctx context.Context, prefetch int) error {
	f.connectCalls.Add(1)
	f.closed.Store(false)
	return nil
}

func (f *fakeSupervisorMQ) DeclareTopology(ctx context.Context, t broker.Topology) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topology = t
	return nil
}

func (f *fakeSupervisorMQ) Publish(ctx context.Context, destination string, msg *event.Message, opts broker.PublishOptions) error {
	return nil
}

func (f *fakeSupervisorMQ) Consume(ctx context.Context, queue string, handler broker.DeliveryHandler) (string, error) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return "tag-1", nil
}

func (f *fakeSupervisorMQ) CancelAllConsumers(ctx context.Context) error { return nil }

func (f *fakeSupervisorMQ) CheckQueue(ctx context.Context, queue string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queueLen[queue], nil
}

func (f *fakeSupervisorMQ) Disconnect(ctx context.Context) error {
	f.disconnectCalls.Add(1)
	f.closed.Store(true)
	return nil
}

func (f *fakeSupervisorMQ) Closed() bool { return f.closed.Load() }

func (f *fakeSupervisorMQ) setQueueLen(queue string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueLen[queue] = n
}

func baseConfig() Config {
	return Config{
		Queue:    QueueConfig{Name: "orders"},
		Handlers: []HandlerEntry{{Type: "order.created", Handler: func(context.Context, *event.Message) error { return nil }}},
	}
}

func TestNewRejectsMissingQueueName(t *testing.T) {
	cfg := baseConfig()
	cfg.Queue.Name = ""
	_, err := New(newFakeSupervisorMQ(), cfg)
	assert.Error(t, err)
}

func TestNewRejectsNoHandlers(t *testing.T) {
	cfg := baseConfig()
	cfg.Handlers = nil
	_, err := New(newFakeSupervisorMQ(), cfg)
	assert.Error(t, err)
}

func TestStartDeclaresTopologyAndConsumes(t *testing.T) {
	mq := newFakeSupervisorMQ()
	cfg := baseConfig()
	cfg.HeartbeatInterval = time.Hour // keep monitors quiet during the test

	sup, err := New(mq, cfg)
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(context.Background())

	assert.Equal(t, int32(1), mq.connectCalls.Load())
	require.Len(t, mq.topology.Queues, 1)
	assert.Equal(t, "orders", mq.topology.Queues[0].Name)
}

func TestRetryQueueDLXResolvesToMainExchangeRoutingKey(t *testing.T) {
	mq := newFakeSupervisorMQ()
	cfg := baseConfig()
	cfg.HeartbeatInterval = time.Hour
	cfg.Queue.Bindings = []ExchangeBinding{{
		Exchange:   broker.ExchangeSpec{Name: "orders.topic", Kind: "topic"},
		RoutingKey: "order.created",
	}}
	cfg.Retry = RetryConfig{QueueName: "orders.retry", TTL: time.Second, MaxAttempts: 3}

	sup, err := New(mq, cfg)
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(context.Background())

	var retryQ *broker.QueueSpec
	for i := range mq.topology.Queues {
		if mq.topology.Queues[i].Name == "orders.retry" {
			retryQ = &mq.topology.Queues[i]
		}
	}
	require.NotNil(t, retryQ)
	// the retry queue's own DLX fires on TTL expiry and routes back to main,
	// via the resolved main-exchange target.
	assert.Equal(t, "orders.topic", retryQ.Args["x-dead-letter-exchange"])
	assert.Equal(t, "order.created", retryQ.Args["x-dead-letter-routing-key"])

	var mainQ *broker.QueueSpec
	for i := range mq.topology.Queues {
		if mq.topology.Queues[i].Name == "orders" {
			mainQ = &mq.topology.Queues[i]
		}
	}
	require.NotNil(t, mainQ)
	// main's DLX routes nacked messages into the retry queue; no retry
	// exchange configured here, so it falls to the default exchange with
	// the retry queue's own name as routing key.
	assert.Equal(t, "", mainQ.Args["x-dead-letter-exchange"])
	assert.Equal(t, "orders.retry", mainQ.Args["x-dead-letter-routing-key"])
}

func TestRetryQueueDLXDefaultsToMainQueueName(t *testing.T) {
	mq := newFakeSupervisorMQ()
	cfg := baseConfig()
	cfg.HeartbeatInterval = time.Hour
	cfg.Retry = RetryConfig{QueueName: "orders.retry", TTL: time.Second, MaxAttempts: 3}

	sup, err := New(mq, cfg)
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(context.Background())

	for i := range mq.topology.Queues {
		if mq.topology.Queues[i].Name == "orders.retry" {
			assert.Equal(t, "", mq.topology.Queues[i].Args["x-dead-letter-exchange"])
			assert.Equal(t, "orders", mq.topology.Queues[i].Args["x-dead-letter-routing-key"])
		}
	}
}

func TestStopIsIdempotentAndClosesTransport(t *testing.T) {
	mq := newFakeSupervisorMQ()
	cfg := baseConfig()
	cfg.HeartbeatInterval = time.Hour

	sup, err := New(mq, cfg)
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	require.NoError(t, sup.Stop(context.Background()))
	require.NoError(t, sup.Stop(context.Background()))
	assert.Equal(t, int32(1), mq.disconnectCalls.Load())
	assert.True(t, mq.Closed())
}

func TestIdleDrainStopsAfterMaxIdleChecks(t *testing.T) {
	mq := newFakeSupervisorMQ()
	cfg := baseConfig()
	cfg.HeartbeatInterval = time.Hour
	cfg.ExitIfIdle = true
	cfg.IdleCheckInterval = 20 * time.Millisecond
	cfg.MaxIdleChecks = 2

	sup, err := New(mq, cfg)
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool {
		return mq.disconnectCalls.Load() == 1
	}, time.Second, 5*time.Millisecond)
}
