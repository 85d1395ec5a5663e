package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/resilientmq/resilientmq/event"
	"github.com/resilientmq/resilientmq/logging"
	"github.com/resilientmq/resilientmq/metrics"
)

// AMQPConfig configures an AMQP-backed MessageQueue.
type AMQPConfig struct {
	// URL is an amqp:// or amqps:// connection URI.
	URL string

	Logger  logging.Logger
	Metrics metrics.Sink
}

// state mirrors the NEW -> OPEN -> CLOSED machine from §4.1. It is held in
// an atomic that Disconnect and the close watcher store to and Closed loads;
// no close handler keeps a pointer back into the caller.
type state int32

const (
	stateNew state = iota
	stateOpen
	stateClosed
)

// AMQP is the reference MessageQueue implementation over
// github.com/rabbitmq/amqp091-go, the driver the teacher's common/broker
// package and every pack RabbitMQ example (JailtonJunior94-devkit-go,
// wb-go-wbf, etc.) are built on.
type AMQP struct {
	cfg AMQPConfig

	mu      sync.Mutex // serializes Publish/DeclareTopology onto the channel
	conn    *amqp.Connection
	channel *amqp.Channel
	state   atomic.Int32

	consumersMu sync.Mutex
	consumers   []string // tags registered via Consume, for CancelAllConsumers

	inFlight atomic.Int64 // deliveries currently inside a handler
}

// NewAMQP returns an unconnected AMQP MessageQueue; call Connect before use.
func NewAMQP(cfg AMQPConfig) *AMQP {
	a := &AMQP{cfg: cfg}
	a.state.Store(int32(stateNew))
	return a
}

func (a *AMQP) log() logging.Logger { return logging.OrNoop(a.cfg.Logger) }
func (a *AMQP) met() metrics.Sink   { return metrics.OrNoop(a.cfg.Metrics) }

func (a *AMQP) Connect(ctx context.Context, prefetch int) error {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("broker: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("broker: open channel: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("broker: set qos: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.channel = ch
	a.mu.Unlock()
	a.state.Store(int32(stateOpen))

	a.watchClose(conn, ch)
	a.log().Info("broker connected", "prefetch", prefetch)
	return nil
}

// watchClose observes connection/channel close notifications and
// transitions to CLOSED, logging rather than re-throwing, per §4.1's state
// machine.
func (a *AMQP) watchClose(conn *amqp.Connection, ch *amqp.Channel) {
	connErrs := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanErrs := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		select {
		case err := <-connErrs:
			if err != nil {
				a.log().Warn("broker connection closed", "error", err.Error())
			}
		case err := <-chanErrs:
			if err != nil {
				a.log().Warn("broker channel closed", "error", err.Error())
			}
		}
		a.state.Store(int32(stateClosed))
	}()
}

func (a *AMQP) Closed() bool {
	return state(a.state.Load()) == stateClosed
}

func (a *AMQP) DeclareTopology(ctx context.Context, t Topology) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return ErrClosed
	}
	for _, ex := range t.Exchanges {
		kind := ex.Kind
		if kind == "" {
			kind = "direct"
		}
		if err := a.channel.ExchangeDeclare(ex.Name, kind, ex.Durable, false, false, false, nil); err != nil {
			return fmt.Errorf("broker: declare exchange %s: %w", ex.Name, err)
		}
	}
	for _, q := range t.Queues {
		args := amqp.Table{}
		for k, v := range q.Args {
			args[k] = v
		}
		if _, err := a.channel.QueueDeclare(q.Name, q.Durable, false, false, false, args); err != nil {
			return fmt.Errorf("broker: declare queue %s: %w", q.Name, err)
		}
	}
	for _, b := range t.Bindings {
		if err := a.channel.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("broker: bind queue %s to %s: %w", b.Queue, b.Exchange, err)
		}
	}
	return nil
}

func (a *AMQP) Publish(ctx context.Context, destination string, msg *event.Message, opts PublishOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return ErrClosed
	}

	// msg.Payload is already JSON (json.RawMessage); send its bytes as-is
	// rather than re-marshaling, which would double-encode it.
	body := []byte(msg.Payload)
	if len(body) == 0 {
		body = []byte("null")
	}

	carrier := map[string]interface{}{}
	for k, v := range msg.Properties.Headers {
		carrier[k] = v
	}
	InjectTraceContext(ctx, carrier)

	headers := amqp.Table{}
	for k, v := range carrier {
		headers[k] = v
	}
	headers[event.HeaderMessageID] = msg.MessageID
	headers[event.HeaderEventType] = msg.Type

	deliveryMode := msg.Properties.DeliveryMode
	if deliveryMode == 0 {
		deliveryMode = amqp.Persistent
	}
	ts := msg.Properties.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	publishing := amqp.Publishing{
		ContentType:   firstNonEmpty(msg.Properties.ContentType, "application/json"),
		DeliveryMode:  deliveryMode,
		Timestamp:     ts,
		CorrelationId: msg.Properties.CorrelationID,
		MessageId:     msg.MessageID,
		Type:          msg.Type,
		Headers:       headers,
		Body:          body,
	}

	exchangeName := ""
	routingKey := destination
	if opts.Exchange != nil {
		kind := opts.Exchange.Kind
		if kind == "" {
			kind = "direct"
		}
		if err := a.channel.ExchangeDeclare(opts.Exchange.Name, kind, opts.Exchange.Durable, false, false, false, nil); err != nil {
			return fmt.Errorf("broker: declare exchange %s: %w", opts.Exchange.Name, err)
		}
		exchangeName = opts.Exchange.Name
		routingKey = msg.RoutingKey
	}

	if err := a.channel.PublishWithContext(ctx, exchangeName, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}
	a.met().IncCounter("resilientmq_broker_published_total", map[string]string{"type": msg.Type})
	return nil
}

func (a *AMQP) Consume(ctx context.Context, queue string, handler DeliveryHandler) (string, error) {
	a.mu.Lock()
	ch := a.channel
	a.mu.Unlock()
	if ch == nil {
		return "", ErrClosed
	}

	tag := queue + "-" + randomSuffix()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("broker: consume %s: %w", queue, err)
	}

	a.consumersMu.Lock()
	a.consumers = append(a.consumers, tag)
	a.consumersMu.Unlock()

	go func() {
		for d := range deliveries {
			a.inFlight.Add(1)
			a.handleDelivery(ctx, queue, d, handler)
			a.inFlight.Add(-1)
		}
	}()

	return tag, nil
}

func (a *AMQP) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handler DeliveryHandler) {
	msg, headers, err := decodeDelivery(d)
	var handlerErr error
	if err != nil {
		a.log().Error("broker: decode delivery failed", "error", err.Error())
		handlerErr = err
	} else {
		ctx = ExtractTraceContext(ctx, headers)
		handlerErr = handler(ctx, &Delivery{Message: msg, Queue: queue, Headers: headers})
	}

	if handlerErr != nil {
		if !a.Closed() {
			if err := d.Nack(false, false); err != nil {
				a.log().Warn("broker: nack failed", "error", err.Error())
			}
		}
		return
	}
	if !a.Closed() {
		if err := d.Ack(false); err != nil {
			a.log().Warn("broker: ack failed", "error", err.Error())
		}
	}
}

// normalizeAMQPValue recursively converts amqp091-go's named table/array
// types (amqp.Table, []interface{} of amqp.Table) into plain
// map[string]interface{}/[]interface{} values, so event.Message.DeathCount
// and other header readers can type-assert against the unnamed types they
// expect instead of failing on the library's named wrapper type.
func normalizeAMQPValue(v interface{}) interface{} {
	switch val := v.(type) {
	case amqp.Table:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[k] = normalizeAMQPValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = normalizeAMQPValue(e)
		}
		return out
	default:
		return val
	}
}

func decodeDelivery(d amqp.Delivery) (*event.Message, map[string]interface{}, error) {
	var payload json.RawMessage
	if len(d.Body) > 0 {
		payload = json.RawMessage(d.Body)
	}

	headers := map[string]interface{}{}
	for k, v := range d.Headers {
		headers[k] = normalizeAMQPValue(v)
	}

	messageID := d.MessageId
	if messageID == "" {
		if v, ok := headers[event.HeaderMessageID].(string); ok {
			messageID = v
		}
	}
	typ := d.Type
	if typ == "" {
		if v, ok := headers[event.HeaderEventType].(string); ok {
			typ = v
		}
	}

	msg := &event.Message{
		MessageID: messageID,
		Type:      typ,
		Payload:   payload,
		Status:    event.StatusReceived,
		Properties: event.Properties{
			ContentType:   d.ContentType,
			DeliveryMode:  d.DeliveryMode,
			Timestamp:     d.Timestamp,
			CorrelationID: d.CorrelationId,
			Headers:       headers,
		},
	}
	return msg, headers, nil
}

func (a *AMQP) CancelAllConsumers(ctx context.Context) error {
	a.mu.Lock()
	ch := a.channel
	a.mu.Unlock()
	if ch == nil {
		return nil
	}
	a.consumersMu.Lock()
	tags := a.consumers
	a.consumers = nil
	a.consumersMu.Unlock()

	for _, tag := range tags {
		if err := ch.Cancel(tag, false); err != nil {
			a.log().Warn("broker: cancel consumer failed (tolerated)", "tag", tag, "error", err.Error())
		}
	}
	return nil
}

func (a *AMQP) CheckQueue(ctx context.Context, queue string) (int, error) {
	a.mu.Lock()
	ch := a.channel
	a.mu.Unlock()
	if ch == nil {
		return 0, ErrClosed
	}
	q, err := ch.QueueInspect(queue)
	if err != nil {
		return 0, fmt.Errorf("broker: inspect queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Disconnect is idempotent: cancel consumers, wait for in-flight deliveries
// to complete, close channel, close connection, mark CLOSED. Safe to call
// on an already-closed instance.
func (a *AMQP) Disconnect(ctx context.Context) error {
	if a.Closed() {
		return nil
	}
	_ = a.CancelAllConsumers(ctx)
	a.drainInFlight(ctx)

	a.mu.Lock()
	ch := a.channel
	conn := a.conn
	a.channel = nil
	a.conn = nil
	a.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			a.log().Warn("broker: close channel failed (tolerated)", "error", err.Error())
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			a.log().Warn("broker: close connection failed (tolerated)", "error", err.Error())
		}
	}
	a.state.Store(int32(stateClosed))
	return nil
}

func (a *AMQP) drainInFlight(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for a.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var tagCounter atomic.Uint64

func randomSuffix() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), tagCounter.Add(1))
}
