// Package dlq implements the DLQ Helper (§4.7): the single surface that
// enriches a terminally-failed event with failure metadata and emits it to
// the configured dead-letter queue. Per the Open Question resolution in
// §9 of the spec, this is the only place that builds DLQ headers — the
// Consume Processor funnels its own DLQ emission through this helper
// instead of building a parallel header set.
package dlq

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/resilientmq/resilientmq/broker"
	"github.com/resilientmq/resilientmq/event"
	"github.com/resilientmq/resilientmq/logging"
)

// Target names where dead-lettered events are emitted. If both Queue and
// Exchange are empty, Publish is a no-op (log and discard), per §4.7.
type Target struct {
	Queue      string
	Exchange   *broker.ExchangeOptions
	RoutingKey string
}

func (t Target) configured() bool {
	return t.Queue != "" || t.Exchange != nil
}

// Helper enriches and emits failed events to Target via mq.
type Helper struct {
	mq     broker.MessageQueue
	target Target
	logger logging.Logger
}

// New builds a Helper. logger may be nil.
func New(mq broker.MessageQueue, target Target, logger logging.Logger) *Helper {
	return &Helper{mq: mq, target: target, logger: logging.OrNoop(logger)}
}

// Publish enriches msg with failure-context headers and emits it to the
// configured DLQ. originalQueue is the queue the message was being
// processed from. cause is the error that caused the terminal failure, or
// nil when the death is due to TTL expiry rather than a handler error.
// attempts is the number of attempts made before giving up, written as
// x-failed-attempts; when 0 that header is omitted. x-original-error and the
// x-error-* headers are written whenever cause is non-nil.
//
// Publish is a no-op (log and discard) if neither a DLQ queue nor exchange
// is configured.
func (h *Helper) Publish(ctx context.Context, msg *event.Message, originalQueue string, cause error, attempts int) error {
	if !h.target.configured() {
		h.logger.Warn("dlq: no target configured, discarding event", "message_id", msg.MessageID)
		return nil
	}

	dup := msg.Clone()
	if dup.Properties.Headers == nil {
		dup.Properties.Headers = map[string]interface{}{}
	}
	headers := dup.Properties.Headers

	// First time this message dies: record the current queue as its
	// first-death location. Preserve it on subsequent bounces.
	if _, ok := headers[event.HeaderFirstDeathQueue]; !ok {
		headers[event.HeaderFirstDeathQueue] = originalQueue
	}

	reason := event.DeathReasonExpired
	if cause != nil {
		reason = event.DeathReasonRejected
		headers[event.HeaderErrorMessage] = cause.Error()
		headers[event.HeaderErrorName] = errorName(cause)
		headers[event.HeaderErrorStack] = string(debug.Stack())
		headers[event.HeaderOriginalError] = cause.Error()
	}
	if attempts > 0 {
		headers[event.HeaderFailedAttempts] = attempts
	}
	headers[event.HeaderDeathCount] = msg.DeathCount()
	headers[event.HeaderOriginalQueue] = originalQueue
	headers[event.HeaderDeathReason] = reason
	headers[event.HeaderDeathTime] = time.Now().UTC().Format(time.RFC3339)

	destination := h.target.Queue
	opts := broker.PublishOptions{}
	if h.target.Exchange != nil {
		opts.Exchange = h.target.Exchange
		if dup.RoutingKey == "" {
			dup.RoutingKey = h.target.RoutingKey
		}
		destination = h.target.Exchange.Name
	}

	if err := h.mq.Publish(ctx, destination, dup, opts); err != nil {
		// DLQ publish failure is logged and swallowed per §7: the original
		// delivery is still acked to avoid a retry storm.
		h.logger.Error("dlq: publish failed, event knowingly lost", "message_id", msg.MessageID, "error", err.Error())
		return nil
	}
	h.logger.Info("dlq: event published", "message_id", msg.MessageID, "reason", reason)
	return nil
}

func errorName(err error) string {
	if err == nil {
		return ""
	}
	t := reflect.TypeOf(err)
	if t == nil {
		return fmt.Sprintf("%v", err)
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
