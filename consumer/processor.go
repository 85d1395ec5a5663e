package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/resilientmq/resilientmq/broker"
	"github.com/resilientmq/resilientmq/dlq"
	"github.com/resilientmq/resilientmq/event"
	"github.com/resilientmq/resilientmq/logging"
	"github.com/resilientmq/resilientmq/metrics"
	"github.com/resilientmq/resilientmq/middleware"
	"github.com/resilientmq/resilientmq/store"
)

// processor runs the per-delivery state machine (§4.4). It is owned by a
// single Supervisor and never shared.
type processor struct {
	cfg    *Config
	st     store.EventStore
	dlq    *dlq.Helper
	chain  middleware.HandlerFunc
	log    logging.Logger
	met    metrics.Sink
	queue  string // the main queue name, for DLQ x-original-queue
}

func newProcessor(cfg *Config, dlqHelper *dlq.Helper) *processor {
	p := &processor{
		cfg:   cfg,
		st:    cfg.Store,
		dlq:   dlqHelper,
		log:   logging.OrNoop(cfg.Logger),
		met:   metrics.OrNoop(cfg.Metrics),
		queue: cfg.Queue.Name,
	}
	p.chain = middleware.Chain(cfg.Middleware, p.terminal)
	return p
}

// handle runs steps 1-6 of the delivery algorithm. A returned error causes
// the broker adapter to nack without requeue; a nil return acks.
func (p *processor) handle(ctx context.Context, d *broker.Delivery) error {
	msg := d.Message
	attempts := msg.DeathCount()

	// step 2: onEventStart hook, with the dynamic-control pattern replaced
	// by a returned decision value (§9).
	if p.cfg.Hooks.OnEventStart != nil {
		if p.cfg.Hooks.OnEventStart(ctx, msg).Skip {
			return nil
		}
	}

	// step 3: dedupe / persist against the store, if configured.
	if p.st != nil {
		existing, err := p.st.GetEvent(ctx, msg)
		switch {
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("consumer: get event: %w", err)
		case existing != nil && attempts == 0:
			p.log.Info("consumer: duplicate delivery, skipping", "message_id", msg.MessageID)
			return nil
		case existing != nil && attempts > 0:
			if err := p.st.UpdateEventStatus(ctx, msg, msg.Status); err != nil {
				return fmt.Errorf("consumer: update re-delivered event: %w", err)
			}
		default: // not found: first time we see this message id
			if err := p.st.SaveEvent(ctx, msg); err != nil {
				return fmt.Errorf("consumer: save event: %w", err)
			}
		}
	}

	// step 4: handler lookup.
	handler := p.cfg.handler(msg.Type)
	if handler == nil {
		return p.handleUnknown(ctx, msg)
	}

	// step 5: dispatch through middleware, terminal sets PROCESSING -> DONE.
	dispatchErr := p.chain(ctx, msg)
	if dispatchErr == nil {
		if p.cfg.Hooks.OnSuccess != nil {
			p.cfg.Hooks.OnSuccess(ctx, msg)
		}
		return nil
	}

	// step 6: failure handling.
	return p.handleFailure(ctx, msg, attempts, dispatchErr)
}

// terminal is the innermost link of the middleware chain: set PROCESSING,
// invoke the registered handler, set DONE on success.
func (p *processor) terminal(ctx context.Context, msg *event.Message) error {
	if err := p.setStatus(ctx, msg, event.StatusProcessing); err != nil {
		return err
	}
	handler := p.cfg.handler(msg.Type)
	if err := handler(ctx, msg); err != nil {
		return err
	}
	return p.setStatus(ctx, msg, event.StatusDone)
}

func (p *processor) handleUnknown(ctx context.Context, msg *event.Message) error {
	if p.cfg.IgnoreUnknownEvents {
		if p.st != nil {
			if err := p.st.DeleteEvent(ctx, msg); err != nil {
				p.log.Warn("consumer: delete unknown event failed", "message_id", msg.MessageID, "error", err.Error())
			}
		}
		return nil
	}
	return p.setStatus(ctx, msg, event.StatusDone)
}

func (p *processor) handleFailure(ctx context.Context, msg *event.Message, attempts int, cause error) error {
	currentAttempt := attempts + 1
	maxAttempts := 3
	if p.cfg.Retry.MaxAttempts > 0 {
		maxAttempts = p.cfg.Retry.MaxAttempts
	}

	if p.cfg.Hooks.OnError != nil {
		p.cfg.Hooks.OnError(ctx, msg, cause)
	}

	if p.cfg.Retry.QueueName != "" && currentAttempt < maxAttempts {
		if err := p.setStatus(ctx, msg, event.StatusRetry); err != nil {
			p.log.Warn("consumer: mark retry failed", "message_id", msg.MessageID, "error", err.Error())
		}
		p.met.IncCounter("resilientmq_consumer_retries_total", map[string]string{"type": msg.Type})
		return cause // rethrow: broker nacks, DLX routes to retry queue
	}

	if err := p.setStatus(ctx, msg, event.StatusError); err != nil {
		p.log.Warn("consumer: mark error failed", "message_id", msg.MessageID, "error", err.Error())
	}
	p.met.IncCounter("resilientmq_consumer_exhausted_total", map[string]string{"type": msg.Type})

	if p.dlq != nil {
		if err := p.dlq.Publish(ctx, msg, p.queue, cause, currentAttempt); err != nil {
			p.log.Error("consumer: dlq publish failed", "message_id", msg.MessageID, "error", err.Error())
		}
	} else {
		p.log.Error("consumer: no DLQ configured, event lost", "message_id", msg.MessageID, "error", cause.Error())
	}
	return nil // swallowed: ack, do not re-enter retry loop
}

func (p *processor) setStatus(ctx context.Context, msg *event.Message, status event.Status) error {
	msg.Status = status
	if p.st == nil {
		return nil
	}
	if err := p.st.UpdateEventStatus(ctx, msg, status); err != nil {
		return fmt.Errorf("consumer: update status %s: %w", status, err)
	}
	return nil
}
