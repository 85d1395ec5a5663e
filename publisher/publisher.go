// Package publisher implements the Publisher (§4.6): instant, deferred, and
// store-only publish modes over a broker.MessageQueue, plus the pending
// scanner that drains events a crash left persisted but undispatched.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/resilientmq/resilientmq/broker"
	"github.com/resilientmq/resilientmq/event"
	"github.com/resilientmq/resilientmq/logging"
	"github.com/resilientmq/resilientmq/metrics"
	"github.com/resilientmq/resilientmq/store"
)

// Destination names where a Publisher sends events. When Exchange is set it
// wins for dispatch (§9 open question); Queue may still serve as a default
// destination name.
type Destination struct {
	Queue    string
	Exchange *broker.ExchangeOptions
}

// Config is the Publisher's configuration surface, matching §6.
type Config struct {
	Destination Destination

	// Store is optional in instant mode, required in deferred mode (where it
	// must also implement store.PendingLister — enforced by NewDeferred, the
	// typed-capability replacement for the duck-typing check in §9).
	Store store.EventStore

	InstantPublish bool // default true; set via NewInstant/NewDeferred

	IdleTimeout time.Duration // 0 selects the default of 10s; a negative value disables the idle-connection reaper

	// PendingEventsCheckInterval drives a background scanner in deferred
	// mode. 0 disables it. Non-zero in instant mode is a configuration
	// warning with no effect.
	PendingEventsCheckInterval time.Duration

	StoreConnectionRetries    int           // default 3
	StoreConnectionRetryDelay time.Duration // default 1s

	Logger  logging.Logger
	Metrics metrics.Sink
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 10 * time.Second
	}
	if c.StoreConnectionRetries <= 0 {
		c.StoreConnectionRetries = 3
	}
	if c.StoreConnectionRetryDelay <= 0 {
		c.StoreConnectionRetryDelay = time.Second
	}
}

func (c *Config) validate() error {
	if c.Destination.Queue == "" && c.Destination.Exchange == nil {
		return fmt.Errorf("publisher: either a queue name or an exchange must be configured")
	}
	if !c.InstantPublish && c.Store == nil {
		return fmt.Errorf("publisher: deferred mode requires a store")
	}
	return nil
}

// PublishOption customizes a single Publish call.
type PublishOption func(*publishOpts)

type publishOpts struct {
	storeOnly bool
}

// StoreOnly persists the event as PENDING and returns without dispatching;
// a later ProcessPendingEvents call (or the background scanner) dispatches
// it. Valid in any mode, but only meaningful when a store is configured.
func StoreOnly() PublishOption {
	return func(o *publishOpts) { o.storeOnly = true }
}

// Publisher dispatches events to mq, optionally persisting them to a store
// for deduplication and crash recovery.
type Publisher struct {
	cfg Config
	mq  broker.MessageQueue
	log logging.Logger
	met metrics.Sink

	connMu    sync.Mutex
	connected bool
	idleTimer *time.Timer

	storeProbed bool

	scanCancel context.CancelFunc
	scanWG     sync.WaitGroup
}

// NewInstant builds a Publisher in instant mode (the default): every
// Publish dispatches immediately unless StoreOnly is given.
func NewInstant(mq broker.MessageQueue, cfg Config) (*Publisher, error) {
	cfg.InstantPublish = true
	return newPublisher(mq, cfg)
}

// NewDeferred builds a Publisher in deferred mode: Publish only persists as
// PENDING; dispatch happens via ProcessPendingEvents or the background
// scanner. pl must support listing pending events, enforced here instead of
// via a runtime capability check (§9).
func NewDeferred(mq broker.MessageQueue, pl store.PendingLister, cfg Config) (*Publisher, error) {
	cfg.InstantPublish = false
	cfg.Store = pl
	p, err := newPublisher(mq, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.PendingEventsCheckInterval > 0 {
		p.startScanner(pl)
	}
	return p, nil
}

func newPublisher(mq broker.MessageQueue, cfg Config) (*Publisher, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.InstantPublish && cfg.PendingEventsCheckInterval > 0 {
		logging.OrNoop(cfg.Logger).Warn("publisher: pendingEventsCheckInterval has no effect in instant mode")
	}
	return &Publisher{
		cfg: cfg,
		mq:  mq,
		log: logging.OrNoop(cfg.Logger),
		met: metrics.OrNoop(cfg.Metrics),
	}, nil
}

// Publish runs the §4.6 publish algorithm: probe, dedupe, persist, dispatch.
func (p *Publisher) Publish(ctx context.Context, msg *event.Message, opts ...PublishOption) error {
	var o publishOpts
	for _, opt := range opts {
		opt(&o)
	}

	if p.cfg.Store != nil {
		if err := p.ensureStoreReachable(ctx); err != nil {
			return fmt.Errorf("publisher: store unreachable: %w", err)
		}
		existing, err := p.cfg.Store.GetEvent(ctx, msg)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("publisher: get event: %w", err)
		}
		if existing != nil {
			p.log.Info("publisher: duplicate publish, skipping", "message_id", msg.MessageID)
			return nil
		}

		msg.Status = event.StatusPending
		if err := p.cfg.Store.SaveEvent(ctx, msg); err != nil {
			return fmt.Errorf("publisher: save event: %w", err)
		}
		if o.storeOnly {
			return nil
		}
	}

	if p.cfg.InstantPublish || p.cfg.Store == nil {
		if err := p.dispatch(ctx, msg); err != nil {
			if p.cfg.Store != nil {
				p.markError(ctx, msg)
			}
			return fmt.Errorf("publisher: dispatch: %w", err)
		}
		if p.cfg.Store != nil {
			if err := p.cfg.Store.UpdateEventStatus(ctx, msg, event.StatusPublished); err != nil {
				return fmt.Errorf("publisher: update status: %w", err)
			}
		}
	}
	return nil
}

func (p *Publisher) markError(ctx context.Context, msg *event.Message) {
	if err := p.cfg.Store.UpdateEventStatus(ctx, msg, event.StatusError); err != nil {
		p.log.Warn("publisher: mark error failed", "message_id", msg.MessageID, "error", err.Error())
	}
}

// dispatch connects on demand, publishes, and arms the idle-connection
// reaper. It never disconnects synchronously, letting the reaper (or the
// next dispatch) own the connection's lifetime.
func (p *Publisher) dispatch(ctx context.Context, msg *event.Message) error {
	if err := p.ensureConnected(ctx); err != nil {
		return err
	}

	destination := p.cfg.Destination.Queue
	popts := broker.PublishOptions{}
	if p.cfg.Destination.Exchange != nil {
		popts.Exchange = p.cfg.Destination.Exchange
		destination = p.cfg.Destination.Exchange.Name
	}

	if err := p.mq.Publish(ctx, destination, msg, popts); err != nil {
		return err
	}
	p.met.IncCounter("resilientmq_publisher_published_total", map[string]string{"type": msg.Type})
	p.armIdleTimer()
	return nil
}

func (p *Publisher) ensureConnected(ctx context.Context) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.connected && !p.mq.Closed() {
		return nil
	}
	if err := p.mq.Connect(ctx, 1); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	p.connected = true
	return nil
}

// armIdleTimer (re)starts the idle-connection timer; on fire it disconnects
// the broker port. The next Publish transparently reconnects.
func (p *Publisher) armIdleTimer() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(p.cfg.IdleTimeout, func() {
		p.connMu.Lock()
		defer p.connMu.Unlock()
		if err := p.mq.Disconnect(context.Background()); err != nil {
			p.log.Warn("publisher: idle disconnect failed (tolerated)", "error", err.Error())
		}
		p.connected = false
	})
}

func (p *Publisher) ensureStoreReachable(ctx context.Context) error {
	if p.storeProbed {
		return nil
	}
	if err := store.ProbeReachable(ctx, p.cfg.Store, p.cfg.StoreConnectionRetries, p.cfg.StoreConnectionRetryDelay); err != nil {
		return err
	}
	p.storeProbed = true
	return nil
}

// ProcessPendingEvents drains every PENDING event in ascending
// properties.timestamp order (§5 ordering guarantee), dispatching each and
// updating its status, continuing through failures within the batch.
func (p *Publisher) ProcessPendingEvents(ctx context.Context, pl store.PendingLister) error {
	if err := p.ensureStoreReachable(ctx); err != nil {
		return fmt.Errorf("publisher: store unreachable: %w", err)
	}

	pending, err := pl.GetPendingEvents(ctx, event.StatusPending)
	if err != nil {
		return fmt.Errorf("publisher: list pending events: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Properties.Timestamp.Before(pending[j].Properties.Timestamp)
	})

	if err := p.ensureConnected(ctx); err != nil {
		return fmt.Errorf("publisher: connect: %w", err)
	}
	defer func() {
		if err := p.mq.Disconnect(ctx); err != nil {
			p.log.Warn("publisher: disconnect after scan failed (tolerated)", "error", err.Error())
		}
		p.connMu.Lock()
		p.connected = false
		p.connMu.Unlock()
	}()

	for _, msg := range pending {
		if err := p.dispatch(ctx, msg); err != nil {
			p.log.Error("publisher: pending dispatch failed", "message_id", msg.MessageID, "error", err.Error())
			p.markError(ctx, msg)
			continue
		}
		if err := pl.UpdateEventStatus(ctx, msg, event.StatusPublished); err != nil {
			p.log.Warn("publisher: mark published failed", "message_id", msg.MessageID, "error", err.Error())
		}
	}
	return nil
}

// startScanner runs ProcessPendingEvents on a ticker until Close is called.
func (p *Publisher) startScanner(pl store.PendingLister) {
	ctx, cancel := context.WithCancel(context.Background())
	p.scanCancel = cancel
	p.scanWG.Add(1)
	go func() {
		defer p.scanWG.Done()
		ticker := time.NewTicker(p.cfg.PendingEventsCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.ProcessPendingEvents(ctx, pl); err != nil {
					p.log.Warn("publisher: background scan failed", "error", err.Error())
				}
			}
		}
	}()
}

// Close stops the background scanner (if running) and disconnects the
// broker port.
func (p *Publisher) Close(ctx context.Context) error {
	if p.scanCancel != nil {
		p.scanCancel()
		p.scanWG.Wait()
	}
	p.connMu.Lock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.connMu.Unlock()
	return p.mq.Disconnect(ctx)
}
