// Package consumer implements the Consume Processor and Consumer Supervisor
// (§4.4, §4.5): the per-delivery state machine and the lifecycle actor that
// declares topology, owns the broker connection, and keeps it alive.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resilientmq/resilientmq/broker"
	"github.com/resilientmq/resilientmq/dlq"
	"github.com/resilientmq/resilientmq/logging"
	"github.com/resilientmq/resilientmq/metrics"
	"github.com/resilientmq/resilientmq/store"
)

// Supervisor owns one broker.MessageQueue and runs the consume pipeline
// against it: topology declaration, consumption, and the background
// monitors that keep the connection alive (§4.5).
type Supervisor struct {
	cfg Config
	mq  broker.MessageQueue
	log logging.Logger
	met metrics.Sink

	proc *processor

	processingCount atomic.Int64
	reconnecting    atomic.Bool
	stopping        atomic.Bool

	monitorsMu sync.Mutex
	cancelMon  context.CancelFunc
	monitorsWG sync.WaitGroup

	idleStreak atomic.Int32
}

// New validates cfg, applies its defaults, and returns a Supervisor bound to
// mq. mq must be unconnected; Start connects it.
func New(mq broker.MessageQueue, cfg Config) (*Supervisor, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg: cfg,
		mq:  mq,
		log: logging.OrNoop(cfg.Logger),
		met: metrics.OrNoop(cfg.Metrics),
	}

	var dlqHelper *dlq.Helper
	if cfg.DLQ.QueueName != "" || cfg.DLQ.Exchange != nil {
		target := dlq.Target{Queue: cfg.DLQ.QueueName, RoutingKey: cfg.DLQ.RoutingKey}
		if cfg.DLQ.Exchange != nil {
			target.Exchange = &broker.ExchangeOptions{Name: cfg.DLQ.Exchange.Name, Kind: cfg.DLQ.Exchange.Kind, Durable: cfg.DLQ.Exchange.Durable}
		}
		dlqHelper = dlq.New(mq, target, cfg.Logger)
	}
	s.proc = newProcessor(&s.cfg, dlqHelper)
	return s, nil
}

// Start declares topology, probes the store, begins consumption, and starts
// the background monitors, per §4.5.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.mq.Connect(ctx, s.cfg.Prefetch); err != nil {
		return fmt.Errorf("consumer: connect: %w", err)
	}

	topo := s.buildTopology()
	if err := s.mq.DeclareTopology(ctx, topo); err != nil {
		return fmt.Errorf("consumer: declare topology: %w", err)
	}

	if s.cfg.Store != nil {
		if err := store.ProbeReachable(ctx, s.cfg.Store, s.cfg.StoreConnectionRetries, s.cfg.StoreConnectionRetryDelay); err != nil {
			return fmt.Errorf("consumer: store unreachable: %w", err)
		}
	}

	if _, err := s.mq.Consume(ctx, s.cfg.Queue.Name, s.wrapDelivery()); err != nil {
		return fmt.Errorf("consumer: consume: %w", err)
	}

	s.startMonitors(ctx)
	s.log.Info("consumer: started", "queue", s.cfg.Queue.Name)
	return nil
}

// buildTopology computes the declaration order of §4.5 steps 1-4: DLQ first,
// then retry queue (whose DLX target resolves against the main exchanges),
// then the main queue carrying whichever DLX the retry/DLQ configuration
// implies.
func (s *Supervisor) buildTopology() broker.Topology {
	var t broker.Topology

	// step 1: DLQ.
	if s.cfg.DLQ.Exchange != nil {
		t.Exchanges = append(t.Exchanges, *s.cfg.DLQ.Exchange)
	}
	if s.cfg.DLQ.QueueName != "" {
		t.Queues = append(t.Queues, broker.QueueSpec{Name: s.cfg.DLQ.QueueName, Durable: true})
		if s.cfg.DLQ.Exchange != nil {
			t.Bindings = append(t.Bindings, broker.BindingSpec{
				Queue: s.cfg.DLQ.QueueName, Exchange: s.cfg.DLQ.Exchange.Name, RoutingKey: s.cfg.DLQ.RoutingKey,
			})
		}
	}

	// step 2: retry queue. Its own DLX (fired on TTL expiry) routes back to
	// the main queue via the resolved target; main's DLX (below, step 3)
	// routes nacked main messages into this queue via its exchange/binding
	// key, or the default exchange with the retry queue's own name.
	var mainDLXExchange, mainDLXRoutingKey string
	hasRetry := s.cfg.Retry.QueueName != ""
	if hasRetry {
		backToMainExchange, backToMainRoutingKey := s.resolveRetryDLXTarget()
		if s.cfg.Retry.Exchange != nil {
			t.Exchanges = append(t.Exchanges, *s.cfg.Retry.Exchange)
			mainDLXExchange = s.cfg.Retry.Exchange.Name
		}
		mainDLXRoutingKey = s.cfg.Retry.QueueName

		args := map[string]interface{}{
			"x-message-ttl":             int64(s.cfg.Retry.TTL / time.Millisecond),
			"x-dead-letter-exchange":    backToMainExchange,
			"x-dead-letter-routing-key": backToMainRoutingKey,
		}
		t.Queues = append(t.Queues, broker.QueueSpec{Name: s.cfg.Retry.QueueName, Durable: true, Args: args})
		if s.cfg.Retry.Exchange != nil {
			t.Bindings = append(t.Bindings, broker.BindingSpec{
				Queue: s.cfg.Retry.QueueName, Exchange: s.cfg.Retry.Exchange.Name, RoutingKey: mainDLXRoutingKey,
			})
		}
	}

	// step 3: main queue DLX.
	mainArgs := map[string]interface{}{}
	switch {
	case hasRetry:
		mainArgs["x-dead-letter-exchange"] = mainDLXExchange
		mainArgs["x-dead-letter-routing-key"] = mainDLXRoutingKey
	case s.cfg.DLQ.Exchange != nil:
		mainArgs["x-dead-letter-exchange"] = s.cfg.DLQ.Exchange.Name
		mainArgs["x-dead-letter-routing-key"] = s.cfg.DLQ.RoutingKey
	}

	// step 4: main queue + caller-supplied bindings.
	for _, b := range s.cfg.Queue.Bindings {
		t.Exchanges = append(t.Exchanges, b.Exchange)
	}
	t.Queues = append(t.Queues, broker.QueueSpec{Name: s.cfg.Queue.Name, Durable: s.cfg.Queue.Durable, Args: mainArgs})
	for _, b := range s.cfg.Queue.Bindings {
		t.Bindings = append(t.Bindings, broker.BindingSpec{
			Queue: s.cfg.Queue.Name, Exchange: b.Exchange.Name, RoutingKey: b.RoutingKey,
		})
	}

	return t
}

// resolveRetryDLXTarget implements the §4.5 step 2 resolution rule: when
// main-queue exchanges are configured, target the first one whose routing
// key is set (else the first exchange); otherwise target the default
// exchange with the main queue name as routing key.
func (s *Supervisor) resolveRetryDLXTarget() (exchange, routingKey string) {
	for _, b := range s.cfg.Queue.Bindings {
		if b.RoutingKey != "" {
			return b.Exchange.Name, b.RoutingKey
		}
	}
	if len(s.cfg.Queue.Bindings) > 0 {
		return s.cfg.Queue.Bindings[0].Exchange.Name, s.cfg.Queue.Bindings[0].RoutingKey
	}
	return "", s.cfg.Queue.Name
}

func (s *Supervisor) wrapDelivery() broker.DeliveryHandler {
	return func(ctx context.Context, d *broker.Delivery) error {
		s.processingCount.Add(1)
		defer s.processingCount.Add(-1)
		return s.proc.handle(ctx, d)
	}
}

// startMonitors launches the uptime, heartbeat, and (optional) idle-drain
// background loops on a child context whose cancel is kept for stopMonitors.
func (s *Supervisor) startMonitors(parent context.Context) {
	s.monitorsMu.Lock()
	defer s.monitorsMu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	s.cancelMon = cancel

	if s.cfg.MaxUptime > 0 {
		s.monitorsWG.Add(1)
		go s.runUptimeRotation(ctx)
	}
	s.monitorsWG.Add(1)
	go s.runHeartbeat(ctx)
	if s.cfg.ExitIfIdle {
		s.monitorsWG.Add(1)
		go s.runIdleDrain(ctx)
	}
}

func (s *Supervisor) stopMonitors() {
	s.monitorsMu.Lock()
	cancel := s.cancelMon
	s.cancelMon = nil
	s.monitorsMu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.monitorsWG.Wait()
}

func (s *Supervisor) runUptimeRotation(ctx context.Context) {
	defer s.monitorsWG.Done()
	timer := time.NewTimer(s.cfg.MaxUptime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		s.log.Info("consumer: max uptime reached, rotating connection")
		go s.Reconnect(context.Background())
	}
}

func (s *Supervisor) runHeartbeat(ctx context.Context) {
	defer s.monitorsWG.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.reconnecting.Load() {
				continue
			}
			if _, err := s.mq.CheckQueue(ctx, s.cfg.Queue.Name); err != nil {
				s.log.Warn("consumer: heartbeat failed, triggering reconnect", "error", err.Error())
				go s.Reconnect(context.Background())
			}
		}
	}
}

// runIdleDrain implements §4.5's idle-drain monitor: it sums message counts
// across main + retry queues plus in-flight deliveries, and calls Stop after
// maxIdleChecks consecutive empty observations.
func (s *Supervisor) runIdleDrain(ctx context.Context) {
	defer s.monitorsWG.Done()
	ticker := time.NewTicker(s.cfg.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.reconnecting.Load() {
				continue
			}
			total := s.processingCount.Load()
			if n, err := s.mq.CheckQueue(ctx, s.cfg.Queue.Name); err == nil {
				total += int64(n)
			}
			if s.cfg.Retry.QueueName != "" {
				if n, err := s.mq.CheckQueue(ctx, s.cfg.Retry.QueueName); err == nil {
					total += int64(n)
				}
			}
			if total == 0 {
				streak := s.idleStreak.Add(1)
				if int(streak) >= s.cfg.MaxIdleChecks {
					s.log.Info("consumer: idle for max checks, stopping")
					go s.Stop(context.Background())
					return
				}
			} else {
				s.idleStreak.Store(0)
			}
		}
	}
}

// Reconnect runs the single-flight reconnect protocol of §4.5: a second
// trigger while one is in progress is a no-op.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer s.reconnecting.Store(false)

	s.drainInProgress(ctx)
	s.stopMonitors()
	if err := s.mq.CancelAllConsumers(ctx); err != nil {
		s.log.Warn("consumer: cancel consumers during reconnect (tolerated)", "error", err.Error())
	}
	if err := s.mq.Disconnect(ctx); err != nil {
		s.log.Warn("consumer: disconnect during reconnect (tolerated)", "error", err.Error())
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.ReconnectDelay):
	}

	if err := s.Start(ctx); err != nil {
		s.log.Error("consumer: reconnect failed", "error", err.Error())
		return err
	}
	return nil
}

// Stop drains in-progress deliveries, stops monitors, cancels consumers, and
// disconnects the broker port. Calls after the first are no-ops;
// already-closed transports are tolerated.
func (s *Supervisor) Stop(ctx context.Context) error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}
	s.drainInProgress(ctx)
	s.stopMonitors()
	if err := s.mq.CancelAllConsumers(ctx); err != nil {
		s.log.Warn("consumer: cancel consumers during stop (tolerated)", "error", err.Error())
	}
	if err := s.mq.Disconnect(ctx); err != nil {
		return fmt.Errorf("consumer: disconnect: %w", err)
	}
	s.log.Info("consumer: stopped")
	return nil
}

func (s *Supervisor) drainInProgress(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for s.processingCount.Load() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
