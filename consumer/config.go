package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/resilientmq/resilientmq/broker"
	"github.com/resilientmq/resilientmq/event"
	"github.com/resilientmq/resilientmq/logging"
	"github.com/resilientmq/resilientmq/metrics"
	"github.com/resilientmq/resilientmq/middleware"
	"github.com/resilientmq/resilientmq/store"
)

// QueueConfig describes the main consume queue and the exchanges it binds to.
type QueueConfig struct {
	Name     string
	Durable  bool
	Bindings []ExchangeBinding
}

// ExchangeBinding binds the main queue to exchange with routing key.
type ExchangeBinding struct {
	Exchange   broker.ExchangeSpec
	RoutingKey string
}

// RetryConfig describes the retry-queue TTL hold and max attempt budget.
// A zero value means no retry queue: a failing handler dead-letters straight
// to the DLQ (or is lost) on its first failure, per the no-retry fall-through
// property.
type RetryConfig struct {
	QueueName   string
	Exchange    *broker.ExchangeSpec
	TTL         time.Duration // default 5s when QueueName is set and TTL is 0
	MaxAttempts int           // default 3
}

// DLQConfig names the terminal dead-letter destination.
type DLQConfig struct {
	QueueName  string
	Exchange   *broker.ExchangeSpec
	RoutingKey string
}

// EventHandler processes one decoded message of a given type.
type EventHandler func(ctx context.Context, msg *event.Message) error

// HandlerEntry binds a handler to the event type it serves.
type HandlerEntry struct {
	Type    string
	Handler EventHandler
}

// Control is the decision a Hooks.OnEventStart returns, replacing the
// mutable control-object pattern with a returned value (§9 design note).
type Control struct {
	Skip bool
}

// Hooks are the lifecycle callbacks the processor fires around dispatch.
type Hooks struct {
	OnEventStart func(ctx context.Context, msg *event.Message) Control
	OnSuccess    func(ctx context.Context, msg *event.Message)
	OnError      func(ctx context.Context, msg *event.Message, err error)
}

// Config is the full configuration surface for a Supervisor, matching §6.
type Config struct {
	Queue    QueueConfig
	Retry    RetryConfig
	DLQ      DLQConfig
	Prefetch int // default 1

	Handlers            []HandlerEntry
	IgnoreUnknownEvents bool
	Middleware          []middleware.Middleware
	Hooks               Hooks

	Store store.EventStore // optional

	MaxUptime                 time.Duration // 0 disables uptime rotation
	ReconnectDelay            time.Duration // default 10s
	HeartbeatInterval         time.Duration // default 30s
	ExitIfIdle                bool
	IdleCheckInterval         time.Duration // default 10s
	MaxIdleChecks             int           // default 3
	StoreConnectionRetries    int           // default 3
	StoreConnectionRetryDelay time.Duration // default 1s

	Logger  logging.Logger
	Metrics metrics.Sink
}

func (c *Config) applyDefaults() {
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	if c.Retry.QueueName != "" {
		if c.Retry.TTL <= 0 {
			c.Retry.TTL = 5 * time.Second
		}
		if c.Retry.MaxAttempts <= 0 {
			c.Retry.MaxAttempts = 3
		}
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = 10 * time.Second
	}
	if c.MaxIdleChecks <= 0 {
		c.MaxIdleChecks = 3
	}
	if c.StoreConnectionRetries <= 0 {
		c.StoreConnectionRetries = 3
	}
	if c.StoreConnectionRetryDelay <= 0 {
		c.StoreConnectionRetryDelay = time.Second
	}
}

// validate enforces the fail-fast configuration rules of §4.5.
func (c *Config) validate() error {
	if c.Queue.Name == "" {
		return fmt.Errorf("consumer: consume queue name is required")
	}
	if len(c.Handlers) == 0 {
		return fmt.Errorf("consumer: at least one handler must be registered")
	}
	return nil
}

func (c *Config) handler(eventType string) EventHandler {
	for _, h := range c.Handlers {
		if h.Type == eventType {
			return h.Handler
		}
	}
	return nil
}
