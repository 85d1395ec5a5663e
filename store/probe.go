package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/resilientmq/resilientmq/event"
)

// sentinelMessageID is the identity used for the synthetic reachability
// probe (§4.2): a GetEvent against this id is expected to return
// ErrNotFound (store reachable, no such row) rather than a connectivity
// error.
const sentinelMessageID = "resilientmq-probe-sentinel"

// ProbeReachable confirms s is reachable, retrying up to retries times with
// a fixed delay between attempts, per §4.2. It returns the last error once
// retries are exhausted.
func ProbeReachable(ctx context.Context, s EventStore, retries int, delay time.Duration) error {
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := probeOnce(ctx, s); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("store unreachable after %d attempts: %w", retries, lastErr)
}

func probeOnce(ctx context.Context, s EventStore) error {
	if p, ok := s.(Probe); ok {
		return p.PingStore(ctx)
	}
	_, err := s.GetEvent(ctx, &event.Message{MessageID: sentinelMessageID})
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
