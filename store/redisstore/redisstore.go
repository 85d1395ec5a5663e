// Package redisstore is a Redis-backed EventStore/PendingLister, grounded on
// stock/cache.go's Get/Set JSON-blob-per-key pattern, extended with a
// ZADD-backed sorted set (score = event timestamp) so GetPendingEvents
// returns ascending-timestamp order straight from ZRANGE instead of an
// in-process sort — the same ordering guarantee pgstore gets from
// "ORDER BY event_ts ASC".
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/resilientmq/resilientmq/event"
	"github.com/resilientmq/resilientmq/store"
)

// Store is an EventStore/PendingLister backed by a redis.UniversalClient.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New wraps an already-connected client. keyPrefix namespaces this store's
// keys (e.g. "resilientmq:") so it can share a Redis instance with other
// uses.
func New(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, prefix: keyPrefix}
}

var _ store.PendingLister = (*Store)(nil)

func (s *Store) PingStore(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) eventKey(id string) string {
	return s.prefix + "event:" + id
}

func (s *Store) pendingKey(status event.Status) string {
	return s.prefix + "pending:" + string(status)
}

func (s *Store) SaveEvent(ctx context.Context, msg *event.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redisstore: marshal: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.eventKey(msg.MessageID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrAlreadyExists
	}
	return s.indexPending(ctx, msg)
}

// indexPending adds msg to its status's sorted set, scored by timestamp, and
// is also called on status transitions so GetPendingEvents always reflects
// current status membership.
func (s *Store) indexPending(ctx context.Context, msg *event.Message) error {
	score := float64(msg.Properties.Timestamp.UnixNano())
	return s.client.ZAdd(ctx, s.pendingKey(msg.Status), redis.Z{Score: score, Member: msg.MessageID}).Err()
}

func (s *Store) UpdateEventStatus(ctx context.Context, msg *event.Message, status event.Status) error {
	existing, err := s.GetEvent(ctx, msg)
	if err != nil {
		return err
	}
	oldStatus := existing.Status
	existing.Status = status

	data, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("redisstore: marshal: %w", err)
	}
	if err := s.client.Set(ctx, s.eventKey(msg.MessageID), data, 0).Err(); err != nil {
		return err
	}
	if oldStatus != status {
		if err := s.client.ZRem(ctx, s.pendingKey(oldStatus), msg.MessageID).Err(); err != nil {
			return err
		}
		if err := s.indexPending(ctx, existing); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, msg *event.Message) (*event.Message, error) {
	data, err := s.client.Get(ctx, s.eventKey(msg.MessageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out event.Message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("redisstore: unmarshal: %w", err)
	}
	return &out, nil
}

func (s *Store) DeleteEvent(ctx context.Context, msg *event.Message) error {
	existing, err := s.GetEvent(ctx, msg)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.client.ZRem(ctx, s.pendingKey(existing.Status), msg.MessageID).Err(); err != nil {
		return err
	}
	return s.client.Del(ctx, s.eventKey(msg.MessageID)).Err()
}

func (s *Store) GetPendingEvents(ctx context.Context, status event.Status) ([]*event.Message, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(status), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*event.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := s.GetEvent(ctx, &event.Message{MessageID: id})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}
