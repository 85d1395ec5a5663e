// Package memstore is an in-memory EventStore/PendingLister guarded by a
// mutex. It is the library's test double and serves callers who only need
// dedupe within a single process. There is no third-party in-memory KV
// library in the retrieval pack worth pulling in ahead of a guarded map —
// this adapter is intentionally standard-library only.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/resilientmq/resilientmq/event"
	"github.com/resilientmq/resilientmq/store"
)

// Store is a process-local EventStore keyed by MessageID.
type Store struct {
	mu     sync.Mutex
	events map[string]*event.Message
}

// New returns an empty Store.
func New() *Store {
	return &Store{events: make(map[string]*event.Message)}
}

var _ store.PendingLister = (*Store)(nil)

func (s *Store) SaveEvent(_ context.Context, msg *event.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[msg.MessageID]; exists {
		return store.ErrAlreadyExists
	}
	s.events[msg.MessageID] = msg.Clone()
	return nil
}

func (s *Store) UpdateEventStatus(_ context.Context, msg *event.Message, status event.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.events[msg.MessageID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Status = status
	return nil
}

func (s *Store) GetEvent(_ context.Context, msg *event.Message) (*event.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.events[msg.MessageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return existing.Clone(), nil
}

func (s *Store) DeleteEvent(_ context.Context, msg *event.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, msg.MessageID)
	return nil
}

func (s *Store) GetPendingEvents(_ context.Context, status event.Status) ([]*event.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*event.Message
	for _, e := range s.events {
		if e.Status == status {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Properties.Timestamp.Before(out[j].Properties.Timestamp)
	})
	return out, nil
}
