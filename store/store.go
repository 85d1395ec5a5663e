// Package store declares the Store Port: the abstract contract for event
// persistence the core depends on but never implements itself. Reference
// adapters live in sibling packages (memstore, pgstore, mongostore,
// redisstore); the core only ever imports this package.
package store

import (
	"context"
	"errors"

	"github.com/resilientmq/resilientmq/event"
)

// ErrNotFound is returned by GetEvent when no event matches the message's
// MessageID. Adapters should return this, not a driver-specific not-found
// error, so the core can compare with errors.Is.
var ErrNotFound = errors.New("store: event not found")

// ErrAlreadyExists is returned by SaveEvent when MessageID already has a
// row. SaveEvent failing on a duplicate insert is an implementation choice
// the spec leaves open (§4.2); this module takes it, since it is what lets
// the processor and publisher use "insert failed" as a second line of
// defense against duplicates beyond the GetEvent check.
var ErrAlreadyExists = errors.New("store: event already exists")

// EventStore is the base contract every publisher and consumer pipeline
// needs: persist, transition, look up, and remove an event by MessageID.
type EventStore interface {
	SaveEvent(ctx context.Context, msg *event.Message) error
	UpdateEventStatus(ctx context.Context, msg *event.Message, status event.Status) error
	// GetEvent returns ErrNotFound if no row matches msg.MessageID.
	GetEvent(ctx context.Context, msg *event.Message) (*event.Message, error)
	DeleteEvent(ctx context.Context, msg *event.Message) error
}

// PendingLister is the narrower, typed capability the spec's design notes
// (§9) ask for in place of a runtime duck-typing check: only a store that
// can list by status supports deferred-mode publishing and the pending
// scanner. Embedding EventStore means any PendingLister is usable anywhere
// an EventStore is required, but not vice versa.
type PendingLister interface {
	EventStore
	GetPendingEvents(ctx context.Context, status event.Status) ([]*event.Message, error)
}

// Probe is implemented by adapters that can cheaply verify reachability. It
// is used by consumer.Supervisor and publisher.Publisher at startup and
// before first use, per §4.2's probe-sequence requirement. Adapters that
// don't implement Probe are probed with a GetEvent against a sentinel
// MessageID instead (see ProbeReachable).
type Probe interface {
	PingStore(ctx context.Context) error
}
