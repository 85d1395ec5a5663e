// Package event defines the wire-level data model shared by the publisher
// and consumer pipelines: the EventMessage envelope and its lifecycle status.
package event

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle tag carried on an EventMessage. The publish-side
// set is {Pending, Published, Error}; the consume-side set is
// {Received, Processing, Done, Retry, Error}. Status advances monotonically
// within each side; Retry may recur but must never follow Done or Error.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusPublished  Status = "PUBLISHED"
	StatusReceived   Status = "RECEIVED"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusRetry      Status = "RETRY"
	StatusError      Status = "ERROR"
)

// Header keys the processor and DLQ helper read or write on the AMQP
// properties table. These mirror the wire conventions in §6 of the spec.
const (
	HeaderMessageID       = "x-message-id"
	HeaderEventType       = "x-event-type"
	HeaderDeath           = "x-death"
	HeaderOriginalError   = "x-original-error"
	HeaderFailedAttempts  = "x-failed-attempts"
	HeaderErrorMessage    = "x-error-message"
	HeaderErrorName       = "x-error-name"
	HeaderErrorStack      = "x-error-stack"
	HeaderDeathCount      = "x-death-count"
	HeaderOriginalQueue   = "x-original-queue"
	HeaderDeathReason     = "x-death-reason"
	HeaderDeathTime       = "x-death-time"
	HeaderFirstDeathExch  = "x-first-death-exchange"
	HeaderFirstDeathQueue = "x-first-death-queue"
	HeaderFirstDeathRKey  = "x-first-death-routing-key"
)

// DeathReason values written to HeaderDeathReason by the DLQ helper.
const (
	DeathReasonRejected = "rejected"
	DeathReasonExpired  = "expired"
)

// Properties carries AMQP transport metadata alongside the payload.
// Headers holds arbitrary application and broker-maintained metadata
// (including the x-death array the processor reads as attempt history).
type Properties struct {
	ContentType   string
	DeliveryMode  uint8
	Timestamp     time.Time
	CorrelationID string
	Headers       map[string]interface{}
}

// Message is the unit of transport: the EventMessage of the spec.
// MessageID is the identity under which the store deduplicates; it must be
// stable and caller-supplied, unique across retries of the same logical
// event. Payload is opaque application data, JSON-serializable.
type Message struct {
	MessageID  string
	Type       string
	Payload    json.RawMessage
	RoutingKey string
	Status     Status
	Properties Properties
}

// Clone returns a deep-enough copy safe to mutate independently (headers map
// is copied). Used before enriching a message with DLQ failure metadata so
// the original delivery's headers are left untouched.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Properties.Headers != nil {
		hdrs := make(map[string]interface{}, len(m.Properties.Headers))
		for k, v := range m.Properties.Headers {
			hdrs[k] = v
		}
		cp.Properties.Headers = hdrs
	}
	if m.Payload != nil {
		payload := make(json.RawMessage, len(m.Payload))
		copy(payload, m.Payload)
		cp.Payload = payload
	}
	return &cp
}

// DeathCount reads the attempt count the broker has accumulated by bouncing
// this message between the main queue and the retry queue
// (x-death[0].count). Absence of the header means this is the first attempt.
func (m *Message) DeathCount() int {
	if m == nil || m.Properties.Headers == nil {
		return 0
	}
	raw, ok := m.Properties.Headers[HeaderDeath]
	if !ok {
		return 0
	}
	entries, ok := raw.([]interface{})
	if !ok || len(entries) == 0 {
		return 0
	}
	entry, ok := entries[0].(map[string]interface{})
	if !ok {
		return 0
	}
	return toInt(entry["count"])
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
