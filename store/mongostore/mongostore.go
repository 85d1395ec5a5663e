// Package mongostore is a MongoDB-backed EventStore/PendingLister, grounded
// on orders/store.go's InsertOne/UpdateOne/FindOne/Find usage — adapted from
// keying by a generated ObjectID to keying by the event's own MessageID,
// since the Store Port's identity is the caller-supplied MessageID, not a
// database-generated key.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/resilientmq/resilientmq/event"
	"github.com/resilientmq/resilientmq/store"
)

// Store is an EventStore/PendingLister backed by a single MongoDB
// collection, documents keyed by "message_id". The caller is expected to
// have created a unique index on message_id
// (collection.Indexes().CreateOne with Keys: bson.M{"message_id": 1},
// Options: options.Index().SetUnique(true)) so SaveEvent can reject
// duplicates the way ErrAlreadyExists promises.
type Store struct {
	collection *mongo.Collection
}

// New wraps an already-connected collection, e.g.
// client.Database("resilientmq").Collection("events").
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

var _ store.PendingLister = (*Store)(nil)

func (s *Store) PingStore(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, nil)
}

type doc struct {
	MessageID     string                 `bson:"message_id"`
	Type          string                 `bson:"type"`
	Payload       bson.Raw               `bson:"payload"`
	RoutingKey    string                 `bson:"routing_key"`
	Status        string                 `bson:"status"`
	ContentType   string                 `bson:"content_type"`
	DeliveryMode  uint8                  `bson:"delivery_mode"`
	CorrelationID string                 `bson:"correlation_id"`
	Headers       map[string]interface{} `bson:"headers,omitempty"`
	Timestamp     int64                  `bson:"timestamp_unix_nano"`
}

func toDoc(msg *event.Message) (doc, error) {
	var raw bson.Raw
	if len(msg.Payload) > 0 {
		var asMap bson.M
		if err := bson.UnmarshalExtJSON(msg.Payload, true, &asMap); err != nil {
			return doc{}, fmt.Errorf("mongostore: payload is not valid JSON: %w", err)
		}
		b, err := bson.Marshal(asMap)
		if err != nil {
			return doc{}, err
		}
		raw = b
	}
	return doc{
		MessageID:     msg.MessageID,
		Type:          msg.Type,
		Payload:       raw,
		RoutingKey:    msg.RoutingKey,
		Status:        string(msg.Status),
		ContentType:   msg.Properties.ContentType,
		DeliveryMode:  msg.Properties.DeliveryMode,
		CorrelationID: msg.Properties.CorrelationID,
		Headers:       msg.Properties.Headers,
		Timestamp:     msg.Properties.Timestamp.UnixNano(),
	}, nil
}

func (d doc) toMessage() (*event.Message, error) {
	var payload []byte
	if len(d.Payload) > 0 {
		j, err := bson.MarshalExtJSON(d.Payload, false, false)
		if err != nil {
			return nil, err
		}
		payload = j
	}
	return &event.Message{
		MessageID:  d.MessageID,
		Type:       d.Type,
		Payload:    payload,
		RoutingKey: d.RoutingKey,
		Status:     event.Status(d.Status),
		Properties: event.Properties{
			ContentType:   d.ContentType,
			DeliveryMode:  d.DeliveryMode,
			CorrelationID: d.CorrelationID,
			Headers:       d.Headers,
			Timestamp:     unixNanoToTime(d.Timestamp),
		},
	}, nil
}

func unixNanoToTime(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

func (s *Store) SaveEvent(ctx context.Context, msg *event.Message) error {
	d, err := toDoc(msg)
	if err != nil {
		return err
	}
	_, err = s.collection.InsertOne(ctx, d)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (s *Store) UpdateEventStatus(ctx context.Context, msg *event.Message, status event.Status) error {
	filter := bson.M{"message_id": msg.MessageID}
	res, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"status": string(status)}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, msg *event.Message) (*event.Message, error) {
	var d doc
	err := s.collection.FindOne(ctx, bson.M{"message_id": msg.MessageID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d.toMessage()
}

func (s *Store) DeleteEvent(ctx context.Context, msg *event.Message) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"message_id": msg.MessageID})
	return err
}

func (s *Store) GetPendingEvents(ctx context.Context, status event.Status) ([]*event.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp_unix_nano", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"status": string(status)}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*event.Message
	for cursor.Next(ctx) {
		var d doc
		if err := cursor.Decode(&d); err != nil {
			return nil, err
		}
		msg, err := d.toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, cursor.Err()
}
