package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/user/agentcore/internal/types"
)

const defaultEventsCollection = "session_events"

// MongoOptions configures MongoEventLog.
type MongoOptions struct {
	Client     *mongo.Client
	Database   string
	Collection string
}

// MongoEventLog stores session events as documents, one per event, with a
// unique (session_id, seq) index that preserves write order.
type MongoEventLog struct {
	coll  *mongo.Collection
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewMongoEventLog ensures the ordering index and returns the log.
func NewMongoEventLog(ctx context.Context, opts MongoOptions) (*MongoEventLog, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo database is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultEventsCollection
	}
	coll := opts.Client.Database(opts.Database).Collection(name)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create event index: %w", err)
	}
	return &MongoEventLog{coll: coll, locks: make(map[types.SessionID]*sync.Mutex)}, nil
}

// DialMongo connects and pings.
func DialMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

func (m *MongoEventLog) getLock(sessionID types.SessionID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lock, ok := m.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[sessionID] = lock
	return lock
}

// Append assigns the next sequence number and inserts the event.
func (m *MongoEventLog) Append(ctx context.Context, event *types.SessionEvent) error {
	if event.SessionID == "" {
		return fmt.Errorf("append %s: session id is required", event.Type)
	}
	if event.ID == "" {
		event.ID = types.NewEventID()
	}
	lock := m.getLock(event.SessionID)
	lock.Lock()
	defer lock.Unlock()

	var last types.SessionEvent
	err := m.coll.FindOne(ctx,
		bson.D{{Key: "session_id", Value: event.SessionID}},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}),
	).Decode(&last)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		event.Seq = 1
	case err != nil:
		return fmt.Errorf("read last event: %w", err)
	default:
		event.Seq = last.Seq + 1
		if event.ParentEventID == "" {
			event.ParentEventID = last.ID
		}
	}

	if _, err := m.coll.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ReadAll returns the session's events ordered by sequence number.
func (m *MongoEventLog) ReadAll(ctx context.Context, sessionID types.SessionID) ([]types.SessionEvent, error) {
	cur, err := m.coll.Find(ctx,
		bson.D{{Key: "session_id", Value: sessionID}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	var events []types.SessionEvent
	if err := cur.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return events, nil
}

// Count returns the number of events for the session.
func (m *MongoEventLog) Count(ctx context.Context, sessionID types.SessionID) (int64, error) {
	n, err := m.coll.CountDocuments(ctx, bson.D{{Key: "session_id", Value: sessionID}})
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
