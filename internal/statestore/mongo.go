package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gemchat-go/internal/keypool"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoCollection      = "key_state"
	mongoProbeCollection = "probe_history"
)

// mongoKeyState is the per-key document shape. One document per
// fingerprint; saving prunes documents whose key left the pool.
type mongoKeyState struct {
	Fingerprint       string     `bson:"fingerprint"`
	State             string     `bson:"state"`
	CooldownUntil     *time.Time `bson:"cooldown_until,omitempty"`
	ConsecutiveErrors int        `bson:"consecutive_errors"`
	SuccessCount      int64      `bson:"success_count"`
	ErrorCount        int64      `bson:"error_count"`
	LastError         string     `bson:"last_error,omitempty"`
	AvgResponseMs     float64    `bson:"avg_response_ms"`
	LastUsed          *time.Time `bson:"last_used,omitempty"`
	UpdatedAt         time.Time  `bson:"updated_at"`
}

// mongoProbeDoc holds the last probe run as an opaque JSON blob under
// a fixed id, so only the newest run is kept.
type mongoProbeDoc struct {
	ID      string    `bson:"_id"`
	SavedAt time.Time `bson:"saved_at"`
	Data    []byte    `bson:"data"`
}

// MongoStore persists key state in a MongoDB collection.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	probes     *mongo.Collection
	uri        string
	dbName     string
}

// NewMongoStore creates a MongoDB-backed store. The connection is not
// established until Initialize.
func NewMongoStore(uri, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "gemchat"
	}
	return &MongoStore{uri: uri, dbName: dbName}
}

func (m *MongoStore) Initialize(ctx context.Context) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	clientOptions := options.Client().ApplyURI(m.uri)
	clientOptions.SetMaxPoolSize(10)
	clientOptions.SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping MongoDB: %w", err)
	}

	m.client = client
	m.collection = client.Database(m.dbName).Collection(mongoCollection)
	m.probes = client.Database(m.dbName).Collection(mongoProbeCollection)

	_, err = m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "fingerprint", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create fingerprint index: %w", err)
	}
	return nil
}

func (m *MongoStore) Close() error {
	if m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) Health(ctx context.Context) error {
	if m.client == nil {
		return fmt.Errorf("mongodb store not initialized")
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

func (m *MongoStore) SaveKeyState(ctx context.Context, snaps []keypool.KeySnapshot) error {
	if m.collection == nil {
		return fmt.Errorf("mongodb store not initialized")
	}
	ctx, cancel := opContext(ctx)
	defer cancel()

	now := time.Now().UTC()
	fingerprints := make([]string, 0, len(snaps))
	for _, s := range snaps {
		fingerprints = append(fingerprints, s.Fingerprint)
		doc := mongoKeyState{
			Fingerprint:       s.Fingerprint,
			State:             s.State,
			CooldownUntil:     s.CooldownUntil,
			ConsecutiveErrors: s.ConsecutiveErrors,
			SuccessCount:      s.SuccessCount,
			ErrorCount:        s.ErrorCount,
			LastError:         s.LastError,
			AvgResponseMs:     s.AvgResponseMs,
			LastUsed:          s.LastUsed,
			UpdatedAt:         now,
		}
		_, err := m.collection.ReplaceOne(ctx,
			bson.M{"fingerprint": s.Fingerprint},
			doc,
			options.Replace().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("upsert key state %s: %w", s.Fingerprint, err)
		}
	}

	// Drop documents for keys that left the pool.
	filter := bson.M{"fingerprint": bson.M{"$nin": fingerprints}}
	if len(fingerprints) == 0 {
		filter = bson.M{}
	}
	if _, err := m.collection.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("prune key state: %w", err)
	}
	return nil
}

func (m *MongoStore) LoadKeyState(ctx context.Context) ([]keypool.KeySnapshot, error) {
	if m.collection == nil {
		return nil, fmt.Errorf("mongodb store not initialized")
	}
	ctx, cancel := opContext(ctx)
	defer cancel()

	cursor, err := m.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find key state: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoKeyState
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode key state: %w", err)
	}
	if len(docs) == 0 {
		return nil, &ErrNotFound{Key: mongoCollection}
	}

	snaps := make([]keypool.KeySnapshot, 0, len(docs))
	for _, d := range docs {
		snaps = append(snaps, keypool.KeySnapshot{
			Fingerprint:       d.Fingerprint,
			State:             d.State,
			CooldownUntil:     d.CooldownUntil,
			ConsecutiveErrors: d.ConsecutiveErrors,
			SuccessCount:      d.SuccessCount,
			ErrorCount:        d.ErrorCount,
			LastError:         d.LastError,
			AvgResponseMs:     d.AvgResponseMs,
			LastUsed:          d.LastUsed,
		})
	}
	return snaps, nil
}

func (m *MongoStore) SaveProbeRun(ctx context.Context, run *keypool.ProbeRun) error {
	if m.probes == nil {
		return fmt.Errorf("mongodb store not initialized")
	}
	ctx, cancel := opContext(ctx)
	defer cancel()

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode probe run: %w", err)
	}
	doc := mongoProbeDoc{ID: "last", SavedAt: time.Now().UTC(), Data: data}
	_, err = m.probes.ReplaceOne(ctx,
		bson.M{"_id": "last"},
		doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert probe run: %w", err)
	}
	return nil
}

func (m *MongoStore) LoadProbeRun(ctx context.Context) (*keypool.ProbeRun, error) {
	if m.probes == nil {
		return nil, fmt.Errorf("mongodb store not initialized")
	}
	ctx, cancel := opContext(ctx)
	defer cancel()

	var doc mongoProbeDoc
	err := m.probes.FindOne(ctx, bson.M{"_id": "last"}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, &ErrNotFound{Key: mongoProbeCollection}
		}
		return nil, fmt.Errorf("find probe run: %w", err)
	}
	var run keypool.ProbeRun
	if err := json.Unmarshal(doc.Data, &run); err != nil {
		return nil, fmt.Errorf("decode probe run: %w", err)
	}
	return &run, nil
}
