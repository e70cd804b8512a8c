// Package mongo stores documents in MongoDB, one collection per record type.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ibs-source/telemetry-pipeline/internal/config"
	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
	"github.com/ibs-source/telemetry-pipeline/internal/store"
)

// document is the BSON shape of store.Document.
type document struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	SensorID  string             `bson:"sensorId"`
	Timestamp time.Time          `bson:"timestamp"`
	Value     interface{}        `bson:"value"`
	Location  message.Location   `bson:"location"`
	Topic     string             `bson:"topic,omitempty"`
	CreatedAt time.Time          `bson:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt"`
}

// Store is a store.Store backed by one MongoDB collection
type Store struct {
	client       *mongodrv.Client
	coll         *mongodrv.Collection
	writeTimeout time.Duration
	log          *log.Logger
}

var _ store.Store = (*Store)(nil)

// New connects to MongoDB and prepares the collection for typ.
func New(ctx context.Context, cfg *config.StoreConfig, typ message.Type, logger *log.Logger) (*Store, error) {
	opts := options.Client().
		ApplyURI(cfg.MongoURI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongodrv.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	s := &Store{
		client:       client,
		coll:         client.Database(cfg.MongoDatabase).Collection(typ.Collection()),
		writeTimeout: cfg.WriteTimeout,
		log:          logger,
	}

	index := mongodrv.IndexModel{Keys: bson.D{{Key: "sensorId", Value: 1}, {Key: "timestamp", Value: -1}}}
	if _, err := s.coll.Indexes().CreateOne(pingCtx, index); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create index on %s: %w", typ.Collection(), err)
	}

	logger.Info("Using MongoDB collection %s.%s", cfg.MongoDatabase, typ.Collection())
	return s, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.writeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.writeTimeout)
}

// Save inserts doc and returns its ObjectID in hex.
func (s *Store) Save(ctx context.Context, doc store.Document) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.coll.InsertOne(ctx, document{
		SensorID:  doc.SensorID,
		Timestamp: doc.Timestamp,
		Value:     bsonValue(doc.Value),
		Location:  doc.Location,
		Topic:     doc.Topic,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("insert into %s: %w", s.coll.Name(), err)
	}
	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("insert into %s: unexpected id %v", s.coll.Name(), res.InsertedID)
	}
	return id.Hex(), nil
}

// List returns documents newest first.
func (s *Store) List(ctx context.Context, q store.Query) ([]store.Document, error) {
	q = q.Normalize()
	filter := bson.M{}
	if q.SensorID != "" {
		filter["sensorId"] = q.SensorID
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(q.Offset)).
		SetLimit(int64(q.Limit))

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", s.coll.Name(), err)
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("read from %s: %w", s.coll.Name(), err)
	}

	out := make([]store.Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toStore())
	}
	return out, nil
}

// Get returns the document with the given hex id. Ids that are not
// ObjectIDs cannot exist and report store.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (store.Document, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return store.Document{}, store.ErrNotFound
	}

	var d document
	err = s.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&d)
	if errors.Is(err, mongodrv.ErrNoDocuments) {
		return store.Document{}, store.ErrNotFound
	}
	if err != nil {
		return store.Document{}, fmt.Errorf("find %s in %s: %w", id, s.coll.Name(), err)
	}
	return d.toStore(), nil
}

// Prune deletes documents older than before.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", s.coll.Name(), err)
	}
	return res.DeletedCount, nil
}

// Close disconnects from MongoDB
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (d document) toStore() store.Document {
	return store.Document{
		ID:        d.ID.Hex(),
		SensorID:  d.SensorID,
		Timestamp: d.Timestamp.UTC(),
		Value:     plain(d.Value),
		Location:  d.Location,
		Topic:     d.Topic,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

// plain converts decoded BSON containers to the JSON-shaped values records use.
func plain(v interface{}) interface{} {
	switch x := v.(type) {
	case primitive.M:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = plain(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = plain(e)
		}
		return out
	case primitive.A:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case int32:
		return int64(x)
	case primitive.Decimal128:
		return json.Number(x.String())
	default:
		return v
	}
}

// bsonValue converts json.Number leaves to the narrowest BSON number that
// holds them exactly. Integers past int64 and floats past float64 range are
// stored as Decimal128, and as their literal string if even that fails.
func bsonValue(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = bsonValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = bsonValue(e)
		}
		return out
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil && strings.ContainsAny(x.String(), ".eE") {
			return f
		}
		if d, err := primitive.ParseDecimal128(x.String()); err == nil {
			return d
		}
		return x.String()
	default:
		return v
	}
}
