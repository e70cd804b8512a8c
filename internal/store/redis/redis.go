// Package redis stores documents in Redis: one JSON string per document and
// sorted sets by timestamp for listing.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ibs-source/telemetry-pipeline/internal/config"
	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
	"github.com/ibs-source/telemetry-pipeline/internal/store"
)

// Store is a store.Store backed by Redis
type Store struct {
	rdb    *goredis.Client
	prefix string // {prefix}:{type}
	log    *log.Logger
}

var _ store.Store = (*Store)(nil)

// New creates a Redis client for typ and checks the connection
func New(ctx context.Context, cfg *config.StoreConfig, typ message.Type, logger *log.Logger) (*Store, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.RedisAddress,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.WriteTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Using Redis %s with prefix %s:%s", cfg.RedisAddress, cfg.RedisPrefix, typ)
	return &Store{
		rdb:    rdb,
		prefix: cfg.RedisPrefix + ":" + string(typ),
		log:    logger,
	}, nil
}

func (s *Store) docKey(id string) string {
	return s.prefix + ":doc:" + id
}

func (s *Store) indexKey() string {
	return s.prefix + ":idx"
}

func (s *Store) sensorKey(sensorID string) string {
	return s.prefix + ":sensor:" + sensorID + ":idx"
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Save stores doc under a new UUID and indexes it by timestamp.
func (s *Store) Save(ctx context.Context, doc store.Document) (string, error) {
	doc.ID = uuid.NewString()
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}

	z := goredis.Z{Score: score(doc.Timestamp), Member: doc.ID}
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(doc.ID), body, 0)
		pipe.ZAdd(ctx, s.indexKey(), z)
		pipe.ZAdd(ctx, s.sensorKey(doc.SensorID), z)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("save document: %w", err)
	}
	return doc.ID, nil
}

// List returns documents newest first.
func (s *Store) List(ctx context.Context, q store.Query) ([]store.Document, error) {
	q = q.Normalize()
	key := s.indexKey()
	if q.SensorID != "" {
		key = s.sensorKey(q.SensorID)
	}

	start := int64(q.Offset)
	ids, err := s.rdb.ZRevRange(ctx, key, start, start+int64(q.Limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	return s.load(ctx, ids)
}

// load fetches documents by id, skipping ids whose document is gone.
func (s *Store) load(ctx context.Context, ids []string) ([]store.Document, error) {
	docs := make([]store.Document, 0, len(ids))
	if len(ids) == 0 {
		return docs, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			s.log.Debug("Index entry %s has no document", ids[i])
			continue
		}
		var doc store.Document
		if err := json.Unmarshal([]byte(str), &doc); err != nil {
			s.log.Warn("Skipping undecodable document %s: %v", ids[i], err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Get returns the document with id
func (s *Store) Get(ctx context.Context, id string) (store.Document, error) {
	body, err := s.rdb.Get(ctx, s.docKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return store.Document{}, store.ErrNotFound
	}
	if err != nil {
		return store.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}

	var doc store.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return store.Document{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	return doc, nil
}

// Prune deletes documents older than before and their index entries.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("find expired documents: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	docs, err := s.load(ctx, ids)
	if err != nil {
		return 0, err
	}
	sensors := make(map[string]string, len(docs))
	for _, d := range docs {
		sensors[d.ID] = d.SensorID
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.docKey(id))
			pipe.ZRem(ctx, s.indexKey(), id)
			if sensor, ok := sensors[id]; ok {
				pipe.ZRem(ctx, s.sensorKey(sensor), id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune documents: %w", err)
	}
	return int64(len(ids)), nil
}

// Close closes the Redis client connection
func (s *Store) Close() error {
	if s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}
