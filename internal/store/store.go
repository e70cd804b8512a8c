// Package store defines the document store the persistence consumers write
// classified records to and the query API reads them from.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ibs-source/telemetry-pipeline/internal/message"
)

// ErrNotFound is returned by Get when no document has the requested id.
var ErrNotFound = errors.New("document not found")

// Query limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Document is one stored reading.
type Document struct {
	ID        string           `json:"_id"`
	SensorID  string           `json:"sensorId"`
	Timestamp time.Time        `json:"timestamp"`
	Value     interface{}      `json:"value"`
	Location  message.Location `json:"location"`
	Topic     string           `json:"topic,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// MarshalJSON renders timestamps the way records carry them.
func (d Document) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID        string           `json:"_id"`
		SensorID  string           `json:"sensorId"`
		Timestamp string           `json:"timestamp"`
		Value     interface{}      `json:"value"`
		Location  message.Location `json:"location"`
		Topic     string           `json:"topic,omitempty"`
		CreatedAt string           `json:"createdAt"`
		UpdatedAt string           `json:"updatedAt"`
	}
	return json.Marshal(wire{
		ID:        d.ID,
		SensorID:  d.SensorID,
		Timestamp: message.FormatTimestamp(d.Timestamp),
		Value:     d.Value,
		Location:  d.Location,
		Topic:     d.Topic,
		CreatedAt: message.FormatTimestamp(d.CreatedAt),
		UpdatedAt: message.FormatTimestamp(d.UpdatedAt),
	})
}

// FromRecord maps a classified record to a new document stamped with now.
func FromRecord(rec message.Record, now time.Time) (Document, error) {
	ts, err := message.ParseTimestamp(rec.Timestamp)
	if err != nil {
		return Document{}, err
	}
	now = now.UTC().Truncate(time.Millisecond)
	return Document{
		SensorID:  rec.SensorID,
		Timestamp: ts,
		Value:     rec.Value,
		Location:  rec.Location,
		Topic:     rec.Topic,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Query selects documents newest first by timestamp.
type Query struct {
	SensorID string // Empty matches every sensor
	Limit    int
	Offset   int
}

// Normalize applies the default and maximum limit.
func (q Query) Normalize() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Store persists documents of one record type.
type Store interface {
	Save(ctx context.Context, doc Document) (string, error)
	List(ctx context.Context, q Query) ([]Document, error)
	Get(ctx context.Context, id string) (Document, error)
	// Prune deletes documents whose timestamp is before cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
