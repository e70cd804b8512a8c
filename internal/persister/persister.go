// Package persister writes classified records from a typed queue to the
// document store and prunes documents past the retention window.
package persister

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
	"github.com/ibs-source/telemetry-pipeline/internal/metrics"
	"github.com/ibs-source/telemetry-pipeline/internal/rabbitmq"
	"github.com/ibs-source/telemetry-pipeline/internal/store"
)

// Service persists the records of one type
type Service struct {
	typ     message.Type
	store   store.Store
	log     *log.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a persistence consumer handler for typ.
func NewService(typ message.Type, s store.Store, logger *log.Logger, m *metrics.Metrics) *Service {
	return &Service{typ: typ, store: s, log: logger, metrics: m, now: time.Now}
}

// Handle is a rabbitmq.Handler. It returns nil only after the document has
// been written. Records that cannot be decoded or mapped fail permanently.
func (s *Service) Handle(ctx context.Context, d amqp.Delivery) error {
	rec, err := rabbitmq.RecordFromDelivery(d)
	if err != nil {
		return err
	}
	if rec.Type.Route() != s.typ {
		s.log.WarnWithFields(logrus.Fields{"expected": s.typ, "got": rec.Type}, "Record type does not match queue, storing anyway")
	}

	doc, err := store.FromRecord(rec, s.now())
	if err != nil {
		return rabbitmq.Permanent(fmt.Errorf("map record: %w", err))
	}

	start := time.Now()
	id, err := s.store.Save(ctx, doc)
	if err != nil {
		return fmt.Errorf("save %s record: %w", s.typ, err)
	}

	s.metrics.Persisted(s.typ, time.Since(start))
	s.log.DebugWithFields(logrus.Fields{"id": id, "sensor": doc.SensorID}, "Stored %s record", s.typ)
	return nil
}
