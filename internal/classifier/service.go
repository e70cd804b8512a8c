package classifier

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
	"github.com/ibs-source/telemetry-pipeline/internal/metrics"
	"github.com/ibs-source/telemetry-pipeline/internal/rabbitmq"
)

// Service classifies raw deliveries and republishes them on the data exchange.
type Service struct {
	pub      rabbitmq.Publisher
	exchange string
	log      *log.Logger
	metrics  *metrics.Metrics
}

// NewService creates a classifier publishing records to exchange.
func NewService(pub rabbitmq.Publisher, exchange string, logger *log.Logger, m *metrics.Metrics) *Service {
	return &Service{pub: pub, exchange: exchange, log: logger, metrics: m}
}

// Handle is a rabbitmq.Handler. It returns nil only once the record has been
// confirmed by the data exchange, so the raw delivery is acked after that.
// Unparseable payloads produce an error record and are acked like any other.
func (s *Service) Handle(ctx context.Context, d amqp.Delivery) error {
	raw := rabbitmq.RawFromDelivery(d)
	rec, matched := classify(raw)

	fields := logrus.Fields{"topic": raw.Topic, "type": rec.Type, "sensor": rec.SensorID, "rule": matched}
	if rec.Type == message.TypeError {
		fields["payload_bytes"] = len(raw.Payload)
		s.log.WarnWithFields(fields, "Unparseable device payload, emitting error record")
	}

	pub, err := rabbitmq.RecordPublishing(rec)
	if err != nil {
		return rabbitmq.Permanent(err)
	}
	if err := s.pub.Publish(ctx, s.exchange, rec.Type.Route().RoutingKey(), pub); err != nil {
		return fmt.Errorf("publish %s record: %w", rec.Type, err)
	}

	s.metrics.Classified(rec.Type)
	s.log.DebugWithFields(fields, "Classified device message")
	return nil
}
