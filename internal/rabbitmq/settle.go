package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
)

// Retry headers carried by republished and dead-lettered deliveries.
const (
	HeaderRetryCount         = "x-retry-count"
	HeaderDeathReason        = "x-death-reason"
	HeaderOriginalQueue      = "x-original-queue"
	HeaderOriginalExchange   = "x-original-exchange"
	HeaderOriginalRoutingKey = "x-original-routing-key"
)

// RetryPolicy bounds redelivery of failed messages.
type RetryPolicy struct {
	MaxAttempts        int    // Deliveries before dead-lettering
	DeadLetterExchange string // Empty drops exhausted deliveries
}

// Settler acknowledges deliveries from one queue according to a RetryPolicy.
// A failed delivery is republished to the tail of its own queue with an
// incremented retry count and the original acked; once the policy is exhausted
// (or the failure is permanent) it is published to the dead-letter exchange.
// If that republish fails the delivery is requeued so it is never lost.
type Settler struct {
	pub      Publisher
	queue    string
	policy   RetryPolicy
	log      *log.Logger
	onSettle func(message.Disposition)
}

// NewSettler creates a Settler for queue.
func NewSettler(pub Publisher, queue string, policy RetryPolicy, logger *log.Logger, onSettle func(message.Disposition)) *Settler {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Settler{pub: pub, queue: queue, policy: policy, log: logger, onSettle: onSettle}
}

// Settle applies the outcome of handling d and returns the final disposition.
func (s *Settler) Settle(ctx context.Context, d amqp.Delivery, herr error) message.Disposition {
	disp := s.settle(ctx, d, herr)
	if s.onSettle != nil {
		s.onSettle(disp)
	}
	return disp
}

func (s *Settler) settle(ctx context.Context, d amqp.Delivery, herr error) message.Disposition {
	if herr == nil {
		if err := d.Ack(false); err != nil {
			s.log.WarnWithFields(logrus.Fields{"queue": s.queue, "error": err}, "Ack failed")
		}
		return message.Acked
	}

	attempt := RetryCount(d.Headers) + 1
	fields := logrus.Fields{"queue": s.queue, "attempt": attempt, "message_id": d.MessageId, "error": herr}

	if IsPermanent(herr) || attempt >= s.policy.MaxAttempts {
		return s.deadLetter(ctx, d, herr, fields)
	}

	if err := s.pub.Publish(ctx, "", s.queue, s.retryPublishing(d, attempt)); err != nil {
		fields["republish_error"] = err
		s.log.ErrorWithFields(fields, "Retry republish failed, requeueing delivery")
		s.nack(d, true)
		return message.Requeued
	}
	if err := d.Ack(false); err != nil {
		s.log.WarnWithFields(fields, "Ack after retry republish failed: %v", err)
	}
	s.log.WarnWithFields(fields, "Delivery failed, scheduled for retry")
	return message.Requeued
}

func (s *Settler) deadLetter(ctx context.Context, d amqp.Delivery, herr error, fields logrus.Fields) message.Disposition {
	if s.policy.DeadLetterExchange == "" {
		s.log.ErrorWithFields(fields, "Delivery failed permanently, dropping")
		s.nack(d, false)
		return message.Dropped
	}

	if err := s.pub.Publish(ctx, s.policy.DeadLetterExchange, originalRoutingKey(d), s.deadLetterPublishing(d, herr)); err != nil {
		fields["dead_letter_error"] = err
		s.log.ErrorWithFields(fields, "Dead-letter publish failed, requeueing delivery")
		s.nack(d, true)
		return message.Requeued
	}
	if err := d.Ack(false); err != nil {
		s.log.WarnWithFields(fields, "Ack after dead-letter failed: %v", err)
	}
	s.log.ErrorWithFields(fields, "Delivery dead-lettered")
	return message.DeadLettered
}

func (s *Settler) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		s.log.WarnWithFields(logrus.Fields{"queue": s.queue, "error": err}, "Nack failed")
	}
}

func (s *Settler) retryPublishing(d amqp.Delivery, attempt int) amqp.Publishing {
	p := publishingFrom(d)
	p.Headers[HeaderRetryCount] = int32(attempt) // #nosec G115 - bounded by MaxAttempts
	if _, ok := p.Headers[HeaderOriginalRoutingKey]; !ok {
		p.Headers[HeaderOriginalRoutingKey] = d.RoutingKey
		p.Headers[HeaderOriginalExchange] = d.Exchange
	}
	return p
}

func (s *Settler) deadLetterPublishing(d amqp.Delivery, herr error) amqp.Publishing {
	p := publishingFrom(d)
	p.Headers[HeaderDeathReason] = herr.Error()
	p.Headers[HeaderOriginalQueue] = s.queue
	if _, ok := p.Headers[HeaderOriginalRoutingKey]; !ok {
		p.Headers[HeaderOriginalRoutingKey] = d.RoutingKey
		p.Headers[HeaderOriginalExchange] = d.Exchange
	}
	return p
}

// publishingFrom copies a delivery into a persistent publishing with its own header table.
func publishingFrom(d amqp.Delivery) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		CorrelationId:   d.CorrelationId,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}

// originalRoutingKey returns the key the message was first published with.
func originalRoutingKey(d amqp.Delivery) string {
	if v, ok := d.Headers[HeaderOriginalRoutingKey].(string); ok && v != "" {
		return v
	}
	return d.RoutingKey
}

// RetryCount reads the x-retry-count header. Missing or malformed values count as zero.
func RetryCount(headers amqp.Table) int {
	switch v := headers[HeaderRetryCount].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
