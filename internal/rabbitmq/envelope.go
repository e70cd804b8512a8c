package rabbitmq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ibs-source/telemetry-pipeline/internal/message"
)

// Headers carried by raw device messages on the events exchange.
const (
	HeaderTopic      = "topic"
	HeaderReceivedAt = "received_at"
	HeaderClientID   = "client_id"
	HeaderType       = "type"
)

const contentTypeJSON = "application/json"

// RawPublishing builds the persistent message carrying a device publish.
// The body is the device payload untouched.
func RawPublishing(raw message.Raw) amqp.Publishing {
	return amqp.Publishing{
		Headers: amqp.Table{
			HeaderTopic:      raw.Topic,
			HeaderReceivedAt: message.FormatTimestamp(raw.ReceivedAt),
			HeaderClientID:   raw.ClientID,
		},
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    raw.ReceivedAt,
		Body:         raw.Payload,
	}
}

// RawFromDelivery restores the device publish carried by d.
func RawFromDelivery(d amqp.Delivery) message.Raw {
	raw := message.Raw{Payload: d.Body}
	if !d.Timestamp.IsZero() {
		raw.ReceivedAt = d.Timestamp.UTC()
	}
	if v, ok := d.Headers[HeaderTopic].(string); ok {
		raw.Topic = v
	}
	if v, ok := d.Headers[HeaderClientID].(string); ok {
		raw.ClientID = v
	}
	if v, ok := d.Headers[HeaderReceivedAt].(string); ok {
		if t, err := message.ParseTimestamp(v); err == nil {
			raw.ReceivedAt = t
		}
	}
	return raw
}

// RecordPublishing builds the persistent message carrying a classified record.
func RecordPublishing(rec message.Record) (amqp.Publishing, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode %s record: %w", rec.Type, err)
	}
	return amqp.Publishing{
		Headers:      amqp.Table{HeaderType: string(rec.Type), HeaderTopic: rec.Topic},
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}, nil
}

// RecordFromDelivery decodes the classified record carried by d. A body that
// does not decode can never succeed and is reported as permanent.
func RecordFromDelivery(d amqp.Delivery) (message.Record, error) {
	var rec message.Record
	dec := json.NewDecoder(bytes.NewReader(d.Body))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return message.Record{}, Permanent(fmt.Errorf("decode record: %w", err))
	}
	if rec.Type == "" {
		return message.Record{}, Permanent(fmt.Errorf("decode record: missing type"))
	}
	return rec, nil
}
