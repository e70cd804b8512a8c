package rabbitmq

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibs-source/telemetry-pipeline/internal/message"
)

func TestRawEnvelope(t *testing.T) {
	raw := message.Raw{
		Topic:      "device/weather/w1",
		Payload:    []byte(`{"humidity":60}`),
		ReceivedAt: time.Date(2024, 5, 1, 10, 0, 0, 250e6, time.UTC),
		ClientID:   "station-1",
	}
	p := RawPublishing(raw)
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.NotEmpty(t, p.MessageId)

	got := RawFromDelivery(amqp.Delivery{Headers: p.Headers, Body: p.Body, Timestamp: p.Timestamp})
	assert.Equal(t, raw.Topic, got.Topic)
	assert.Equal(t, raw.ClientID, got.ClientID)
	assert.Equal(t, raw.Payload, got.Payload)
	assert.True(t, raw.ReceivedAt.Equal(got.ReceivedAt))
}

func TestRawFromDelivery_NoHeaders(t *testing.T) {
	got := RawFromDelivery(amqp.Delivery{Body: []byte("x")})
	assert.Empty(t, got.Topic)
	assert.True(t, got.ReceivedAt.IsZero())
}

func TestRecordEnvelope(t *testing.T) {
	rec := message.Record{
		Type:      message.TypeUnknown,
		Parsed:    true,
		SensorID:  "x1",
		Timestamp: "2024-05-01T10:00:00.000Z",
		Value:     map[string]interface{}{"foo": json.Number("1"), "big": json.Number("12345678901234567890"), "huge": json.Number("1e400")},
	}
	p, err := RecordPublishing(rec)
	require.NoError(t, err)
	assert.Equal(t, "unknown", p.Headers[HeaderType])

	got, err := RecordFromDelivery(amqp.Delivery{Body: p.Body})
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestRecordFromDelivery_Permanent(t *testing.T) {
	_, err := RecordFromDelivery(amqp.Delivery{Body: []byte("not-json")})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	_, err = RecordFromDelivery(amqp.Delivery{Body: []byte(`{"sensorId":"s1"}`)})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
