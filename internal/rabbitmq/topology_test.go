package rabbitmq

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibs-source/telemetry-pipeline/internal/config"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
)

// fakeDeclarer records declarations the way a broker would: repeated
// declarations of the same name are no-ops.
type fakeDeclarer struct {
	exchanges map[string]string
	queues    map[string]bool
	bindings  map[string]bool
	calls     int
	failOn    string
}

func newFakeDeclarer() *fakeDeclarer {
	return &fakeDeclarer{
		exchanges: map[string]string{},
		queues:    map[string]bool{},
		bindings:  map[string]bool{},
	}
}

func (f *fakeDeclarer) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	f.calls++
	if name == f.failOn {
		return errors.New("access refused")
	}
	if !durable {
		return errors.New("exchange must be durable")
	}
	if existing, ok := f.exchanges[name]; ok && existing != kind {
		return errors.New("inequivalent arg 'type'")
	}
	f.exchanges[name] = kind
	return nil
}

func (f *fakeDeclarer) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.calls++
	if name == f.failOn {
		return amqp.Queue{}, errors.New("access refused")
	}
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	f.queues[name] = true
	return amqp.Queue{Name: name}, nil
}

func (f *fakeDeclarer) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.calls++
	if _, ok := f.exchanges[exchange]; !ok {
		return errors.New("no exchange " + exchange)
	}
	f.bindings[exchange+"|"+key+"|"+name] = true
	return nil
}

func TestPipelineTopology(t *testing.T) {
	cfg := config.RabbitMQConfig{
		EventsExchange:     "events",
		DataExchange:       "data",
		DeadLetterExchange: "dead-letter",
		RawQueue:           "raw-data-queue",
		DeadLetterQueue:    "dead-letter-queue",
	}

	d := newFakeDeclarer()
	require.NoError(t, PipelineTopology(cfg).Declare(d))

	assert.Equal(t, map[string]string{
		"events":      amqp.ExchangeTopic,
		"data":        amqp.ExchangeTopic,
		"dead-letter": amqp.ExchangeTopic,
	}, d.exchanges)

	for _, q := range []string{"raw-data-queue", "soil-data-queue", "weather-data-queue",
		"unknown-data-queue", "error-data-queue", "dead-letter-queue"} {
		assert.True(t, d.queues[q], "queue %s", q)
	}

	assert.True(t, d.bindings["events|device.data.raw|raw-data-queue"])
	assert.True(t, d.bindings["data|data.soil|soil-data-queue"])
	assert.True(t, d.bindings["data|data.error|error-data-queue"])
	assert.True(t, d.bindings["dead-letter|#|dead-letter-queue"])
}

func TestPipelineTopology_DeclareIsIdempotent(t *testing.T) {
	cfg := config.RabbitMQConfig{EventsExchange: "events", DataExchange: "data", RawQueue: "raw-data-queue"}
	topo := PipelineTopology(cfg)

	d := newFakeDeclarer()
	require.NoError(t, topo.Declare(d))
	first := len(d.queues) + len(d.exchanges) + len(d.bindings)

	require.NoError(t, topo.Declare(d))
	assert.Equal(t, first, len(d.queues)+len(d.exchanges)+len(d.bindings))
}

func TestPipelineTopology_NoDeadLetter(t *testing.T) {
	cfg := config.RabbitMQConfig{EventsExchange: "events", DataExchange: "data", RawQueue: "raw-data-queue"}
	topo := PipelineTopology(cfg)

	d := newFakeDeclarer()
	require.NoError(t, topo.Declare(d))

	assert.NotContains(t, d.exchanges, "dead-letter")
	assert.Len(t, topo.Queues, 1+len(message.KnownTypes))
}

func TestPipelineTopology_EveryRecordTypeIsBound(t *testing.T) {
	cfg := config.RabbitMQConfig{EventsExchange: "events", DataExchange: "data", RawQueue: "raw-data-queue"}
	d := newFakeDeclarer()
	require.NoError(t, PipelineTopology(cfg).Declare(d))

	types := append([]message.Type{"co2", "humidity"}, message.KnownTypes...)
	for _, typ := range types {
		route := typ.Route()
		assert.True(t, d.bindings["data|"+route.RoutingKey()+"|"+route.Queue()], "no queue bound for %s records", typ)
	}
}

func TestTopologyDeclare_Error(t *testing.T) {
	cfg := config.RabbitMQConfig{EventsExchange: "events", DataExchange: "data", RawQueue: "raw-data-queue"}
	d := newFakeDeclarer()
	d.failOn = "soil-data-queue"

	err := PipelineTopology(cfg).Declare(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soil-data-queue")
}
