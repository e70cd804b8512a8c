package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ibs-source/telemetry-pipeline/internal/config"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
)

// Declarer is the subset of *amqp.Channel used to assert topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

var _ Declarer = (*amqp.Channel)(nil)

// Exchange is a durable exchange declaration.
type Exchange struct {
	Name string
	Kind string
}

// Binding routes messages published on Exchange with Key to a queue.
type Binding struct {
	Exchange string
	Key      string
}

// Queue is a durable queue declaration with its bindings.
type Queue struct {
	Name     string
	Bindings []Binding
}

// Topology is the full set of exchanges and queues a component asserts on connect.
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
}

// Declare asserts every exchange, queue and binding. Declarations are
// idempotent, so it is safe to call after every reconnect.
func (t Topology) Declare(d Declarer) error {
	for _, ex := range t.Exchanges {
		if err := d.ExchangeDeclare(ex.Name, ex.Kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}
	for _, q := range t.Queues {
		if _, err := d.QueueDeclare(q.Name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
		for _, b := range q.Bindings {
			if err := d.QueueBind(q.Name, b.Key, b.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s/%s: %w", q.Name, b.Exchange, b.Key, err)
			}
		}
	}
	return nil
}

// PipelineTopology builds the exchanges and queues of the telemetry pipeline:
// the raw queue on the events exchange, one queue per record type on the data
// exchange and, when enabled, the catch-all dead-letter queue.
func PipelineTopology(cfg config.RabbitMQConfig) Topology {
	t := Topology{
		Exchanges: []Exchange{
			{Name: cfg.EventsExchange, Kind: amqp.ExchangeTopic},
			{Name: cfg.DataExchange, Kind: amqp.ExchangeTopic},
		},
		Queues: []Queue{
			{Name: cfg.RawQueue, Bindings: []Binding{{Exchange: cfg.EventsExchange, Key: message.RawRoutingKey}}},
		},
	}

	for _, typ := range message.KnownTypes {
		t.Queues = append(t.Queues, Queue{
			Name:     typ.Queue(),
			Bindings: []Binding{{Exchange: cfg.DataExchange, Key: typ.RoutingKey()}},
		})
	}

	if cfg.DeadLetterExchange != "" {
		t.Exchanges = append(t.Exchanges, Exchange{Name: cfg.DeadLetterExchange, Kind: amqp.ExchangeTopic})
		t.Queues = append(t.Queues, Queue{
			Name:     cfg.DeadLetterQueue,
			Bindings: []Binding{{Exchange: cfg.DeadLetterExchange, Key: "#"}},
		})
	}
	return t
}
