package rabbitmq

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/ibs-source/telemetry-pipeline/internal/log"
)

// Handler processes one delivery. A nil error acks it; any other error is
// settled by the consumer's retry policy.
type Handler func(ctx context.Context, d amqp.Delivery) error

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Queue          string
	Prefetch       int
	HandlerTimeout time.Duration
	ResubscribeGap time.Duration // Pause before resubscribing after a channel failure
}

// Consumer reads one queue on a dedicated channel with manual acks and
// resubscribes whenever the connection comes back.
type Consumer struct {
	conn    *Connection
	opts    ConsumerOptions
	handler Handler
	settler *Settler
	log     *log.Logger
}

var errDeliveriesClosed = errors.New("delivery channel closed")

// NewConsumer creates a Consumer on conn.
func NewConsumer(conn *Connection, opts ConsumerOptions, handler Handler, settler *Settler, logger *log.Logger) *Consumer {
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	if opts.ResubscribeGap <= 0 {
		opts.ResubscribeGap = time.Second
	}
	return &Consumer{conn: conn, opts: opts, handler: handler, settler: settler, log: logger}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := c.conn.WaitConnected(ctx); err != nil {
			return nil
		}

		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.WarnWithFields(logrus.Fields{"queue": c.opts.Queue, "error": err}, "Consumer interrupted, resubscribing")

		timer := time.NewTimer(c.opts.ResubscribeGap)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(
		c.opts.Queue,
		"",    // consumer
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return err
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.log.InfoWithFields(logrus.Fields{"queue": c.opts.Queue, "prefetch": c.opts.Prefetch}, "Consuming")

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return amqpErr
			}
			return errDeliveriesClosed
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.process(ctx, d)
		}
	}
}

// process runs the handler and settles the delivery. A delivery that has
// started is finished even if ctx is cancelled meanwhile.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.HandlerTimeout)
	defer cancel()

	err := c.safeHandle(hctx, d)
	c.settler.Settle(hctx, d, err)
}

func (c *Consumer) safeHandle(ctx context.Context, d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.ErrorWithFields(logrus.Fields{"queue": c.opts.Queue, "panic": r}, "Handler panicked")
			err = Permanent(errors.New("handler panicked"))
		}
	}()
	return c.handler(ctx, d)
}
