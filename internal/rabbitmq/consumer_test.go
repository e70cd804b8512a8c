package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
)

func newTestConsumer(handler Handler, pub Publisher, dispositions *[]message.Disposition) *Consumer {
	settler := NewSettler(pub, "raw-data-queue", RetryPolicy{MaxAttempts: 5, DeadLetterExchange: "dead-letter"},
		log.NewNop(), func(d message.Disposition) { *dispositions = append(*dispositions, d) })
	return NewConsumer(nil, ConsumerOptions{Queue: "raw-data-queue"}, handler, settler, log.NewNop())
}

func TestConsumerProcess(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
		want    message.Disposition
	}{
		{"success", func(context.Context, amqp.Delivery) error { return nil }, message.Acked},
		{"transient", func(context.Context, amqp.Delivery) error { return errors.New("busy") }, message.Requeued},
		{"permanent", func(context.Context, amqp.Delivery) error { return Permanent(errors.New("bad")) }, message.DeadLettered},
		{"panic", func(context.Context, amqp.Delivery) error { panic("boom") }, message.DeadLettered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dispositions []message.Disposition
			c := newTestConsumer(tt.handler, &fakePublisher{}, &dispositions)

			c.process(context.Background(), newDelivery(&fakeAcker{}, 0))

			require.Len(t, dispositions, 1)
			assert.Equal(t, tt.want, dispositions[0])
		})
	}
}

func TestConsumerProcess_CompletesAfterCancel(t *testing.T) {
	var dispositions []message.Disposition
	var handlerErr error
	c := newTestConsumer(func(ctx context.Context, _ amqp.Delivery) error {
		handlerErr = ctx.Err()
		return nil
	}, &fakePublisher{}, &dispositions)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.process(ctx, newDelivery(&fakeAcker{}, 0))

	assert.NoError(t, handlerErr, "in-flight handler must not observe shutdown")
	assert.Equal(t, []message.Disposition{message.Acked}, dispositions)
}

func TestNewConsumer_Defaults(t *testing.T) {
	c := NewConsumer(nil, ConsumerOptions{Queue: "q"}, nil, nil, log.NewNop())
	assert.Equal(t, 1, c.opts.Prefetch)
	assert.Equal(t, 30*time.Second, c.opts.HandlerTimeout)
	assert.Equal(t, time.Second, c.opts.ResubscribeGap)
}
