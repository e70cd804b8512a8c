// Package forwarder coordinates the ingress to events exchange hot path.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
	"github.com/ibs-source/telemetry-pipeline/internal/metrics"
	"github.com/ibs-source/telemetry-pipeline/internal/rabbitmq"
)

// Drop reasons reported to metrics.
const (
	dropNotConnected  = "not_connected"
	dropPublishFailed = "publish_failed"
)

// Source yields accepted device publishes. The channel is closed when the
// source shuts down.
type Source interface {
	Messages() <-chan message.Raw
}

// Connection is the exchange connection the forwarder owns.
type Connection interface {
	rabbitmq.Publisher
	Run(ctx context.Context) error
	Connected() bool
}

// Forwarder drains a Source into the events exchange
type Forwarder struct {
	source   Source
	conn     Connection
	exchange string
	log      *log.Logger
	metrics  *metrics.Metrics
}

// New creates a forwarder publishing to exchange
func New(source Source, conn Connection, exchange string, logger *log.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		source:   source,
		conn:     conn,
		exchange: exchange,
		log:      logger,
		metrics:  m,
	}
}

// startLoop starts a loop goroutine and reports non-canceled errors
func (f *Forwarder) startLoop(
	ctx context.Context,
	wg *sync.WaitGroup,
	name string,
	loop func(context.Context) error,
	errCh chan<- error,
) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("%s loop error: %w", name, err)
		}
	}()
}

// Run keeps the exchange connection alive and forwards messages until ctx is
// cancelled or the source is closed.
func (f *Forwarder) Run(ctx context.Context) error {
	f.log.Info("Starting forwarder")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	drained := make(chan struct{})

	f.startLoop(ctx, &wg, "connection", f.connectionLoop, errCh)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(drained)
		f.forwardLoop(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
		f.log.Info("Shutting down forwarder")
	case <-drained:
		f.log.Info("Ingress closed, forwarder stopping")
	case err = <-errCh:
		f.log.Error("Forwarder error: %v", err)
	}
	cancel()
	wg.Wait()
	return err
}

// connectionLoop runs the exchange connection. Exhausting the bounded policy
// is not fatal: the forwarder keeps draining and drops everything.
func (f *Forwarder) connectionLoop(ctx context.Context) error {
	err := f.conn.Run(ctx)
	if errors.Is(err, rabbitmq.ErrDegraded) {
		f.log.Warn("RabbitMQ unreachable after all attempts, forwarder running degraded: device messages are dropped")
		<-ctx.Done()
		return nil
	}
	return err
}

// forwardLoop publishes every message from the source until it is closed
func (f *Forwarder) forwardLoop(ctx context.Context) {
	messages := f.source.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-messages:
			if !ok {
				return
			}
			f.Forward(ctx, raw)
		}
	}
}

// Forward publishes raw to the events exchange. Nothing is buffered: when the
// connection is down or the publish fails the message is dropped.
func (f *Forwarder) Forward(ctx context.Context, raw message.Raw) bool {
	fields := logrus.Fields{"topic": raw.Topic, "client": raw.ClientID}

	if !f.conn.Connected() {
		f.log.WarnWithFields(fields, "RabbitMQ not connected, dropping device message")
		f.metrics.Dropped(dropNotConnected)
		return false
	}

	// An in-flight publish completes even when shutdown has begun.
	err := f.conn.Publish(context.WithoutCancel(ctx), f.exchange, message.RawRoutingKey, rabbitmq.RawPublishing(raw))
	if err != nil {
		fields["error"] = err
		f.log.WarnWithFields(fields, "Failed to forward device message, dropping")
		f.metrics.Dropped(dropPublishFailed)
		return false
	}

	f.metrics.Forwarded()
	f.log.Debug("Forwarded %s", raw.Topic)
	return true
}
