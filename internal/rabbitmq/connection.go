// Package rabbitmq manages the durable exchange connection shared by the
// pipeline components: reconnect with backoff, topology assertion,
// confirmed publishing, queue consumption and the retry policy.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/ibs-source/telemetry-pipeline/internal/config"
	"github.com/ibs-source/telemetry-pipeline/internal/log"
)

// State is the lifecycle position of a Connection.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectScheduled
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectScheduled:
		return "reconnect-scheduled"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// StateNames lists every state name, for gauges that export one series per state.
func StateNames() []string {
	names := make([]string, 0, int(StateDegraded)+1)
	for s := StateDisconnected; s <= StateDegraded; s++ {
		names = append(names, s.String())
	}
	return names
}

// Publisher publishes a message and waits for the broker confirm.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// Options configures a Connection.
type Options struct {
	Name           string // Reported to the broker as the connection name
	URL            string
	Topology       Topology
	Backoff        Backoff
	MaxAttempts    int // Zero retries forever
	PublishTimeout time.Duration
	OnStateChange  func(State)
}

// OptionsFromConfig fills the connection settings shared by every component.
// Callers set Topology, MaxAttempts and OnStateChange.
func OptionsFromConfig(cfg config.RabbitMQConfig, name string) Options {
	return Options{
		Name:           name,
		URL:            cfg.URL,
		Backoff:        Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap, Jitter: true},
		PublishTimeout: cfg.PublishTimeout,
	}
}

// dialFunc opens an AMQP connection.
type dialFunc func(url string, cfg amqp.Config) (*amqp.Connection, error)

// Connection owns one AMQP connection and its confirm-mode publish channel.
// Each component holds its own Connection; nothing is shared across components.
type Connection struct {
	opts Options
	log  *log.Logger
	dial dialFunc

	mu       sync.RWMutex
	state    State
	attempts int
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	ready    chan struct{} // Closed while connected

	pubMu sync.Mutex // Serializes publishes on pubCh
}

var _ Publisher = (*Connection)(nil)

// NewConnection creates a Connection. Nothing is dialed until Run.
func NewConnection(opts Options, logger *log.Logger) *Connection {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	return &Connection{
		opts:  opts,
		log:   logger,
		dial:  amqp.DialConfig,
		state: StateDisconnected,
		ready: make(chan struct{}),
	}
}

// Run connects and keeps the connection alive until ctx is cancelled.
// With a bounded policy it returns ErrDegraded once MaxAttempts consecutive
// attempts have failed; the attempt counter resets after every successful
// connection, so a later loss gets the full budget again.
func (c *Connection) Run(ctx context.Context) error {
	for {
		connClosed, chClosed, err := c.connectWithRetry(ctx)
		if err != nil {
			return err
		}
		if connClosed == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			c.teardown(StateDisconnected)
			return nil
		case amqpErr := <-connClosed:
			c.log.WarnWithFields(logrus.Fields{"error": amqpErr}, "RabbitMQ connection lost")
		case amqpErr := <-chClosed:
			c.log.WarnWithFields(logrus.Fields{"error": amqpErr}, "RabbitMQ publish channel closed")
		}

		c.teardown(StateReconnectScheduled)
		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
	}
}

// connectWithRetry dials until it succeeds, ctx is cancelled (nil channels,
// nil error) or the bounded policy is exhausted.
func (c *Connection) connectWithRetry(ctx context.Context) (<-chan *amqp.Error, <-chan *amqp.Error, error) {
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil, nil, nil
		}

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		c.setState(StateConnecting)
		connClosed, chClosed, err := c.connect()
		if err == nil {
			c.log.InfoWithFields(logrus.Fields{"attempt": attempt}, "Connected to RabbitMQ")
			return connClosed, chClosed, nil
		}

		if c.opts.MaxAttempts > 0 && attempt >= c.opts.MaxAttempts {
			c.setState(StateDegraded)
			c.log.ErrorWithFields(logrus.Fields{"attempts": attempt, "error": err},
				"RabbitMQ connection attempts exhausted, continuing in degraded mode")
			return nil, nil, ErrDegraded
		}

		delay := c.opts.Backoff.Delay(attempt)
		c.setState(StateReconnectScheduled)
		c.log.WarnWithFields(logrus.Fields{"attempt": attempt, "retry_in": delay.String(), "error": err},
			"RabbitMQ connection failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateDisconnected)
			return nil, nil, nil
		case <-timer.C:
		}
	}
}

// connect dials, opens the confirm-mode publish channel and asserts topology.
func (c *Connection) connect() (<-chan *amqp.Error, <-chan *amqp.Error, error) {
	props := amqp.NewConnectionProperties()
	if c.opts.Name != "" {
		props.SetClientConnectionName(c.opts.Name)
	}
	conn, err := c.dial(c.opts.URL, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	if err := c.opts.Topology.Declare(ch); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	c.conn = conn
	c.pubCh = ch
	close(c.ready)
	c.mu.Unlock()
	c.setState(StateConnected)
	return connClosed, chClosed, nil
}

// teardown closes the current connection, if any, and moves to next.
func (c *Connection) teardown(next State) {
	c.mu.Lock()
	conn := c.conn
	wasReady := c.conn != nil
	c.conn = nil
	c.pubCh = nil
	if wasReady {
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			c.log.Debug("RabbitMQ close: %v", err)
		}
	}
	c.setState(next)
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the connection is usable.
func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

// Attempts returns the number of connection attempts since the last success.
func (c *Connection) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// WaitConnected blocks until the connection is established or ctx is done.
func (c *Connection) WaitConnected(ctx context.Context) error {
	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channel opens a new channel on the current connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn.Channel()
}

// Publish sends msg and waits for the broker confirm. Publishes are
// serialized on the shared channel.
func (c *Connection) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.RLock()
	ch := c.pubCh
	c.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm from %s/%s: %w", exchange, key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNacked, exchange, key)
	}
	return nil
}

// Close tears the connection down. Run must be stopped through its context.
func (c *Connection) Close() {
	c.teardown(StateDisconnected)
}
