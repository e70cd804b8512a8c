// Package broker embeds the MQTT ingress broker. Devices connect over raw TCP
// or websockets; every publish under the forward prefix is emitted on a single
// channel for the forwarder to drain.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/sirupsen/logrus"

	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
	"github.com/ibs-source/telemetry-pipeline/internal/metrics"
)

// Listener IDs, also used as transport labels in logs and metrics.
const (
	transportTCP       = "tcp"
	transportWebsocket = "websocket"
)

// Options configures a Broker.
type Options struct {
	ForwardPrefix  string // Topics forwarded to Messages; empty forwards everything
	BufferCapacity int
	ConnectTimeout time.Duration // Time allowed between accept and CONNECT
	Metrics        *metrics.Metrics
}

// Broker is an in-memory MQTT broker. It keeps no persistent sessions and
// performs no authentication.
type Broker struct {
	opts     Options
	log      *log.Logger
	server   *mochi.Server
	messages chan message.Raw

	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Broker. Call ListenAndServe, or Serve with existing
// listeners, to accept devices.
func New(opts Options, logger *log.Logger) *Broker {
	if opts.BufferCapacity < 1 {
		opts.BufferCapacity = 1000
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	b := &Broker{
		opts:     opts,
		log:      logger,
		messages: make(chan message.Raw, opts.BufferCapacity),
		done:     make(chan struct{}),
	}
	b.server = mochi.New(&mochi.Options{
		Logger: slog.New(&slogHandler{log: logger}),
	})
	return b
}

// Messages returns the channel of forwarded device publishes. It is closed
// once the broker has shut down and every connection has finished.
func (b *Broker) Messages() <-chan message.Raw {
	return b.messages
}

// ListenAndServe accepts TCP devices on tcpAddr and websocket devices on
// wsAddr until ctx is cancelled.
func (b *Broker) ListenAndServe(ctx context.Context, tcpAddr, wsAddr string) error {
	tl, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listen mqtt tcp %s: %w", tcpAddr, err)
	}
	wl, err := net.Listen("tcp", wsAddr)
	if err != nil {
		_ = tl.Close()
		return fmt.Errorf("listen mqtt websocket %s: %w", wsAddr, err)
	}

	if err := b.Serve(tl, wl); err != nil {
		_ = tl.Close()
		_ = wl.Close()
		return err
	}
	b.log.InfoWithFields(logrus.Fields{"tcp": tl.Addr().String(), "websocket": wl.Addr().String()}, "MQTT broker listening")

	<-ctx.Done()
	b.Close()
	return nil
}

// Serve starts accepting raw MQTT connections on tcp and MQTT-over-websocket
// connections on ws. It returns once both listeners are serving.
func (b *Broker) Serve(tcp, ws net.Listener) error {
	if err := b.server.AddHook(new(auth.AllowHook), nil); err != nil {
		return fmt.Errorf("add auth hook: %w", err)
	}
	if err := b.server.AddHook(&forwardHook{broker: b}, nil); err != nil {
		return fmt.Errorf("add forward hook: %w", err)
	}

	listeners := []mochiListener{
		newNetListener(transportTCP, &deadlineListener{Listener: tcp, timeout: b.opts.ConnectTimeout}),
		newWSListener(transportWebsocket, ws, b.opts.ConnectTimeout),
	}
	for _, l := range listeners {
		if err := b.server.AddListener(l); err != nil {
			return fmt.Errorf("add %s listener: %w", l.ID(), err)
		}
	}

	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("serve mqtt: %w", err)
	}
	b.started.Store(true)
	return nil
}

// Close stops the listeners, disconnects every client and closes Messages.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		if b.started.Load() {
			_ = b.server.Close()
			b.server.Listeners.ClientsWg.Wait()
		}
		close(b.messages)
		b.log.Info("MQTT broker stopped")
	})
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	return int(atomic.LoadInt64(&b.server.Info.ClientsConnected))
}

// forward emits one device publish unless the broker is shutting down.
func (b *Broker) forward(topic string, payload []byte, clientID, transport string) {
	b.opts.Metrics.MessageReceived(transport)

	raw := message.Raw{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: time.Now().UTC(),
		ClientID:   clientID,
	}
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.messages <- raw:
	case <-b.done:
	}
}
