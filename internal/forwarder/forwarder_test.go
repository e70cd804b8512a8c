package forwarder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
	"github.com/ibs-source/telemetry-pipeline/internal/rabbitmq"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	runErr     error
	published  []published
}

func (c *fakeConn) Publish(_ context.Context, exchange, key string, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{exchange, key, msg})
	return nil
}

func (c *fakeConn) Run(ctx context.Context) error {
	if c.runErr != nil {
		return c.runErr
	}
	<-ctx.Done()
	return nil
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

type chanSource chan message.Raw

func (s chanSource) Messages() <-chan message.Raw { return s }

func testRaw() message.Raw {
	return message.Raw{
		Topic:      "device/soil/s1",
		Payload:    []byte(`{"moisture":30}`),
		ReceivedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		ClientID:   "sensor-1",
	}
}

func TestForward_Publishes(t *testing.T) {
	conn := &fakeConn{connected: true}
	f := New(chanSource(nil), conn, "events", log.NewNop(), nil)

	require.True(t, f.Forward(context.Background(), testRaw()))
	require.Len(t, conn.published, 1)

	p := conn.published[0]
	assert.Equal(t, "events", p.exchange)
	assert.Equal(t, message.RawRoutingKey, p.key)
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)
	assert.Equal(t, `{"moisture":30}`, string(p.msg.Body))
	assert.Equal(t, "device/soil/s1", p.msg.Headers[rabbitmq.HeaderTopic])
	assert.Equal(t, "2024-05-01T10:00:00.000Z", p.msg.Headers[rabbitmq.HeaderReceivedAt])
	assert.NotEmpty(t, p.msg.MessageId)
}

func TestForward_DropsWhenDisconnected(t *testing.T) {
	conn := &fakeConn{connected: false}
	f := New(chanSource(nil), conn, "events", log.NewNop(), nil)

	assert.False(t, f.Forward(context.Background(), testRaw()))
	assert.Zero(t, conn.count())
}

func TestForward_DropsOnPublishFailure(t *testing.T) {
	conn := &fakeConn{connected: true, publishErr: rabbitmq.ErrNacked}
	f := New(chanSource(nil), conn, "events", log.NewNop(), nil)

	assert.False(t, f.Forward(context.Background(), testRaw()))
}

func TestRun_DrainsUntilSourceCloses(t *testing.T) {
	conn := &fakeConn{connected: true}
	src := make(chanSource, 3)
	for i := 0; i < 3; i++ {
		src <- testRaw()
	}
	close(src)

	f := New(src, conn, "events", log.NewNop(), nil)
	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, 3, conn.count())
}

func TestRun_DegradedKeepsDraining(t *testing.T) {
	conn := &fakeConn{connected: false, runErr: rabbitmq.ErrDegraded}
	src := make(chanSource)
	f := New(src, conn, "events", log.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	// The forwarder still accepts messages after the connection gave up.
	for i := 0; i < 3; i++ {
		select {
		case src <- testRaw():
		case <-time.After(2 * time.Second):
			t.Fatal("forwarder stopped draining")
		}
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Zero(t, conn.count())
}

func TestRun_ConnectionError(t *testing.T) {
	boom := errors.New("boom")
	conn := &fakeConn{runErr: boom}
	f := New(make(chanSource), conn, "events", log.NewNop(), nil)

	err := f.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}
