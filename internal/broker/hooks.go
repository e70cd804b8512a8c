package broker

import (
	"bytes"
	"errors"
	"io"
	"strings"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/sirupsen/logrus"
)

// forwardHook logs session events and feeds forward-prefixed publishes,
// including wills, into the broker's Messages channel.
type forwardHook struct {
	mochi.HookBase
	broker *Broker
}

func (h *forwardHook) ID() string {
	return "telemetry-forward"
}

func (h *forwardHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnSessionEstablished,
		mochi.OnDisconnect,
		mochi.OnPublished,
		mochi.OnWillSent,
	}, []byte{b})
}

func clientFields(cl *mochi.Client) logrus.Fields {
	return logrus.Fields{
		"client_id": cl.ID,
		"remote":    cl.Net.Remote,
		"transport": cl.Net.Listener,
	}
}

func (h *forwardHook) OnSessionEstablished(cl *mochi.Client, _ packets.Packet) {
	h.broker.log.InfoWithFields(clientFields(cl), "Client connected")
	h.broker.opts.Metrics.ClientConnected()
}

func (h *forwardHook) OnDisconnect(cl *mochi.Client, err error, _ bool) {
	fields := clientFields(cl)
	if err != nil && !errors.Is(err, io.EOF) {
		fields["error"] = err
	}
	if cl.IsTakenOver() {
		h.broker.log.InfoWithFields(fields, "Client session taken over")
	} else {
		h.broker.log.InfoWithFields(fields, "Client disconnected")
	}
	h.broker.opts.Metrics.ClientDisconnected()
}

func (h *forwardHook) OnPublished(cl *mochi.Client, pk packets.Packet) {
	h.relay(cl, pk)
}

func (h *forwardHook) OnWillSent(cl *mochi.Client, pk packets.Packet) {
	h.relay(cl, pk)
}

func (h *forwardHook) relay(cl *mochi.Client, pk packets.Packet) {
	if !strings.HasPrefix(pk.TopicName, h.broker.opts.ForwardPrefix) {
		return
	}
	h.broker.forward(pk.TopicName, pk.Payload, cl.ID, cl.Net.Listener)
}
