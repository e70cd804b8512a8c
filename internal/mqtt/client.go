// Package mqtt provides the bridge ingress: a paho client that subscribes to
// device topics on an external broker and emits them as raw pipeline messages.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/ibs-source/telemetry-pipeline/internal/config"
	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
	"github.com/ibs-source/telemetry-pipeline/internal/metrics"
)

const transportBridge = "bridge"

// Client relays device publishes from an upstream broker
type Client struct {
	client            mqtt.Client
	clientID          string
	topic             string
	qos               byte
	forwardPrefix     string
	subscribeTimeout  time.Duration
	disconnectTimeout uint
	messages          chan message.Raw
	log               *log.Logger
	metrics           *metrics.Metrics

	mu       sync.RWMutex
	closed   bool
	handlers sync.WaitGroup
	done     chan struct{}
}

// NewClient connects to the upstream broker and subscribes to cfg.Topic.
// The subscription is renewed on every reconnect.
func NewClient(cfg *config.MQTTConfig, forwardPrefix string, capacity int, logger *log.Logger, m *metrics.Metrics) (*Client, error) {
	if capacity < 1 {
		capacity = 1000
	}
	c := &Client{
		clientID:          cfg.ClientID,
		topic:             cfg.Topic,
		qos:               cfg.QoS,
		forwardPrefix:     forwardPrefix,
		subscribeTimeout:  cfg.SubscribeTimeout,
		disconnectTimeout: cfg.DisconnectTimeout,
		messages:          make(chan message.Raw, capacity),
		log:               logger,
		metrics:           m,
		done:              make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(false) // Handlers run concurrently; the channel restores a single consumer

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if err != nil {
			logger.Error("MQTT connection lost: %v", err)
		}
	})

	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("MQTT reconnecting...")
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.InfoWithFields(logrus.Fields{"broker": cfg.Broker, "topic": c.topic}, "MQTT connected successfully")
		if err := c.subscribe(client); err != nil {
			logger.Error("MQTT subscribe failed: %v", err)
		}
	})

	// Configure TLS if enabled
	if cfg.TLSEnabled {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	return c, nil
}

// newTLSConfig creates a TLS configuration from MQTT config
func newTLSConfig(cfg *config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		// Note: Enabling InsecureSkipVerify weakens TLS security and should only be used for testing.
		InsecureSkipVerify: cfg.InsecureSkip, // #nosec G402 - configurable for testing environments
		MinVersion:         tls.VersionTLS12,
	}

	// Load CA certificate if provided
	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA cert")
		}
		tlsConfig.RootCAs = caCertPool
	}

	// Load client certificate and key if provided
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert/key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (c *Client) subscribe(client mqtt.Client) error {
	token := client.Subscribe(c.topic, c.qos, func(_ mqtt.Client, msg mqtt.Message) {
		c.handleMessage(msg.Topic(), msg.Payload())
	})

	if !token.WaitTimeout(c.subscribeTimeout) {
		return fmt.Errorf("mqtt subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.topic, err)
	}
	return nil
}

// handleMessage emits one upstream publish on the messages channel
func (c *Client) handleMessage(topic string, payload []byte) {
	if !strings.HasPrefix(topic, c.forwardPrefix) {
		return
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.handlers.Add(1)
	c.mu.RUnlock()
	defer c.handlers.Done()

	c.metrics.MessageReceived(transportBridge)
	raw := message.Raw{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: time.Now().UTC(),
		ClientID:   c.clientID,
	}
	select {
	case c.messages <- raw:
	case <-c.done:
	}
}

// Messages returns the channel of relayed device publishes. It is closed by Close.
func (c *Client) Messages() <-chan message.Raw {
	return c.messages
}

// Close disconnects from the upstream broker and closes Messages
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(c.disconnectTimeout)
	}
	c.handlers.Wait()
	close(c.messages)
}
