package config

import (
	"time"

	"github.com/spf13/pflag"
)

// flagSet holds command line flags (have precedence over environment variables).
// A new set is built for every load so tests and binaries never share state.
type flagSet struct {
	set        *pflag.FlagSet
	configFile string

	// Ingress flags
	ingressMode    string
	ingressTCPPort int
	ingressWSPort  int
	ingressPrefix  string
	ingressBuffer  int

	// Bridge flags
	mqttBroker       string
	mqttClientID     string
	mqttTopic        string
	mqttQoS          int
	mqttTLSEnabled   bool
	mqttCACert       string
	mqttClientCert   string
	mqttClientKey    string
	mqttInsecureSkip bool

	// RabbitMQ flags
	rabbitURL             string
	rabbitPrefetch        int
	rabbitConnectAttempts int
	rabbitBackoffBase     time.Duration
	rabbitBackoffCap      time.Duration

	// Store flags
	storeBackend   string
	mongoURI       string
	mongoDatabase  string
	redisAddress   string
	storeRetention time.Duration

	// HTTP flags
	httpPort int

	// Pipeline flags
	persistType     string
	maxAttempts     int
	shutdownTimeout time.Duration

	// Log flags
	logLevel  string
	logFormat string
}

func newFlagSet() *flagSet {
	f := &flagSet{set: pflag.NewFlagSet("telemetry-pipeline", pflag.ContinueOnError)}
	s := f.set

	s.StringVar(&f.configFile, "config", "", "YAML configuration file")

	s.StringVar(&f.ingressMode, "ingress-mode", "", "Ingress mode (embedded or bridge)")
	s.IntVar(&f.ingressTCPPort, "ingress-tcp-port", 0, "Embedded broker TCP port")
	s.IntVar(&f.ingressWSPort, "ingress-ws-port", 0, "Embedded broker websocket port")
	s.StringVar(&f.ingressPrefix, "ingress-forward-prefix", "", "Topic prefix forwarded to the events exchange")
	s.IntVar(&f.ingressBuffer, "ingress-buffer-capacity", 0, "Inbound message channel capacity")

	s.StringVar(&f.mqttBroker, "mqtt-broker", "", "Upstream MQTT broker URL (bridge mode)")
	s.StringVar(&f.mqttClientID, "mqtt-client-id", "", "Upstream MQTT client ID")
	s.StringVar(&f.mqttTopic, "mqtt-topic", "", "Upstream MQTT subscription filter")
	s.IntVar(&f.mqttQoS, "mqtt-qos", -1, "Upstream MQTT QoS (0, 1, or 2)")
	s.BoolVar(&f.mqttTLSEnabled, "mqtt-tls-enabled", false, "Enable MQTT TLS")
	s.StringVar(&f.mqttCACert, "mqtt-ca-cert", "", "MQTT CA certificate path")
	s.StringVar(&f.mqttClientCert, "mqtt-client-cert", "", "MQTT client certificate path")
	s.StringVar(&f.mqttClientKey, "mqtt-client-key", "", "MQTT client key path")
	s.BoolVar(&f.mqttInsecureSkip, "mqtt-tls-insecure-skip", false, "Skip MQTT TLS verification")

	s.StringVar(&f.rabbitURL, "rabbitmq-url", "", "RabbitMQ connection URL")
	s.IntVar(&f.rabbitPrefetch, "rabbitmq-prefetch", 0, "Unacknowledged deliveries per consumer")
	s.IntVar(&f.rabbitConnectAttempts, "rabbitmq-connect-attempts", 0, "Forwarder connection attempts before degraded mode")
	s.DurationVar(&f.rabbitBackoffBase, "rabbitmq-backoff-base", 0, "Reconnect backoff base delay")
	s.DurationVar(&f.rabbitBackoffCap, "rabbitmq-backoff-cap", 0, "Reconnect backoff ceiling")

	s.StringVar(&f.storeBackend, "store-backend", "", "Document store backend (mongo or redis)")
	s.StringVar(&f.mongoURI, "mongo-uri", "", "MongoDB connection URI")
	s.StringVar(&f.mongoDatabase, "mongo-database", "", "MongoDB database name")
	s.StringVar(&f.redisAddress, "redis-address", "", "Redis address")
	s.DurationVar(&f.storeRetention, "store-retention", 0, "Prune documents older than this (0 disables)")

	s.IntVar(&f.httpPort, "http-port", 0, "HTTP port for health, metrics and queries")

	s.StringVar(&f.persistType, "persist-type", "", "Record type persisted by this consumer")
	s.IntVar(&f.maxAttempts, "pipeline-max-attempts", 0, "Deliveries per message before dead-lettering")
	s.DurationVar(&f.shutdownTimeout, "pipeline-shutdown-timeout", 0, "Pipeline shutdown timeout")

	s.StringVar(&f.logLevel, "log-level", "", "Log level")
	s.StringVar(&f.logFormat, "log-format", "", "Log format (text or json)")
	return f
}

// apply copies every explicitly set flag onto cfg
func (f *flagSet) apply(cfg *Config) {
	f.applyIngress(&cfg.Ingress)
	f.applyMQTT(&cfg.Ingress.Bridge)
	f.applyRabbitMQ(&cfg.RabbitMQ)
	f.applyStore(&cfg.Store)
	f.applyPipeline(cfg)
}

func (f *flagSet) applyIngress(cfg *IngressConfig) {
	if f.ingressMode != "" {
		cfg.Mode = f.ingressMode
	}
	if f.ingressTCPPort != 0 {
		cfg.TCPPort = f.ingressTCPPort
	}
	if f.ingressWSPort != 0 {
		cfg.WSPort = f.ingressWSPort
	}
	if f.set.Changed("ingress-forward-prefix") {
		cfg.ForwardPrefix = f.ingressPrefix
	}
	if f.ingressBuffer != 0 {
		cfg.BufferCapacity = f.ingressBuffer
	}
}

func (f *flagSet) applyMQTT(cfg *MQTTConfig) {
	if f.mqttBroker != "" {
		cfg.Broker = f.mqttBroker
	}
	if f.mqttClientID != "" {
		cfg.ClientID = f.mqttClientID
	}
	if f.mqttTopic != "" {
		cfg.Topic = f.mqttTopic
	}
	if f.mqttQoS >= 0 && f.mqttQoS <= 2 {
		cfg.QoS = byte(f.mqttQoS) // #nosec G115 - validated range 0-2
	}
	if f.mqttCACert != "" {
		cfg.CACert = f.mqttCACert
	}
	if f.mqttClientCert != "" {
		cfg.ClientCert = f.mqttClientCert
	}
	if f.mqttClientKey != "" {
		cfg.ClientKey = f.mqttClientKey
	}
	// Handle bool flags - check if explicitly set
	if f.set.Changed("mqtt-tls-enabled") {
		cfg.TLSEnabled = f.mqttTLSEnabled
	}
	if f.set.Changed("mqtt-tls-insecure-skip") {
		cfg.InsecureSkip = f.mqttInsecureSkip
	}
}

func (f *flagSet) applyRabbitMQ(cfg *RabbitMQConfig) {
	if f.rabbitURL != "" {
		cfg.URL = f.rabbitURL
	}
	if f.rabbitPrefetch != 0 {
		cfg.Prefetch = f.rabbitPrefetch
	}
	if f.rabbitConnectAttempts != 0 {
		cfg.ConnectAttempts = f.rabbitConnectAttempts
	}
	if f.rabbitBackoffBase != 0 {
		cfg.BackoffBase = f.rabbitBackoffBase
	}
	if f.rabbitBackoffCap != 0 {
		cfg.BackoffCap = f.rabbitBackoffCap
	}
}

func (f *flagSet) applyStore(cfg *StoreConfig) {
	if f.storeBackend != "" {
		cfg.Backend = f.storeBackend
	}
	if f.mongoURI != "" {
		cfg.MongoURI = f.mongoURI
	}
	if f.mongoDatabase != "" {
		cfg.MongoDatabase = f.mongoDatabase
	}
	if f.redisAddress != "" {
		cfg.RedisAddress = f.redisAddress
	}
	if f.storeRetention != 0 {
		cfg.Retention = f.storeRetention
	}
}

func (f *flagSet) applyPipeline(cfg *Config) {
	if f.httpPort != 0 {
		cfg.HTTP.Port = f.httpPort
	}
	if f.persistType != "" {
		cfg.Pipeline.PersistType = f.persistType
	}
	if f.maxAttempts != 0 {
		cfg.Pipeline.MaxAttempts = f.maxAttempts
	}
	if f.shutdownTimeout != 0 {
		cfg.Pipeline.ShutdownTimeout = f.shutdownTimeout
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
}
