// Package config provides configuration loading and validation from a YAML file,
// .env files, environment variables and command line flags.
package config

import "time"

// Config holds the complete configuration shared by all pipeline binaries.
type Config struct {
	Ingress  IngressConfig  `yaml:"ingress"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Store    StoreConfig    `yaml:"store"`
	HTTP     HTTPConfig     `yaml:"http"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Log      LogConfig      `yaml:"log"`
}

// Ingress modes.
const (
	ModeEmbedded = "embedded"
	ModeBridge   = "bridge"
)

// IngressConfig holds the device-facing MQTT settings
type IngressConfig struct {
	Mode           string        `yaml:"mode"`
	TCPPort        int           `yaml:"tcp_port"`
	WSPort         int           `yaml:"ws_port"`
	ForwardPrefix  string        `yaml:"forward_prefix"`
	BufferCapacity int           `yaml:"buffer_capacity"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // Time allowed between accept and CONNECT
	Bridge         MQTTConfig    `yaml:"bridge"`
}

// MQTTConfig holds MQTT client configuration for bridge mode
type MQTTConfig struct {
	Broker               string        `yaml:"broker"`
	ClientID             string        `yaml:"client_id"`
	Topic                string        `yaml:"topic"`
	QoS                  byte          `yaml:"qos"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	SubscribeTimeout     time.Duration `yaml:"subscribe_timeout"`
	DisconnectTimeout    uint          `yaml:"disconnect_timeout"` // Milliseconds for graceful disconnect
	// TLS Configuration
	TLSEnabled   bool   `yaml:"tls_enabled"`
	CACert       string `yaml:"ca_cert"`
	ClientCert   string `yaml:"client_cert"`
	ClientKey    string `yaml:"client_key"`
	InsecureSkip bool   `yaml:"insecure_skip"`
}

// RabbitMQConfig holds the durable exchange settings
type RabbitMQConfig struct {
	URL                string        `yaml:"url"`
	EventsExchange     string        `yaml:"events_exchange"`
	DataExchange       string        `yaml:"data_exchange"`
	DeadLetterExchange string        `yaml:"dead_letter_exchange"` // Empty disables dead-lettering
	RawQueue           string        `yaml:"raw_queue"`
	DeadLetterQueue    string        `yaml:"dead_letter_queue"`
	Prefetch           int           `yaml:"prefetch"`
	ConnectAttempts    int           `yaml:"connect_attempts"` // Forwarder ceiling before degraded mode
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffCap         time.Duration `yaml:"backoff_cap"`
	PublishTimeout     time.Duration `yaml:"publish_timeout"`
}

// Store backends.
const (
	BackendMongo = "mongo"
	BackendRedis = "redis"
)

// StoreConfig holds document store settings
type StoreConfig struct {
	Backend        string        `yaml:"backend"`
	MongoURI       string        `yaml:"mongo_uri"`
	MongoDatabase  string        `yaml:"mongo_database"`
	RedisAddress   string        `yaml:"redis_address"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisDB        int           `yaml:"redis_db"`
	RedisPrefix    string        `yaml:"redis_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	Retention      time.Duration `yaml:"retention"` // Zero keeps documents forever
	PruneInterval  time.Duration `yaml:"prune_interval"`
}

// HTTPConfig holds the health, metrics and query listener settings
type HTTPConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PipelineConfig holds processing and shutdown settings
type PipelineConfig struct {
	PersistType     string        `yaml:"persist_type"`
	MaxAttempts     int           `yaml:"max_attempts"` // Deliveries per message before dead-lettering
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
