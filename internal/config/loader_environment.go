package config

import (
	"os"
	"strconv"
	"time"
)

// loadIngressFromEnv loads ingress configuration from environment variables
func loadIngressFromEnv(cfg *IngressConfig) {
	if v := getEnvString("INGRESS_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := getEnvInt("INGRESS_TCP_PORT"); v != 0 {
		cfg.TCPPort = v
	}
	if v := getEnvInt("INGRESS_WS_PORT"); v != 0 {
		cfg.WSPort = v
	}
	if v, ok := os.LookupEnv("INGRESS_FORWARD_PREFIX"); ok {
		cfg.ForwardPrefix = v
	}
	if v := getEnvInt("INGRESS_BUFFER_CAPACITY"); v != 0 {
		cfg.BufferCapacity = v
	}
	if v := getEnvDuration("INGRESS_CONNECT_TIMEOUT"); v != 0 {
		cfg.ConnectTimeout = v
	}
	loadMQTTFromEnv(&cfg.Bridge)
}

// loadMQTTFromEnv loads bridge MQTT configuration from environment variables
func loadMQTTFromEnv(cfg *MQTTConfig) {
	loadMQTTStrings(cfg)
	loadMQTTInts(cfg)
	loadMQTTTimeouts(cfg)
	loadMQTTTLS(cfg)
}

func loadMQTTStrings(cfg *MQTTConfig) {
	if v := getEnvString("MQTT_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := getEnvString("MQTT_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := getEnvString("MQTT_TOPIC"); v != "" {
		cfg.Topic = v
	}
}

func loadMQTTInts(cfg *MQTTConfig) {
	if v := getEnvInt("MQTT_QOS"); v != 0 && v >= 0 && v <= 2 {
		cfg.QoS = byte(v) // #nosec G115 - validated range 0-2
	}
	if v := getEnvInt("MQTT_DISCONNECT_TIMEOUT"); v > 0 {
		cfg.DisconnectTimeout = uint(v) // #nosec G115 - config values are non-negative
	}
}

func loadMQTTTimeouts(cfg *MQTTConfig) {
	if v := getEnvDuration("MQTT_CONNECT_TIMEOUT"); v != 0 {
		cfg.ConnectTimeout = v
	}
	if v := getEnvDuration("MQTT_MAX_RECONNECT_INTERVAL"); v != 0 {
		cfg.MaxReconnectInterval = v
	}
	if v := getEnvDuration("MQTT_SUBSCRIBE_TIMEOUT"); v != 0 {
		cfg.SubscribeTimeout = v
	}
}

func loadMQTTTLS(cfg *MQTTConfig) {
	if v := getEnvString("MQTT_CA_CERT"); v != "" {
		cfg.CACert = v
	}
	if v := getEnvString("MQTT_CLIENT_CERT"); v != "" {
		cfg.ClientCert = v
	}
	if v := getEnvString("MQTT_CLIENT_KEY"); v != "" {
		cfg.ClientKey = v
	}
	if v := getEnvBool("MQTT_TLS_ENABLED"); v {
		cfg.TLSEnabled = v
	}
	if v := getEnvBool("MQTT_TLS_INSECURE_SKIP"); v {
		cfg.InsecureSkip = v
	}
}

// loadRabbitMQFromEnv loads exchange configuration from environment variables
func loadRabbitMQFromEnv(cfg *RabbitMQConfig) {
	if v := getEnvString("RABBITMQ_URL"); v != "" {
		cfg.URL = v
	}
	if v := getEnvString("RABBITMQ_EVENTS_EXCHANGE"); v != "" {
		cfg.EventsExchange = v
	}
	if v := getEnvString("RABBITMQ_DATA_EXCHANGE"); v != "" {
		cfg.DataExchange = v
	}
	if v, ok := os.LookupEnv("RABBITMQ_DEAD_LETTER_EXCHANGE"); ok {
		cfg.DeadLetterExchange = v
	}
	if v := getEnvString("RABBITMQ_RAW_QUEUE"); v != "" {
		cfg.RawQueue = v
	}
	if v := getEnvString("RABBITMQ_DEAD_LETTER_QUEUE"); v != "" {
		cfg.DeadLetterQueue = v
	}
	if v := getEnvInt("RABBITMQ_PREFETCH"); v != 0 {
		cfg.Prefetch = v
	}
	if v := getEnvInt("RABBITMQ_CONNECT_ATTEMPTS"); v != 0 {
		cfg.ConnectAttempts = v
	}
	if v := getEnvDuration("RABBITMQ_BACKOFF_BASE"); v != 0 {
		cfg.BackoffBase = v
	}
	if v := getEnvDuration("RABBITMQ_BACKOFF_CAP"); v != 0 {
		cfg.BackoffCap = v
	}
	if v := getEnvDuration("RABBITMQ_PUBLISH_TIMEOUT"); v != 0 {
		cfg.PublishTimeout = v
	}
}

// loadStoreFromEnv loads document store configuration from environment variables
func loadStoreFromEnv(cfg *StoreConfig) {
	if v := getEnvString("STORE_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := getEnvString("MONGO_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := getEnvString("MONGO_DATABASE"); v != "" {
		cfg.MongoDatabase = v
	}
	if v := getEnvString("REDIS_ADDRESS"); v != "" {
		cfg.RedisAddress = v
	}
	if v := getEnvString("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := getEnvInt("REDIS_DB"); v != 0 {
		cfg.RedisDB = v
	}
	if v := getEnvString("REDIS_PREFIX"); v != "" {
		cfg.RedisPrefix = v
	}
	if v := getEnvDuration("STORE_CONNECT_TIMEOUT"); v != 0 {
		cfg.ConnectTimeout = v
	}
	if v := getEnvDuration("STORE_WRITE_TIMEOUT"); v != 0 {
		cfg.WriteTimeout = v
	}
	if v := getEnvDuration("STORE_RETENTION"); v != 0 {
		cfg.Retention = v
	}
	if v := getEnvDuration("STORE_PRUNE_INTERVAL"); v != 0 {
		cfg.PruneInterval = v
	}
}

// loadHTTPFromEnv loads HTTP listener configuration from environment variables
func loadHTTPFromEnv(cfg *HTTPConfig) {
	if v := getEnvInt("HTTP_PORT"); v != 0 {
		cfg.Port = v
	}
	if v := getEnvDuration("HTTP_READ_TIMEOUT"); v != 0 {
		cfg.ReadTimeout = v
	}
	if v := getEnvDuration("HTTP_WRITE_TIMEOUT"); v != 0 {
		cfg.WriteTimeout = v
	}
}

// loadPipelineFromEnv loads Pipeline configuration from environment variables
func loadPipelineFromEnv(cfg *PipelineConfig) {
	if v := getEnvString("PERSIST_TYPE"); v != "" {
		cfg.PersistType = v
	}
	if v := getEnvInt("PIPELINE_MAX_ATTEMPTS"); v != 0 {
		cfg.MaxAttempts = v
	}
	if v := getEnvDuration("PIPELINE_HANDLER_TIMEOUT"); v != 0 {
		cfg.HandlerTimeout = v
	}
	if v := getEnvDuration("PIPELINE_SHUTDOWN_TIMEOUT"); v != 0 {
		cfg.ShutdownTimeout = v
	}
}

// loadLogFromEnv loads logging configuration from environment variables
func loadLogFromEnv(cfg *LogConfig) {
	if v := getEnvString("LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := getEnvString("LOG_FORMAT"); v != "" {
		cfg.Format = v
	}
}

// Helper functions for reading environment variables

func getEnvString(key string) string {
	return os.Getenv(key)
}

func getEnvInt(key string) int {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return intValue
}

func getEnvDuration(key string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return duration
}

func getEnvBool(key string) bool {
	value := os.Getenv(key)
	return value == "true"
}
