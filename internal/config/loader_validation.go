package config

import "fmt"

// Validate checks configuration constraints
func Validate(cfg *Config) error {
	if err := validateIngress(&cfg.Ingress); err != nil {
		return err
	}
	if err := validateRabbitMQ(&cfg.RabbitMQ); err != nil {
		return err
	}
	if err := validateStore(&cfg.Store); err != nil {
		return err
	}
	if err := validatePort("http port", cfg.HTTP.Port); err != nil {
		return err
	}
	return validatePipeline(&cfg.Pipeline)
}

// validateIngress validates ingress configuration
func validateIngress(cfg *IngressConfig) error {
	switch cfg.Mode {
	case ModeEmbedded:
		if err := validatePort("ingress tcp port", cfg.TCPPort); err != nil {
			return err
		}
		if err := validatePort("ingress websocket port", cfg.WSPort); err != nil {
			return err
		}
		if cfg.TCPPort == cfg.WSPort {
			return fmt.Errorf("ingress tcp and websocket ports must differ")
		}
	case ModeBridge:
		if err := validateMQTT(&cfg.Bridge); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown ingress mode %q", cfg.Mode)
	}
	if cfg.BufferCapacity < 1 {
		return fmt.Errorf("ingress buffer capacity must be positive")
	}
	return nil
}

// validateMQTT validates bridge MQTT configuration
func validateMQTT(cfg *MQTTConfig) error {
	if cfg.Broker == "" {
		return fmt.Errorf("mqtt broker cannot be empty")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("mqtt client ID cannot be empty")
	}
	if cfg.Topic == "" {
		return fmt.Errorf("mqtt topic cannot be empty")
	}
	if cfg.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	return nil
}

// validateRabbitMQ validates exchange configuration
func validateRabbitMQ(cfg *RabbitMQConfig) error {
	if cfg.URL == "" {
		return fmt.Errorf("rabbitmq url cannot be empty")
	}
	if cfg.EventsExchange == "" || cfg.DataExchange == "" {
		return fmt.Errorf("rabbitmq exchanges cannot be empty")
	}
	if cfg.RawQueue == "" {
		return fmt.Errorf("rabbitmq raw queue cannot be empty")
	}
	if cfg.DeadLetterExchange != "" && cfg.DeadLetterQueue == "" {
		return fmt.Errorf("rabbitmq dead letter queue cannot be empty when dead-lettering is enabled")
	}
	if cfg.Prefetch < 1 {
		return fmt.Errorf("rabbitmq prefetch must be positive")
	}
	if cfg.ConnectAttempts < 1 {
		return fmt.Errorf("rabbitmq connect attempts must be positive")
	}
	if cfg.BackoffBase <= 0 {
		return fmt.Errorf("rabbitmq backoff base must be positive")
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		return fmt.Errorf("rabbitmq backoff cap must not be below the base")
	}
	return nil
}

// validateStore validates document store configuration
func validateStore(cfg *StoreConfig) error {
	switch cfg.Backend {
	case BackendMongo:
		if cfg.MongoURI == "" {
			return fmt.Errorf("mongo uri cannot be empty")
		}
		if cfg.MongoDatabase == "" {
			return fmt.Errorf("mongo database cannot be empty")
		}
	case BackendRedis:
		if cfg.RedisAddress == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if cfg.Retention < 0 {
		return fmt.Errorf("store retention cannot be negative")
	}
	if cfg.Retention > 0 && cfg.PruneInterval <= 0 {
		return fmt.Errorf("store prune interval must be positive when retention is set")
	}
	return nil
}

// validatePipeline validates Pipeline configuration
func validatePipeline(cfg *PipelineConfig) error {
	if cfg.PersistType == "" {
		return fmt.Errorf("persist type cannot be empty")
	}
	switch cfg.PersistType {
	case "soil", "weather", "unknown", "error":
	default:
		return fmt.Errorf("persist type %q must be one of soil, weather, unknown, error", cfg.PersistType)
	}
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("pipeline max attempts must be positive")
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}
	return nil
}
