package config

import (
	"fmt"
	"os"
)

// Load loads configuration from the process arguments.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs loads configuration with precedence:
// defaults → config file → .env file → environment variables → command line flags.
// It performs validation and runtime transformations before returning the configuration.
func LoadArgs(args []string) (*Config, error) {
	flags := newFlagSet()
	if err := flags.set.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	// Step 1: Start with defaults
	cfg := defaultConfig()

	// Step 2: Overlay the optional YAML file
	if path := configFilePath(flags); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	// Step 3: Populate the environment from .env without overriding it
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	// Step 4: Apply environment variables
	loadIngressFromEnv(&cfg.Ingress)
	loadRabbitMQFromEnv(&cfg.RabbitMQ)
	loadStoreFromEnv(&cfg.Store)
	loadHTTPFromEnv(&cfg.HTTP)
	loadPipelineFromEnv(&cfg.Pipeline)
	loadLogFromEnv(&cfg.Log)

	// Step 5: Apply command line flags (highest precedence)
	flags.apply(cfg)

	// Step 6: Apply runtime validations and transformations
	if err := applyRuntimeValidation(cfg); err != nil {
		return nil, err
	}

	// Step 7: Validate the final configuration
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
