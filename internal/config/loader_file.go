package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// configFilePath returns the YAML file named by --config or CONFIG_FILE.
func configFilePath(flags *flagSet) string {
	if flags.configFile != "" {
		return flags.configFile
	}
	return getEnvString("CONFIG_FILE")
}

// loadFile overlays the YAML document at path onto cfg. Keys absent from the
// file keep their current values.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) // #nosec G304 - path is operator supplied
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// dotEnvFile picks the .env file for the current APP_ENV.
func dotEnvFile() string {
	if v := getEnvString("ENV_FILE"); v != "" {
		return v
	}
	if getEnvString("APP_ENV") == "development" {
		return ".env.development"
	}
	return ".env"
}

// loadDotEnv loads variables from the .env file. Variables already present
// in the environment win. A missing file is not an error.
func loadDotEnv() error {
	path := dotEnvFile()
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}
