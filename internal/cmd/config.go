package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/tandemlabs/tandem/internal/room"
	"gopkg.in/yaml.v3"
)

// Config is the optional YAML config file. Everything has a working default;
// the file only exists to tune game pacing without a rebuild. Client-side
// sync knobs live with the tandem-client binary, not here.
type Config struct {
	Game room.Config `yaml:"game"`
}

func loadConfig(path string) (*Config, error) {
	config := &Config{
		Game: room.DefaultConfig(),
	}
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
