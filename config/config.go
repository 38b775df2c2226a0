package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// TomlStore is the external store connection configuration
type TomlStore struct {
	// Driver is "postgres" for the managed store or "sqlite" for local use
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// TomlFeed holds the composition settings
type TomlFeed struct {
	PageSize int `toml:"page_size"`
}

// TomlReflection configures the generative reflection edge function
type TomlReflection struct {
	Endpoint string `toml:"endpoint"`
	APIKey   string `toml:"api_key"`
}

// TomlStream configures the store's realtime change feed
type TomlStream struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	Store      TomlStore      `toml:"store"`
	Feed       TomlFeed       `toml:"feed"`
	Reflection TomlReflection `toml:"reflection"`
	Stream     TomlStream     `toml:"stream"`
}

func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config TomlConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if config.Store.Driver == "" {
		config.Store.Driver = "sqlite"
	}
	if config.Store.DSN == "" {
		config.Store.DSN = "kindred.db"
	}
	if config.Feed.PageSize <= 0 {
		config.Feed.PageSize = 20
	}

	return &config, nil
}
