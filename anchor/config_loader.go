package anchor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file and applies defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.ApplyDefaults()

	return &config, nil
}

// Validate checks the fields that have no sensible default
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	switch c.Store.Driver {
	case "", StoreJSON, StoreSQLite:
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", StoreJSON, StoreSQLite, c.Store.Driver)
	}
	if c.WorldLock.MinNewAnchorDistance < 0 {
		return fmt.Errorf("worldLock.minNewAnchorDistance must not be negative")
	}
	if c.WorldLock.MaxAnchorEdgeLength < 0 {
		return fmt.Errorf("worldLock.maxAnchorEdgeLength must not be negative")
	}
	if c.WorldLock.MaxLocalAnchors < 0 {
		return fmt.Errorf("worldLock.maxLocalAnchors must not be negative")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// OpenPoseStore opens the store the configuration selects
func OpenPoseStore(cfg StoreConfig) (PoseStore, error) {
	switch cfg.Driver {
	case StoreSQLite:
		return OpenSQLitePoseStore(cfg.Path)
	case StoreJSON, "":
		return NewJSONPoseStore(cfg.Path), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
