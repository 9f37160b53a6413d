package registration

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultResultStorePath is where results are kept when store.path is unset
const DefaultResultStorePath = ".scanreg-results.json"

// ServiceConfig is the YAML configuration file
type ServiceConfig struct {
	Registration Config      `yaml:"registration"`
	ICP          ICPConfig   `yaml:"icp"`
	MQTT         MQTTConfig  `yaml:"mqtt"`
	HTTP         HTTPConfig  `yaml:"http"`
	Store        StoreConfig `yaml:"store"`
	Log          LogConfig   `yaml:"log"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"clientId"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	PublishPrefix string `yaml:"publishPrefix"`
	TimeoutSec    int    `yaml:"timeoutSec"` // Per-request registration timeout
}

// HTTPConfig contains the HTTP server settings
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// StoreConfig locates the result history
type StoreConfig struct {
	Path       string `yaml:"path"`
	MaxResults int    `yaml:"maxResults"`
}

// DefaultServiceConfig returns the configuration used when no file is given
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Registration: DefaultConfig(),
		ICP:          DefaultICPConfig(),
		MQTT: MQTTConfig{
			ClientID:      "scanreg",
			PublishPrefix: "scanreg",
			TimeoutSec:    60,
		},
		HTTP:  HTTPConfig{Port: 8080},
		Store: StoreConfig{Path: DefaultResultStorePath, MaxResults: 100},
		Log:   LogConfig{Level: "info"},
	}
}

// LoadConfig loads the configuration from a YAML file. Keys missing from the
// file keep their defaults.
func LoadConfig(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultServiceConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks every section of the configuration
func (c *ServiceConfig) Validate() error {
	if err := c.Registration.Validate(); err != nil {
		return fmt.Errorf("registration.%w", err)
	}
	if c.ICP.MaxIterations < 0 {
		return fmt.Errorf("icp.maxIterations must be >= 0")
	}
	if c.ICP.OutlierPercentile < 0 || c.ICP.OutlierPercentile > 1 {
		return fmt.Errorf("icp.outlierPercentile must be in [0,1]")
	}
	if c.ICP.MaxCorrespondDist < 0 {
		return fmt.Errorf("icp.maxCorrespondDist must be >= 0")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be in [0,65535], got %d", c.HTTP.Port)
	}
	if c.MQTT.TimeoutSec < 0 {
		return fmt.Errorf("mqtt.timeoutSec must be >= 0")
	}
	if c.Store.MaxResults < 0 {
		return fmt.Errorf("store.maxResults must be >= 0")
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *ServiceConfig) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
