// Package config loads node configuration from a YAML file with
// SQLIT_* environment overrides.
package config

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/sqlit/sqlit/internal/types"
)

// Config is the validated node configuration.
type Config struct {
	// ListenAddr is the HTTP/WS bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// AdvertiseEndpoint is the externally reachable base URL. Defaults
	// to http://<listen_addr> when empty.
	AdvertiseEndpoint string `mapstructure:"advertise_endpoint"`

	// DataDir holds one <databaseId>.db file per hosted database.
	DataDir string `mapstructure:"data_dir"`

	// OperatorAddress identifies the node operator.
	OperatorAddress string `mapstructure:"operator_address"`

	// Region is one of the eight canonical regions; unknown values map
	// to global on registration.
	Region string `mapstructure:"region"`

	// RegistryEndpoint is the external registry RPC base URL. Empty
	// means offline mode.
	RegistryEndpoint string `mapstructure:"registry_endpoint"`

	// Stake is submitted with registration.
	Stake uint64 `mapstructure:"stake"`

	// TEEEnabled advertises enclave capability.
	TEEEnabled bool `mapstructure:"tee_enabled"`

	// MasterKeyID references the KMS master key for at-rest databases.
	MasterKeyID string `mapstructure:"master_key_id"`

	// DevMode enables auto-provisioning and the data-dir watcher.
	DevMode bool `mapstructure:"dev_mode"`

	// LogLevel is a logrus level name.
	LogLevel string `mapstructure:"log_level"`

	// Telemetry enables the OpenTelemetry metrics pipeline.
	Telemetry bool `mapstructure:"telemetry"`
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("listen_addr", "127.0.0.1:8545")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("region", string(types.RegionGlobal))
	v.SetDefault("log_level", "info")
	v.SetDefault("dev_mode", false)
	v.SetDefault("telemetry", false)

	v.SetEnvPrefix("SQLIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.AdvertiseEndpoint == "" {
		cfg.AdvertiseEndpoint = "http://" + cfg.ListenAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if !c.DevMode && c.OperatorAddress == "" {
		return fmt.Errorf("operator_address is required outside dev mode")
	}
	return nil
}

// ApplyLogging configures the process logger from the config.
func (c *Config) ApplyLogging() {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}
