// Package config provides a reusable loader for veilmesh node configuration
// files and environment variables.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"veilmesh/pkg/utils"
)

// Config is the unified configuration for a veilmesh node.
type Config struct {
	Identity struct {
		DeviceLabel  string `mapstructure:"device_label" json:"device_label"`
		KeystorePath string `mapstructure:"keystore_path" json:"keystore_path"`
	} `mapstructure:"identity" json:"identity"`

	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DialTimeoutMS  int      `mapstructure:"dial_timeout_ms" json:"dial_timeout_ms"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	DHT struct {
		ReplicationFactor int `mapstructure:"replication_factor" json:"replication_factor"`
		Alpha             int `mapstructure:"alpha" json:"alpha"`
		ValueTTLSeconds   int `mapstructure:"value_ttl_seconds" json:"value_ttl_seconds"`
	} `mapstructure:"dht" json:"dht"`

	Onion struct {
		HopCount   int `mapstructure:"hop_count" json:"hop_count"`
		MaxRetries int `mapstructure:"max_retries" json:"max_retries"`
	} `mapstructure:"onion" json:"onion"`

	Group struct {
		EpochRetention int `mapstructure:"epoch_retention" json:"epoch_retention"`
	} `mapstructure:"group" json:"group"`

	Storage struct {
		DataDir string `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Facade struct {
		Enabled    bool   `mapstructure:"enabled" json:"enabled"`
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"facade" json:"facade"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func setDefaults() {
	viper.SetDefault("network.listen_addr", "0.0.0.0:0")
	viper.SetDefault("network.dial_timeout_ms", 10000)
	viper.SetDefault("dht.replication_factor", 20)
	viper.SetDefault("dht.alpha", 3)
	viper.SetDefault("dht.value_ttl_seconds", 86400)
	viper.SetDefault("onion.hop_count", 3)
	viper.SetDefault("onion.max_retries", 2)
	viper.SetDefault("group.epoch_retention", 10)
	viper.SetDefault("storage.data_dir", "./data")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("facade.enabled", false)
	viper.SetDefault("facade.listen_addr", "127.0.0.1:8787")
}

// Load reads config/default.yaml (if present), merges an optional env-named
// override file, then merges process environment variables loaded from a
// .env file and the live environment. The resulting Config is stored in
// AppConfig and returned.
func Load(env string) (*Config, error) {
	_ = godotenv.Load()

	setDefaults()
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	viper.SetEnvPrefix("VEILMESH")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the VEILMESH_ENV environment
// variable to select an override file.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("VEILMESH_ENV", ""))
}
