// Package config loads the crosswired configuration file with environment
// overrides (CROSSWIRE_ prefix, dots become underscores).
package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	Instance InstanceConfig `mapstructure:"instance"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Service  ServiceConfig  `mapstructure:"service"`
	Store    StoreConfig    `mapstructure:"store"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
}

// InstanceConfig identifies this engine instance. Commands addressed to a
// different instance id are ignored on the shared event stream.
type InstanceConfig struct {
	ID string `mapstructure:"id"` // 0x-hex 32 bytes
}

// AdminConfig locates the administrator contract whose commands are
// trusted and whose process endpoint receives fire invocations.
type AdminConfig struct {
	ChainID  uint64 `mapstructure:"chain_id"`
	Address  string `mapstructure:"address"`
	GasLimit uint64 `mapstructure:"gas_limit"`
}

// ServiceConfig locates the substrate's subscription service, the target
// of feed subscribe/unsubscribe requests.
type ServiceConfig struct {
	ChainID  uint64 `mapstructure:"chain_id"`
	Address  string `mapstructure:"address"`
	GasLimit uint64 `mapstructure:"gas_limit"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type IngestConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Group   string   `mapstructure:"group"`
}

type RabbitMQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Queue   string `mapstructure:"queue"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("crosswire")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "crosswire.db")
	v.SetDefault("admin.gas_limit", 500_000)
	v.SetDefault("service.gas_limit", 500_000)
	v.SetDefault("ingest.kafka.topic", "crosswire.events")
	v.SetDefault("ingest.kafka.group", "crosswired")
	v.SetDefault("ingest.rabbitmq.queue", "crosswire.events")
}

func (c Config) Validate() error {
	if c.Instance.ID == "" {
		return fmt.Errorf("instance.id is required")
	}
	if len(common.FromHex(c.Instance.ID)) != common.HashLength {
		return fmt.Errorf("instance.id must be a 32-byte hex string")
	}
	if !common.IsHexAddress(c.Admin.Address) {
		return fmt.Errorf("admin.address %q is not a valid address", c.Admin.Address)
	}
	if !common.IsHexAddress(c.Service.Address) {
		return fmt.Errorf("service.address %q is not a valid address", c.Service.Address)
	}
	if c.Ingest.Kafka.Enabled && len(c.Ingest.Kafka.Brokers) == 0 {
		return fmt.Errorf("ingest.kafka.brokers is required when kafka ingest is enabled")
	}
	if c.Ingest.RabbitMQ.Enabled && c.Ingest.RabbitMQ.URL == "" {
		return fmt.Errorf("ingest.rabbitmq.url is required when rabbitmq ingest is enabled")
	}
	return nil
}

// InstanceID returns the parsed instance id hash.
func (c Config) InstanceID() common.Hash {
	return common.HexToHash(c.Instance.ID)
}

// AdminAddress returns the parsed administrator address.
func (c Config) AdminAddress() common.Address {
	return common.HexToAddress(c.Admin.Address)
}

// ServiceAddress returns the parsed subscription service address.
func (c Config) ServiceAddress() common.Address {
	return common.HexToAddress(c.Service.Address)
}
