package config

import (
	"fmt"
	"strings"
	"time"

	"tracerelay/internal/domain"
	"tracerelay/internal/logname"

	"github.com/spf13/viper"
)

const (
	// SizeAlignment is the allocation unit of the destination log store;
	// limits must be a whole number of these.
	SizeAlignment = 64 * 1024
	MinLogSize    = 64 * 1024
	MaxLogSize    = int64(4) << 30
)

type Config struct {
	Source      SourceConfig      `mapstructure:"source"`
	Destination DestinationConfig `mapstructure:"destination"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Forward     ForwardConfig     `mapstructure:"forward"`
	Watch       WatchConfig       `mapstructure:"watch"`
}

type SourceConfig struct {
	Path string `mapstructure:"path"`
}

type DestinationConfig struct {
	Name           string `mapstructure:"name"`
	MaxSizeBytes   int64  `mapstructure:"max_size_bytes"`
	OverflowPolicy string `mapstructure:"overflow_policy"`
}

type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

type ForwardConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

type RabbitMQConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("tracerelay")
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
	v.SetDefault("storage.dir", "data")
	v.SetDefault("destination.max_size_bytes", 20*1024*1024)
	v.SetDefault("destination.overflow_policy", string(domain.OverwriteOldest))
	v.SetDefault("watch.interval", "30s")
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Source.Path) == "" {
		return fmt.Errorf("source.path is required")
	}
	if err := logname.Validate(c.Destination.Name); err != nil {
		return err
	}
	size := c.Destination.MaxSizeBytes
	if size < MinLogSize || size > MaxLogSize {
		return fmt.Errorf("destination.max_size_bytes %d outside [%d, %d]", size, MinLogSize, MaxLogSize)
	}
	if size%SizeAlignment != 0 {
		return fmt.Errorf("destination.max_size_bytes %d is not a multiple of %d", size, SizeAlignment)
	}
	if _, err := domain.ParseOverflowPolicy(c.Destination.OverflowPolicy); err != nil {
		return fmt.Errorf("destination.overflow_policy: %w", err)
	}
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return fmt.Errorf("storage.dir is required")
	}
	if c.Forward.Kafka.Enabled {
		if len(c.Forward.Kafka.Brokers) == 0 {
			return fmt.Errorf("forward.kafka.brokers is required")
		}
		if c.Forward.Kafka.Topic == "" {
			return fmt.Errorf("forward.kafka.topic is required")
		}
	}
	if c.Forward.RabbitMQ.Enabled {
		if strings.TrimSpace(c.Forward.RabbitMQ.URL) == "" {
			return fmt.Errorf("forward.rabbitmq.url is required")
		}
		if c.Forward.RabbitMQ.Exchange == "" {
			return fmt.Errorf("forward.rabbitmq.exchange is required")
		}
	}
	if c.Watch.Enabled && c.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be positive")
	}
	return nil
}

// OverflowPolicy returns the parsed policy. Validate must have passed.
func (c Config) OverflowPolicy() domain.OverflowPolicy {
	p, _ := domain.ParseOverflowPolicy(c.Destination.OverflowPolicy)
	return p
}
