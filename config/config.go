package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Auth      AuthConfig
	WebSocket WebSocketConfig
	Broker    BrokerConfig
	Metadata  MetadataConfig
	Metrics   MetricsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port          int
	ReadTimeout   int // Seconds
	WriteTimeout  int // Seconds
	WebSocketPath string
}

// AuthConfig selects how edge credentials are resolved.
type AuthConfig struct {
	Mode                   string // "apikey" or "jwt"
	JWTSecret              string
	RevocationListKey      string
	AutoProvision          bool
	ProvisionRatePerMinute int
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	HandshakeTimeout int // Seconds
	PingInterval     int // Seconds
	PongTimeout      int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	KeepAlive        bool
	SessionTTL       int // Seconds
	LegacyVersion    string
}

type BrokerConfig struct {
	Type     string
	Redis    RedisConfig
	Kafka    KafkaConfig
	Nats     NatsConfig
	Channels BrokerChannels
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type NatsConfig struct {
	URL  string
	Name string
}

// BrokerChannels names the channels (topics, subjects) the bridge uses.
type BrokerChannels struct {
	Data     string
	Commands string
	Replies  string
	Stream   string
}

type MetadataConfig struct {
	Type          string // "memory" or "mongo"
	MongoURI      string
	Database      string
	Collection    string
	CacheSize     int
	CacheTTL      int // Seconds
	FlushInterval int // Seconds
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type LogConfig struct {
	Level       string
	Development bool
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		v := viper.New()
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")

		v.AutomaticEnv()
		v.SetEnvPrefix("EDGEGW")

		setDefaults(v)
		bindEnvVars(v)

		if err := v.ReadInConfig(); err != nil {
			// Defaults plus environment are a complete configuration.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				initErr = fmt.Errorf("config file error: %w", err)
				return
			}
		}

		cfg, err := load(v)
		if err != nil {
			initErr = err
			return
		}
		instance = cfg
	})
	return initErr
}

func load(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func Get() *AppConfig {
	return instance
}
