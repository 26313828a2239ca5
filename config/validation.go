package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if !strings.HasPrefix(c.Server.WebSocketPath, "/") {
		return errors.New("server.webSocketPath must start with '/'")
	}

	switch strings.ToLower(c.Auth.Mode) {
	case "apikey":
	case "jwt":
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when jwt mode is enabled")
		}
	default:
		return fmt.Errorf("invalid auth mode: %s. Must be 'apikey' or 'jwt'", c.Auth.Mode)
	}
	if c.Auth.AutoProvision && c.Auth.ProvisionRatePerMinute < 1 {
		return errors.New("auth.provisionRatePerMinute must be positive when auto provisioning is enabled")
	}

	switch strings.ToLower(c.Broker.Type) {
	case "redis":
		if c.Broker.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	case "nats":
		if c.Broker.Nats.URL == "" {
			return errors.New("nats url must be specified for nats broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'redis', 'kafka' or 'nats'", c.Broker.Type)
	}
	ch := c.Broker.Channels
	if ch.Data == "" || ch.Commands == "" || ch.Replies == "" || ch.Stream == "" {
		return errors.New("broker channels must be configured")
	}
	// Connection records and the revocation list live in Redis whatever the broker is.
	if c.Broker.Redis.Address == "" {
		return errors.New("redis address must be specified for the session store")
	}

	switch strings.ToLower(c.Metadata.Type) {
	case "memory":
	case "mongo":
		if c.Metadata.MongoURI == "" || c.Metadata.Database == "" || c.Metadata.Collection == "" {
			return errors.New("metadata mongo uri, database and collection must be specified")
		}
	default:
		return fmt.Errorf("invalid metadata type: %s. Must be 'memory' or 'mongo'", c.Metadata.Type)
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}

	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}

	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}

	if c.WebSocket.SessionTTL <= c.WebSocket.ActivityTimeout {
		return errors.New("session TTL should be greater than activity timeout")
	}

	if c.Metrics.Enabled && c.Metrics.Port == c.Server.Port {
		return errors.New("metrics port must differ from server port")
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "EDGEGW_PORT")

	// Auth
	v.BindEnv("auth.mode", "EDGEGW_AUTH_MODE")
	v.BindEnv("auth.jwtSecret", "EDGEGW_AUTH_JWT_SECRET")
	v.BindEnv("auth.revocationListKey", "EDGEGW_AUTH_REVOCATION_KEY")
	v.BindEnv("auth.autoProvision", "EDGEGW_AUTH_AUTO_PROVISION")

	// Broker
	v.BindEnv("broker.type", "EDGEGW_BROKER_TYPE")
	v.BindEnv("broker.redis.address", "EDGEGW_REDIS_ADDRESS")
	v.BindEnv("broker.redis.password", "EDGEGW_REDIS_PASSWORD")
	v.BindEnv("broker.kafka.brokers", "EDGEGW_KAFKA_BROKERS")
	v.BindEnv("broker.kafka.groupID", "EDGEGW_KAFKA_GROUPID")
	v.BindEnv("broker.nats.url", "EDGEGW_NATS_URL")

	// Metadata
	v.BindEnv("metadata.type", "EDGEGW_METADATA_TYPE")
	v.BindEnv("metadata.mongoURI", "EDGEGW_MONGO_URI")

	// WebSocket
	v.BindEnv("websocket.maxConnections", "EDGEGW_MAX_CONNECTIONS")
	v.BindEnv("websocket.handshakeTimeout", "EDGEGW_HANDSHAKE_TIMEOUT")
	v.BindEnv("websocket.pingInterval", "EDGEGW_PING_INTERVAL")
	v.BindEnv("websocket.pongTimeout", "EDGEGW_PONG_TIMEOUT")
	v.BindEnv("websocket.activityTimeout", "EDGEGW_ACTIVITY_TIMEOUT")
	v.BindEnv("websocket.writeTimeout", "EDGEGW_WRITE_TIMEOUT")
	v.BindEnv("websocket.sessionTTL", "EDGEGW_SESSION_TTL")
	v.BindEnv("websocket.legacyVersion", "EDGEGW_LEGACY_VERSION")

	// Log
	v.BindEnv("log.level", "EDGEGW_LOG_LEVEL")
}
