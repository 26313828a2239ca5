package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 15)
	v.SetDefault("server.writeTimeout", 15)
	v.SetDefault("server.webSocketPath", "/websocket")

	// Auth
	v.SetDefault("auth.mode", "apikey")
	v.SetDefault("auth.jwtSecret", "default-secret")
	v.SetDefault("auth.revocationListKey", "jwt:revoked")
	v.SetDefault("auth.autoProvision", true)
	v.SetDefault("auth.provisionRatePerMinute", 30)

	// WebSocket
	v.SetDefault("websocket.maxConnections", 10000)
	v.SetDefault("websocket.messageSizeLimit", 1<<20)
	v.SetDefault("websocket.handshakeTimeout", 10)
	v.SetDefault("websocket.pingInterval", 25)
	v.SetDefault("websocket.pongTimeout", 30)
	v.SetDefault("websocket.activityTimeout", 60)
	v.SetDefault("websocket.writeTimeout", 10)
	v.SetDefault("websocket.keepAlive", true)
	v.SetDefault("websocket.sessionTTL", 90)
	v.SetDefault("websocket.legacyVersion", "2018.8.0")

	// Broker
	v.SetDefault("broker.type", "redis")
	v.SetDefault("broker.redis.address", "localhost:6379")
	v.SetDefault("broker.redis.db", 0)
	v.SetDefault("broker.redis.poolSize", 100)
	v.SetDefault("broker.redis.poolTimeout", 5)
	v.SetDefault("broker.kafka.groupID", "edge-gateway")
	v.SetDefault("broker.nats.url", "nats://localhost:4222")
	v.SetDefault("broker.nats.name", "edge-gateway")
	v.SetDefault("broker.channels.data", "edge.data")
	v.SetDefault("broker.channels.commands", "edge.commands")
	v.SetDefault("broker.channels.replies", "edge.replies")
	v.SetDefault("broker.channels.stream", "edge.stream")

	// Metadata
	v.SetDefault("metadata.type", "memory")
	v.SetDefault("metadata.mongoURI", "mongodb://localhost:27017")
	v.SetDefault("metadata.database", "edgegw")
	v.SetDefault("metadata.collection", "edges")
	v.SetDefault("metadata.cacheSize", 4096)
	v.SetDefault("metadata.cacheTTL", 300)
	v.SetDefault("metadata.flushInterval", 10)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}
