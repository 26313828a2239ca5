// Command backend is a test backend for the edge gateway. It prints edge data,
// replies and stream deliveries, and periodically sends a request to the
// edges listed in EDGE_IDS.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/bridge"
	"github.com/abdelmounim-dev/edge-gateway/broker"
	"github.com/abdelmounim-dev/edge-gateway/jsonrpc"
	"github.com/abdelmounim-dev/edge-gateway/logger"
)

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func main() {
	log := logger.Must(getEnv("LOG_LEVEL", "info"), true)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisAddr := getEnv("REDIS_ADDRESS", "localhost:6379")
	log.Info("Connecting to Redis", zap.String("addr", redisAddr))
	b := broker.NewRedisBroker(redis.NewClient(&redis.Options{Addr: redisAddr}), log.Named("broker"))
	defer b.Close()

	for _, channel := range []string{
		getEnv("DATA_CHANNEL", "edge.data"),
		getEnv("REPLIES_CHANNEL", "edge.replies"),
		getEnv("STREAM_CHANNEL", "edge.stream"),
	} {
		messages, err := b.Subscribe(ctx, channel)
		if err != nil {
			log.Fatal("Failed to subscribe", zap.String("channel", channel), zap.Error(err))
		}
		go printMessages(channel, messages, log)
	}

	var edges []string
	if v := getEnv("EDGE_IDS", ""); v != "" {
		edges = strings.Split(v, ",")
	}
	method := getEnv("COMMAND_METHOD", "getStatus")
	commands := getEnv("COMMANDS_CHANNEL", "edge.commands")

	log.Info("Test backend started", zap.Strings("edges", edges))
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Test backend stopped")
			return
		case <-ticker.C:
			for _, edgeID := range edges {
				if err := sendCommand(ctx, b, commands, edgeID, method); err != nil {
					log.Error("Failed to send command", zap.String("edge_id", edgeID), zap.Error(err))
				}
			}
		}
	}
}

func sendCommand(ctx context.Context, b broker.MessageBroker, channel, edgeID, method string) error {
	req, err := jsonrpc.NewRequest(method, nil)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data, err := json.Marshal(bridge.Command{RequestID: req.ID, Request: raw})
	if err != nil {
		return err
	}
	// No ServerID: whichever instance holds the edge picks it up.
	return b.Publish(ctx, channel, broker.Message{EdgeID: edgeID, Kind: bridge.KindCommand, Data: data})
}

func printMessages(channel string, messages <-chan broker.Message, log *zap.Logger) {
	for msg := range messages {
		log.Info("Received message",
			zap.String("channel", channel),
			zap.String("edge_id", msg.EdgeID),
			zap.String("server_id", msg.ServerID),
			zap.String("kind", msg.Kind),
			zap.ByteString("data", msg.Data))
	}
}
