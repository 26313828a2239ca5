package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/abdelmounim-dev/edge-gateway/api"
	"github.com/abdelmounim-dev/edge-gateway/auth"
	"github.com/abdelmounim-dev/edge-gateway/bridge"
	"github.com/abdelmounim-dev/edge-gateway/broker"
	"github.com/abdelmounim-dev/edge-gateway/config"
	"github.com/abdelmounim-dev/edge-gateway/gateway"
	"github.com/abdelmounim-dev/edge-gateway/logger"
	"github.com/abdelmounim-dev/edge-gateway/metadata"
	"github.com/abdelmounim-dev/edge-gateway/metrics"
	"github.com/abdelmounim-dev/edge-gateway/protocol"
	"github.com/abdelmounim-dev/edge-gateway/registry"
	"github.com/abdelmounim-dev/edge-gateway/server"
	"github.com/abdelmounim-dev/edge-gateway/services"
	"github.com/abdelmounim-dev/edge-gateway/session"
	"github.com/abdelmounim-dev/edge-gateway/subscription"
	"github.com/abdelmounim-dev/edge-gateway/websocket"
)

const shutdownTimeout = 15 * time.Second

func main() {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.Get()

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("Edge gateway stopped with error", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverID := uuid.NewString()
	log = log.With(zap.String("server_id", serverID))
	log.Info("Starting edge gateway instance", zap.String("broker", cfg.Broker.Type),
		zap.String("metadata", cfg.Metadata.Type), zap.String("auth", cfg.Auth.Mode))

	// Connection records and the token revocation list live in Redis.
	redisClient, err := services.NewRedisClient(cfg.Broker.Redis)
	if err != nil {
		return err
	}
	defer services.CloseRedisClient(redisClient)
	sessionStore := session.NewRedisStore(redisClient, time.Duration(cfg.WebSocket.SessionTTL)*time.Second)

	messageBroker, err := broker.New(cfg.Broker, redisClient, log.Named("broker"))
	if err != nil {
		return err
	}

	store, err := services.NewMetadataStore(ctx, cfg.Metadata, log.Named("metadata"))
	if err != nil {
		messageBroker.Close()
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Error("Failed to close metadata store", zap.Error(err))
		}
	}()

	var resolver metadata.IdentityResolver = store
	if cfg.Auth.Mode == "jwt" {
		resolver = auth.NewJWTResolver(cfg.Auth.JWTSecret, cfg.Auth.RevocationListKey, redisClient, log.Named("auth"))
	}

	legacyVersion, err := metadata.ParseVersion(cfg.WebSocket.LegacyVersion)
	if err != nil {
		messageBroker.Close()
		return err
	}

	presence := metadata.NewPresence()
	reg := registry.New(presence, log.Named("registry"))
	gw := gateway.New(reg, log.Named("gateway"))
	sink := bridge.NewStreamSink(messageBroker, cfg.Broker.Channels.Stream, serverID)
	mux := subscription.New(gw, sink, presence, legacyVersion, log.Named("subscription"))
	dispatcher := protocol.NewDispatcher(presence, log.Named("protocol"))

	br := bridge.New(messageBroker, gw, mux, cfg.Broker.Channels, serverID, log.Named("bridge"))
	br.Register(dispatcher)

	handshake := auth.NewHandshake(resolver, store, reg, presence, auth.Options{
		AutoProvision:          cfg.Auth.AutoProvision,
		ProvisionRatePerMinute: cfg.Auth.ProvisionRatePerMinute,
	}, log.Named("auth"))

	manager := websocket.NewClientManager(sessionStore, serverID, log.Named("websocket"))
	wsHandler := websocket.NewHandler(manager, handshake, dispatcher, reg, mux, &cfg.WebSocket, log.Named("websocket"))

	apiServer := api.NewServer(reg, presence, sessionStore, gw, log.Named("api"))
	router := apiServer.NewRouter(cfg.Server.WebSocketPath, http.HandlerFunc(wsHandler.HandleWebSocket))
	srv := server.NewServer(cfg.Server, router, log.Named("server"))

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path, log.Named("metrics"))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error { return br.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				log.Warn("Failed to stop metrics server", zap.Error(err))
			}
		}
		return srv.Shutdown(shutdownCtx, manager, messageBroker)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Edge gateway stopped")
	return nil
}
