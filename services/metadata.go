package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/config"
	"github.com/abdelmounim-dev/edge-gateway/metadata"
)

// NewMetadataStore opens the device registry selected by cfg.Type.
func NewMetadataStore(ctx context.Context, cfg config.MetadataConfig, log *zap.Logger) (metadata.Store, error) {
	switch cfg.Type {
	case "memory":
		return metadata.NewMemoryStore(), nil
	case "mongo":
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := metadata.NewMongoStore(ctx, metadata.MongoConfig{
			URI:           cfg.MongoURI,
			Database:      cfg.Database,
			Collection:    cfg.Collection,
			CacheSize:     cfg.CacheSize,
			CacheTTL:      time.Duration(cfg.CacheTTL) * time.Second,
			FlushInterval: time.Duration(cfg.FlushInterval) * time.Second,
		}, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported metadata type: %s", cfg.Type)
	}
}
