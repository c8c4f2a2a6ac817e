// Package bootstrap wires every collaborator into a running Server, mirroring
// ai-gateway/pkg/bootstrap.Run's load-config -> construct-collaborators ->
// construct-server -> Run(ctx) shape.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/parkvision/visionsvc/internal/batch"
	"github.com/parkvision/visionsvc/internal/blobstore"
	"github.com/parkvision/visionsvc/internal/cache"
	"github.com/parkvision/visionsvc/internal/cas"
	"github.com/parkvision/visionsvc/internal/config"
	"github.com/parkvision/visionsvc/internal/coordinator"
	"github.com/parkvision/visionsvc/internal/httpapi"
	"github.com/parkvision/visionsvc/internal/logging"
	"github.com/parkvision/visionsvc/internal/metadatastore"
	"github.com/parkvision/visionsvc/internal/natureanalyzer"
	"github.com/parkvision/visionsvc/internal/visionclient"
)

// Run loads configuration, constructs every collaborator, and blocks serving
// HTTP until ctx is cancelled.
func Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("bootstrap: load config: %w", err)
	}

	logging.Info("starting visionsvc")

	metadata, err := metadatastore.New(ctx, cfg.MetadataStore.DSN)
	if err != nil {
		return fmt.Errorf("bootstrap: metadata store: %w", err)
	}

	blobs, err := blobstore.New(ctx, blobstore.Config{
		Endpoint:  cfg.BlobStore.Endpoint,
		AccessKey: cfg.BlobStore.AccessKey,
		SecretKey: cfg.BlobStore.SecretKey,
		Bucket:    cfg.BlobStore.Bucket,
		UseSSL:    cfg.BlobStore.UseSSL,
		Region:    cfg.BlobStore.Region,
	})
	if err != nil {
		return fmt.Errorf("bootstrap: blob store: %w", err)
	}

	var redisClient *redis.Client
	if cfg.RedisCache.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisCache.Addr,
			Password: cfg.RedisCache.Password,
			DB:       cfg.RedisCache.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Warnf("redis unreachable at %s, result cache runs local-only: %v", cfg.RedisCache.Addr, err)
			redisClient = nil
		}
	}

	resultCache, err := cache.New(
		redisClient,
		&cfg.Cache,
		cfg.RedisCache.LRUSize,
		cfg.Cache.MaxBytes,
		cache.EvictionWeights{TTL: cfg.Cache.EvictionWeights.TTL, Kind: cfg.Cache.EvictionWeights.Kind, Recency: cfg.Cache.EvictionWeights.Recency},
		cfg.Cache.SingleFlightTimeout,
	)
	if err != nil {
		return fmt.Errorf("bootstrap: result cache: %w", err)
	}

	vision := visionclient.New(visionclient.Config{
		Endpoint:                cfg.Vision.Endpoint,
		APIKey:                  cfg.Vision.APIKey,
		Timeout:                 cfg.Vision.Timeout,
		CircuitBreakerThreshold: cfg.Vision.CircuitBreakerThreshold,
		CircuitBreakerRecovery:  cfg.Vision.CircuitBreakerRecovery,
	})

	casStore := cas.New(metadata, blobs, cfg.Upload.MaxBytes, cfg.Similarity.HammingThreshold)
	nature := natureanalyzer.New(cfg.Analyzer.ConfidenceThreshold, natureanalyzer.Weights{})
	orchestrator := batch.New(cfg.Batch.DefaultConcurrency)

	co := coordinator.New(casStore, blobs, metadataAdapter{metadata}, vision, resultCache, nature, orchestrator)

	srv := httpapi.New(httpapi.Config{
		Port:           cfg.HTTPPort,
		MaxUploadBytes: cfg.Upload.MaxBytes,
	}, co, nil)

	return srv.Run(ctx)
}

func loadConfig() (*config.Config, error) {
	path := os.Getenv("VISIONSVC_CONFIG")
	return config.Load(path)
}

// metadataAdapter satisfies coordinator.MetadataLister against
// *metadatastore.Store. RecordVersionBump's signature already matches
// exactly and comes through the embedded Store for free; ListImages needs a
// translation since internal/coordinator deliberately keeps its own
// structurally-identical ListFilter/ListPage rather than importing
// metadatastore's.
type metadataAdapter struct {
	*metadatastore.Store
}

func (m metadataAdapter) ListImages(ctx context.Context, f coordinator.ListFilter) (*coordinator.ListPage, error) {
	page, err := m.Store.ListImages(ctx, metadatastore.ListFilter{
		AfterImageHash: f.AfterImageHash,
		Limit:          f.Limit,
		MimeType:       f.MimeType,
		UploadedAfter:  f.UploadedAfter,
	})
	if err != nil {
		return nil, err
	}
	return &coordinator.ListPage{Records: page.Records, NextCursor: page.NextCursor}, nil
}
