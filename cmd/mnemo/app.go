package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/efebarandurmaz/mnemo/internal/config"
	"github.com/efebarandurmaz/mnemo/internal/embedding"
	"github.com/efebarandurmaz/mnemo/internal/embedding/onnx"
	"github.com/efebarandurmaz/mnemo/internal/memory"
	"github.com/efebarandurmaz/mnemo/internal/observability"
	"github.com/efebarandurmaz/mnemo/internal/secrets"
	"github.com/efebarandurmaz/mnemo/internal/store"
)

// newProvider builds the embedding provider named by cfg.
func newProvider(cfg config.EmbeddingConfig) (embedding.Provider, error) {
	switch cfg.Provider {
	case "", "hashing":
		return embedding.NewHashingProvider(cfg.Dimension), nil
	case "http":
		p, err := embedding.NewHTTPProvider(embedding.HTTPConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		})
		if err != nil {
			return nil, err
		}
		return embedding.NewRateLimited(p, embedding.RateLimitConfig{
			RequestsPerMinute: cfg.RequestsPerMinute,
			Burst:             cfg.Burst,
		}), nil
	case "onnx":
		p, err := onnx.New(onnx.Config{
			ModelPath:     cfg.ModelPath,
			TokenizerPath: cfg.TokenizerPath,
			LibraryPath:   cfg.LibraryPath,
			Model:         cfg.Model,
			Dimension:     cfg.Dimension,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// connector returns a memory.Connector opening the named backend.
func connector(cfg *config.Config, backend string, dim int) (memory.Connector, error) {
	switch backend {
	case "milvus":
		mc := milvusConfig(cfg, dim)
		return func(ctx context.Context) (store.Store, error) {
			return store.NewMilvusStore(ctx, mc)
		}, nil
	case "qdrant":
		qc := qdrantConfig(cfg, dim)
		return func(ctx context.Context) (store.Store, error) {
			return store.NewQdrantStore(ctx, qc)
		}, nil
	case "sqlite":
		path := cfg.SQLite.Path
		return func(ctx context.Context) (store.Store, error) {
			return store.NewSQLiteStore(ctx, path)
		}, nil
	case "memory":
		return func(context.Context) (store.Store, error) {
			return store.NewMemoryStore(), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", backend)
	}
}

func milvusConfig(cfg *config.Config, dim int) store.MilvusConfig {
	return store.MilvusConfig{
		Host:               cfg.Milvus.Host,
		Port:               cfg.Milvus.Port,
		Collection:         cfg.Milvus.Collection,
		Dimension:          dim,
		HNSWM:              cfg.Milvus.HNSWM,
		HNSWEfConstruction: cfg.Milvus.HNSWEfConstruction,
		SearchEf:           cfg.Milvus.SearchEf,
	}
}

func qdrantConfig(cfg *config.Config, dim int) store.QdrantConfig {
	return store.QdrantConfig{
		Host:               cfg.Qdrant.Host,
		Port:               cfg.Qdrant.Port,
		Collection:         cfg.Qdrant.Collection,
		Dimension:          dim,
		HNSWM:              cfg.Qdrant.HNSWM,
		HNSWEfConstruction: cfg.Qdrant.HNSWEfConstruction,
		SearchEf:           cfg.Qdrant.SearchEf,
	}
}

// newManager wires the provider, backends and metrics described by cfg.
func newManager(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*memory.Manager, embedding.Provider, error) {
	resolver, err := secrets.NewResolver(cfg.Secrets)
	if err != nil {
		return nil, nil, fmt.Errorf("secrets: %w", err)
	}
	ec := cfg.Embedding
	if ec.APIKey, err = resolver.Resolve(ctx, ec.APIKey); err != nil {
		return nil, nil, fmt.Errorf("embedding api_key: %w", err)
	}

	provider, err := newProvider(ec)
	if err != nil {
		return nil, nil, fmt.Errorf("embedding provider: %w", err)
	}

	opts := memory.Options{
		Provider:           provider,
		EmbeddingCacheSize: cfg.Memory.EmbeddingCacheSize,
		SearchCacheShards:  cfg.Memory.SearchCacheShards,
		OperationTimeout:   cfg.Memory.OperationTimeout,
		DefaultLimit:       cfg.Memory.DefaultLimit,
	}
	if reg != nil {
		opts.Metrics = observability.NewMetrics(reg)
	}

	if opts.Primary, err = connector(cfg, cfg.Memory.Backend, provider.Dimension()); err != nil {
		return nil, nil, err
	}
	if opts.Fallback, err = connector(cfg, cfg.Memory.Fallback, provider.Dimension()); err != nil {
		return nil, nil, err
	}

	m, err := memory.New(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return m, provider, nil
}
