package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/jmoiron/sqlx"

	"github.com/pario-ai/verdict/pkg/cache"
	"github.com/pario-ai/verdict/pkg/cache/durable"
	"github.com/pario-ai/verdict/pkg/config"
	"github.com/pario-ai/verdict/pkg/kv"
	"github.com/pario-ai/verdict/pkg/store"
)

// loadConfig reads path, falling back to defaults when the file is absent.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("config %s not found, using defaults", path)
		return config.Default(), nil
	}
	return cfg, err
}

func openDB(cfg *config.Config) (*sqlx.DB, error) {
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// openFast builds the fast-path store behind a circuit breaker.
func openFast(cfg *config.Config) (kv.Store, error) {
	var inner kv.Store
	if cfg.Redis.Enabled {
		r, err := kv.NewRedis(kv.RedisOptions{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Prefix:      cfg.Redis.Prefix,
			DialTimeout: cfg.Redis.DialTimeout,
			OpTimeout:   cfg.Redis.OpTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		inner = r
	} else {
		m, err := kv.NewMemory(cfg.Cache.MemoryMaxItems)
		if err != nil {
			return nil, err
		}
		inner = m
	}
	return kv.NewBreaker(inner, kv.BreakerOptions{
		Name:        "fast-path",
		MaxFailures: cfg.Cache.Breaker.MaxFailures,
		OpenTimeout: cfg.Cache.Breaker.OpenTimeout,
	}), nil
}

func cacheOptions(cfg *config.Config, rec cache.Recorder) cache.Options {
	return cache.Options{
		Recorder:        rec,
		DefaultTTL:      cfg.Cache.DefaultTTL,
		Threshold:       cfg.Cache.SimilarityThreshold,
		Thresholds:      cfg.Cache.SearchThresholds,
		CandidatePool:   cfg.Cache.CandidatePool,
		CandidateWindow: cfg.Cache.CandidateWindow,
		WritebackQueue:  cfg.Cache.WritebackQueue,
		MaxAge:          cfg.Cache.MaxAge,
		MinHits:         cfg.Cache.MinHits,
	}
}

// cacheEnv is everything the cache subcommands need.
type cacheEnv struct {
	db      *sqlx.DB
	fast    kv.Store
	durable *durable.Store
	cache   *cache.Cache
}

func openCache(configPath string) (*cacheEnv, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	ds, err := durable.New(context.Background(), db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	fast, err := openFast(cfg)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	c := cache.New(fast, ds, cacheOptions(cfg, nil))
	env := &cacheEnv{db: db, fast: fast, durable: ds, cache: c}
	return env, func() {
		c.Close()
		_ = fast.Close()
		_ = db.Close()
	}, nil
}
