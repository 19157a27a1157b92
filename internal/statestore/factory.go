package statestore

import (
	"context"
	"fmt"
	"strings"

	"gemchat-go/internal/config"
	log "github.com/sirupsen/logrus"
)

// Open builds and initializes the store named by cfg.StateBackend.
// Backend "none" (or empty) returns a nil store: persistence disabled.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.StateBackend))
	switch backend {
	case "", "none":
		return nil, nil
	case "file":
		fs := NewFileStore(cfg.StateDir)
		if err := fs.Initialize(ctx); err != nil {
			return nil, err
		}
		log.WithField("dir", cfg.StateDir).Info("Key state persistence: file backend")
		return fs, nil
	case "redis":
		rs := NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err := rs.Initialize(ctx); err != nil {
			return nil, err
		}
		log.WithField("addr", cfg.RedisAddr).Info("Key state persistence: redis backend")
		return rs, nil
	case "mongodb":
		ms := NewMongoStore(cfg.MongoDBURI, cfg.MongoDatabase)
		if err := ms.Initialize(ctx); err != nil {
			return nil, err
		}
		log.WithField("database", cfg.MongoDatabase).Info("Key state persistence: mongodb backend")
		return ms, nil
	case "postgres":
		ps, err := NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := ps.Initialize(ctx); err != nil {
			ps.Close()
			return nil, err
		}
		log.Info("Key state persistence: postgres backend")
		return ps, nil
	default:
		return nil, fmt.Errorf("unsupported state backend: %s", cfg.StateBackend)
	}
}
