package main

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/reelcraft/api/internal/audit"
	"github.com/reelcraft/api/internal/config"
	"github.com/reelcraft/api/internal/lease"
	"github.com/reelcraft/api/internal/store"
)

const auditMaxItems = 500

// backends bundles the job table with the reaper's lease and audit log,
// which live next to it.
type backends struct {
	driver string
	store  store.Store
	purger store.Purger // nil when the backend expires records itself
	locker lease.Locker
	audit  audit.Sink
	close  func()
}

func openBackends(cfg *config.Config, rdb redis.UniversalClient) (*backends, error) {
	opts := []store.Option{store.WithRetention(cfg.Store.Retention)}

	switch cfg.Store.Driver {
	case "", "redis":
		// Keys carry their own TTL, so nothing to purge.
		return &backends{
			driver: "redis",
			store:  store.NewRedisStore(rdb, opts...),
			locker: lease.NewRedisLocker(rdb),
			audit:  audit.NewRedisSink(rdb, auditMaxItems),
			close:  func() {},
		}, nil

	case "sqlite":
		s, err := store.OpenSQLite(cfg.Store.SQLitePath, opts...)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		sink, err := audit.NewSQLiteSink(s.DB())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open sqlite audit: %w", err)
		}
		return &backends{
			driver: "sqlite",
			store:  s,
			purger: s,
			locker: lease.NewFileLocker(cfg.Reaper.LockFile),
			audit:  sink,
			close: func() {
				if err := s.Close(); err != nil {
					slog.Error("failed to close sqlite store", "error", err)
				}
			},
		}, nil

	case "memory":
		// Single process only: no lease, no durable audit.
		s := store.NewMemoryStore(opts...)
		return &backends{
			driver: "memory",
			store:  s,
			purger: s,
			close:  func() {},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
