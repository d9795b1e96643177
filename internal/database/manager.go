// Package database manages the optional backing stores of blockseal
// services: the Redis nonce cache and the InfluxDB seal time series.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/blockseal/internal/database/influx"
	"github.com/bardlex/blockseal/internal/database/redis"
	"github.com/bardlex/blockseal/internal/sealer"
	"github.com/bardlex/blockseal/pkg/errors"
	"github.com/bardlex/blockseal/pkg/log"
)

// Manager owns the store connections. Either store may be nil when disabled.
type Manager struct {
	Redis  *redis.Client
	Influx *influx.Client

	logger *log.Logger
}

// Config holds configuration for the stores. A nil entry disables that store.
type Config struct {
	Redis  *redis.Config
	Influx *influx.Config
}

// NewManager connects to every configured store
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{logger: logger.WithComponent("database")}

	if cfg.Redis != nil {
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCache, "redis_connection",
				"failed to connect to Redis").
				WithContext("addr", cfg.Redis.Addr)
		}
		m.Redis = client
	}

	if cfg.Influx != nil {
		client, err := influx.NewClient(cfg.Influx, logger)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeNetwork, "influx_connection",
				"failed to connect to InfluxDB").
				WithContext("url", cfg.Influx.URL)
			if m.Redis != nil {
				if closeErr := m.Redis.Close(); closeErr != nil {
					return nil, origErr.WithContext("cleanup_error", closeErr.Error())
				}
			}
			return nil, origErr
		}
		m.Influx = client
	}

	m.logger.Info("stores initialized",
		"redis", m.Redis != nil,
		"influx", m.Influx != nil,
	)

	return m, nil
}

// SealerOptions wires the enabled stores into a sealer
func (m *Manager) SealerOptions() []sealer.Option {
	var opts []sealer.Option
	if m.Redis != nil {
		opts = append(opts, sealer.WithCache(m.Redis))
	}
	if m.Influx != nil {
		opts = append(opts, sealer.WithObservers(m.Influx))
	}
	return opts
}

// Close closes all store connections
func (m *Manager) Close() error {
	var errs []error

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of every enabled store
func (m *Manager) Health(ctx context.Context) error {
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// StartPeriodicTasks flushes InfluxDB writes and checks store health until
// ctx is done.
func (m *Manager) StartPeriodicTasks(ctx context.Context, flushEvery, healthEvery time.Duration) {
	if m.Influx != nil && flushEvery > 0 {
		go func() {
			ticker := time.NewTicker(flushEvery)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.Influx.Flush()
				}
			}
		}()
	}

	if healthEvery > 0 {
		go func() {
			ticker := time.NewTicker(healthEvery)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := m.Health(ctx); err != nil {
						m.logger.WithError(err).Warn("store health check failed")
					}
				}
			}
		}()
	}
}
