package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"zkgate/internal/platform/config"
	"zkgate/internal/platform/kafka"
	"zkgate/internal/platform/postgres"
	"zkgate/internal/platform/redis"
	"zkgate/internal/platform/sqlite"
)

// infra holds the shared connections. Only backends some store selects are
// opened.
type infra struct {
	postgres *sql.DB
	sqlite   *sql.DB
	redis    *redis.Client
	kafka    *kgo.Client
}

func openInfra(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *infra, err error) {
	inf := &infra{}
	defer func() {
		if err != nil {
			inf.Close()
		}
	}()

	if cfg.Needs(config.StorePostgres) {
		if inf.postgres, err = postgres.Open(ctx, cfg.Postgres); err != nil {
			return nil, err
		}
		log.Info("postgres connected")
	}
	if cfg.Needs(config.StoreSQLite) {
		if inf.sqlite, err = sqlite.Open(cfg.SQLite.Path); err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		log.Info("sqlite opened", "path", cfg.SQLite.Path)
	}
	if cfg.Needs(config.StoreRedis) {
		if inf.redis, err = redis.New(ctx, cfg.Redis); err != nil {
			return nil, err
		}
		log.Info("redis connected")
	}
	if cfg.Stores.Audit == config.StoreKafka {
		if inf.kafka, err = kafka.New(ctx, cfg.Kafka); err != nil {
			return nil, err
		}
		if err = kafka.EnsureTopic(ctx, inf.kafka, cfg.Kafka.AuditTopic, 1, 1); err != nil {
			return nil, err
		}
		log.Info("kafka connected", "topic", cfg.Kafka.AuditTopic)
	}
	return inf, nil
}

func (i *infra) Close() {
	var errs []error
	if i.kafka != nil {
		i.kafka.Close()
	}
	if i.redis != nil {
		errs = append(errs, i.redis.Close())
	}
	if i.sqlite != nil {
		errs = append(errs, i.sqlite.Close())
	}
	if i.postgres != nil {
		errs = append(errs, i.postgres.Close())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("closing connections", "error", err)
	}
}
