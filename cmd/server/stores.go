package main

import (
	"context"
	"fmt"
	"log/slog"

	"zkgate/internal/artifact"
	"zkgate/internal/build"
	"zkgate/internal/gateway"
	"zkgate/internal/nullifier"
	"zkgate/internal/platform/config"
	regservice "zkgate/internal/registry/service"
	regstore "zkgate/internal/registry/store"
	audit "zkgate/pkg/platform/audit"
	"zkgate/pkg/platform/audit/store/kafka"
	"zkgate/pkg/platform/audit/store/logstore"
	"zkgate/pkg/platform/audit/store/memory"
	auditpg "zkgate/pkg/platform/audit/store/postgres"
	"zkgate/pkg/platform/audit/store/resilient"
	"zkgate/pkg/platform/circuit"
)

// newArtifactStore builds the configured store. prefix and dir apply to the
// s3 and file backends, so artifacts and sdk bundles can share a backend.
func newArtifactStore(ctx context.Context, cfg config.ArtifactConfig, prefix, dir string) (artifact.Store, error) {
	switch cfg.Store {
	case config.StoreFile:
		return artifact.NewFileStore(dir)
	case config.StoreS3:
		client, err := artifact.NewS3Client(ctx, artifact.S3Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return artifact.NewS3Store(client, cfg.S3Bucket, prefix), nil
	default:
		return artifact.NewInMemoryStore(), nil
	}
}

// newDeploymentStore returns the registry store and, for postgres, the runner
// that puts registry writes and their audit rows in one transaction.
func newDeploymentStore(ctx context.Context, cfg config.Config, inf *infra) (regservice.DeploymentStore, regservice.TxRunner, error) {
	switch cfg.Stores.Registry {
	case config.StorePostgres:
		s := regstore.NewPostgres(inf.postgres)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("registry schema: %w", err)
		}
		return s, newRegistryPostgresTx(inf.postgres), nil
	case config.StoreSQLite:
		s, err := regstore.NewSQLite(ctx, inf.sqlite)
		if err != nil {
			return nil, nil, fmt.Errorf("registry schema: %w", err)
		}
		return s, nil, nil
	default:
		return regstore.NewInMemory(), nil, nil
	}
}

func newNullifierStore(ctx context.Context, cfg config.Config, inf *infra) (gateway.TokenStore, error) {
	switch cfg.Stores.Nullifier {
	case config.StoreRedis:
		return nullifier.NewRedis(inf.redis.Client), nil
	case config.StorePostgres:
		s := nullifier.NewPostgres(inf.postgres)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("nullifier schema: %w", err)
		}
		return s, nil
	case config.StoreSQLite:
		s, err := nullifier.NewSQLite(ctx, inf.sqlite)
		if err != nil {
			return nil, fmt.Errorf("nullifier schema: %w", err)
		}
		return s, nil
	default:
		return nullifier.NewInMemory(), nil
	}
}

func newJobStore(cfg config.Config, inf *infra) (build.JobStore, error) {
	switch cfg.Stores.Jobs {
	case config.StoreRedis:
		return build.NewRedisJobStore(inf.redis.Client, cfg.Build.JobTTL), nil
	case config.StoreMemory:
		return build.NewInMemoryJobStore(cfg.Build.JobTTL), nil
	}
	return nil, fmt.Errorf("JOB_STORE: unsupported value %q", cfg.Stores.Jobs)
}

// newAuditStore picks the durable audit sink. Remote sinks fall back to the
// log behind a circuit breaker.
func newAuditStore(ctx context.Context, cfg config.Config, inf *infra, log *slog.Logger) (audit.Store, error) {
	fallback := logstore.New(log)
	switch cfg.Stores.Audit {
	case config.StoreKafka:
		primary := kafka.New(inf.kafka, cfg.Kafka.AuditTopic)
		return resilient.New(primary, fallback, circuit.New("audit-kafka"), resilient.WithLogger(log)), nil
	case config.StorePostgres:
		s := auditpg.New(inf.postgres)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("audit schema: %w", err)
		}
		return resilient.New(s, fallback, circuit.New("audit-postgres"), resilient.WithLogger(log)), nil
	case config.StoreLog:
		return fallback, nil
	default:
		return memory.NewInMemoryStore(), nil
	}
}

// teeStore writes to primary and mirrors every event into mirror. The mirror
// never fails the write.
type teeStore struct {
	primary audit.Store
	mirror  audit.Store
}

func (s teeStore) Append(ctx context.Context, event audit.Event) error {
	_ = s.mirror.Append(ctx, event)
	return s.primary.Append(ctx, event)
}
