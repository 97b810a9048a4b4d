package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backend names accepted by the *_STORE variables.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreFile     = "file"
	StoreS3       = "s3"
	StoreKafka    = "kafka"
	StoreLog      = "log"
)

// Gateway modes.
const (
	ModeSingleProof = "single_proof"
	ModeTwoProof    = "two_proof"
)

// DefaultNullifierTTL keeps consumed tokens for 30 days.
const DefaultNullifierTTL = 30 * 24 * time.Hour

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	GatewayAddr     string
	AdminAPIToken   string
	PublicBaseURL   string
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type PostgresConfig struct {
	URL          string
	MaxOpenConns int
}

type SQLiteConfig struct {
	Path string
}

type ArtifactConfig struct {
	Store           string
	Dir             string
	S3Bucket        string
	S3Prefix        string
	S3Region        string
	S3Endpoint      string
	AccessKeyID     string
	SecretAccessKey string
}

// StoresConfig selects the backend for each storage concern.
type StoresConfig struct {
	Registry  string
	Nullifier string
	Jobs      string
	Audit     string
}

type EngineConfig struct {
	AttestationSecret string
	// ArenaSize bounds the number of loaded programs across prover and gateway.
	ArenaSize int
}

type ProverConfig struct {
	CacheSize      int
	MaxConcurrency int
	Timeout        time.Duration
}

type BuildConfig struct {
	Workers        int
	QueueSize      int
	JobTTL         time.Duration
	SDKDir         string
	WebhookTimeout time.Duration
}

type GatewayConfig struct {
	Mode            string
	UpstreamURL     string
	PaymentTenant   string
	NullifierTTL    time.Duration
	GrantSigningKey string
	GrantTTL        time.Duration
	GrantIssuer     string
	GrantAudience   string
	RequestTimeout  time.Duration
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

type RegistryConfig struct {
	Retention string
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Config is the full process configuration.
type Config struct {
	Server   Server
	Redis    RedisConfig
	Postgres PostgresConfig
	SQLite   SQLiteConfig
	Artifact ArtifactConfig
	Stores   StoresConfig
	Engine   EngineConfig
	Prover   ProverConfig
	Build    BuildConfig
	Gateway  GatewayConfig
	Kafka    KafkaConfig
	Registry RegistryConfig
	Log      LogConfig
}

// LoadDotEnv loads variables from path without overriding ones already set.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	cfg := Config{
		Server: Server{
			Addr:            getEnv("ZKGATE_ADDR", ":8080"),
			GatewayAddr:     getEnv("ZKGATE_GATEWAY_ADDR", ":8081"),
			AdminAPIToken:   getEnv("ADMIN_API_TOKEN", "dev-admin-token"),
			PublicBaseURL:   strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: PostgresConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: getInt("DATABASE_MAX_OPEN_CONNS", 10),
		},
		SQLite: SQLiteConfig{
			Path: getEnv("SQLITE_PATH", "zkgate.db"),
		},
		Artifact: ArtifactConfig{
			Store:           getEnv("ARTIFACT_STORE", StoreMemory),
			Dir:             getEnv("ARTIFACT_DIR", "./artifacts"),
			S3Bucket:        os.Getenv("S3_BUCKET"),
			S3Prefix:        getEnv("S3_PREFIX", "artifacts"),
			S3Region:        getEnv("AWS_REGION", "us-east-1"),
			S3Endpoint:      os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		},
		Stores: StoresConfig{
			Registry:  getEnv("REGISTRY_STORE", StoreMemory),
			Nullifier: getEnv("NULLIFIER_STORE", StoreMemory),
			Jobs:      getEnv("JOB_STORE", StoreMemory),
			Audit:     getEnv("AUDIT_STORE", StoreMemory),
		},
		Engine: EngineConfig{
			// Use a default for development - should be overridden in production
			AttestationSecret: getEnv("ENGINE_ATTESTATION_SECRET", "dev-attestation-secret-change-me"),
			ArenaSize:         getInt("ENGINE_ARENA_SIZE", 256),
		},
		Prover: ProverConfig{
			CacheSize:      getInt("PROVER_CACHE_SIZE", 64),
			MaxConcurrency: getInt("PROVER_MAX_CONCURRENCY", runtime.NumCPU()),
			Timeout:        getDuration("PROVER_TIMEOUT", time.Minute),
		},
		Build: BuildConfig{
			Workers:        getInt("BUILD_WORKERS", 2),
			QueueSize:      getInt("BUILD_QUEUE_SIZE", 64),
			JobTTL:         getDuration("BUILD_JOB_TTL", 24*time.Hour),
			SDKDir:         getEnv("SDK_DIR", os.TempDir()+"/zkgate-sdk"),
			WebhookTimeout: getDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Gateway: GatewayConfig{
			Mode:            getEnv("GATEWAY_MODE", ModeSingleProof),
			UpstreamURL:     getEnv("GATEWAY_UPSTREAM_URL", "http://localhost:9000"),
			PaymentTenant:   getEnv("GATEWAY_PAYMENT_TENANT", "payments"),
			NullifierTTL:    getDuration("GATEWAY_NULLIFIER_TTL", DefaultNullifierTTL),
			GrantSigningKey: getEnv("GATEWAY_GRANT_KEY", "dev-grant-key-change-in-production"),
			GrantTTL:        getDuration("GATEWAY_GRANT_TTL", time.Minute),
			GrantIssuer:     getEnv("GATEWAY_GRANT_ISSUER", "zkgate"),
			GrantAudience:   getEnv("GATEWAY_GRANT_AUDIENCE", "upstream"),
			RequestTimeout:  getDuration("GATEWAY_REQUEST_TIMEOUT", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:    splitList(os.Getenv("KAFKA_BROKERS")),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "zkgate.audit"),
		},
		Registry: RegistryConfig{
			Retention: getEnv("REGISTRY_RETENTION", "retain_previous"),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       os.Getenv("LOG_FILE"),
			MaxSizeMB:  getInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getInt("LOG_MAX_BACKUPS", 5),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	check := func(name, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unsupported value %q (want one of %s)", name, value, strings.Join(allowed, ", ")))
	}
	check("ARTIFACT_STORE", c.Artifact.Store, StoreMemory, StoreFile, StoreS3)
	check("REGISTRY_STORE", c.Stores.Registry, StoreMemory, StorePostgres, StoreSQLite)
	check("NULLIFIER_STORE", c.Stores.Nullifier, StoreMemory, StoreRedis, StorePostgres, StoreSQLite)
	check("JOB_STORE", c.Stores.Jobs, StoreMemory, StoreRedis)
	check("AUDIT_STORE", c.Stores.Audit, StoreMemory, StorePostgres, StoreKafka, StoreLog)
	check("GATEWAY_MODE", c.Gateway.Mode, ModeSingleProof, ModeTwoProof)
	check("REGISTRY_RETENTION", c.Registry.Retention, "retain_previous", "delete_immediately")

	if c.Artifact.Store == StoreS3 && c.Artifact.S3Bucket == "" {
		errs = append(errs, errors.New("S3_BUCKET is required when ARTIFACT_STORE=s3"))
	}
	if c.Needs(StoreRedis) && c.Redis.URL == "" {
		errs = append(errs, errors.New("REDIS_URL is required by a redis-backed store"))
	}
	if c.Needs(StorePostgres) && c.Postgres.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required by a postgres-backed store"))
	}
	if c.Stores.Audit == StoreKafka && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when AUDIT_STORE=kafka"))
	}
	if len(c.Engine.AttestationSecret) < 16 {
		errs = append(errs, errors.New("ENGINE_ATTESTATION_SECRET must be at least 16 bytes"))
	}
	if c.Prover.CacheSize <= 0 || c.Prover.MaxConcurrency <= 0 || c.Build.Workers <= 0 || c.Engine.ArenaSize <= 0 {
		errs = append(errs, errors.New("cache size, arena size, prover concurrency and build workers must be positive"))
	}
	return errors.Join(errs...)
}

// Needs reports whether any store is configured with backend.
func (c Config) Needs(backend string) bool {
	return c.Stores.Registry == backend || c.Stores.Nullifier == backend ||
		c.Stores.Jobs == backend || c.Stores.Audit == backend
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
