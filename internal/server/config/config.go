// Package config handles configuration for the pkgkeeper server: defaults,
// then a JSON file, then PKGKEEPER_* environment variables, then
// command-line flags, each layer overriding the previous one.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/flagx"
	"github.com/google/uuid"
)

const (
	StorageLocal = "local"
	StorageS3    = "s3"
	StorageMinio = "minio"
)

// Config holds runtime settings for the pkgkeeper server.
//
// An empty DatabaseDSN selects in-memory stores and process-local locking,
// suitable for a single instance only.
type Config struct {
	EndpointAddrGRPC string `envconfig:"GRPC_ADDR"`
	MetricsAddr      string `envconfig:"METRICS_ADDR"`
	DatabaseDSN      string `envconfig:"DATABASE_DSN"`
	LogLevel         string `envconfig:"LOG_LEVEL"`

	SecretKey    string        `envconfig:"SECRET_KEY"`
	TokenTTL     time.Duration `envconfig:"TOKEN_TTL"`
	TokenIssuer  string        `envconfig:"TOKEN_ISSUER"`
	TokenService string        `envconfig:"TOKEN_SERVICE"`

	StorageBackend string `envconfig:"STORAGE_BACKEND"`
	StorageRoot    string `envconfig:"STORAGE_ROOT"`
	S3RootUser     string `envconfig:"S3_ROOT_USER"`
	S3RootPassword string `envconfig:"S3_ROOT_PASSWORD"`
	S3Bucket       string `envconfig:"S3_BUCKET"`
	S3Region       string `envconfig:"S3_REGION"`
	S3BaseEndpoint string `envconfig:"S3_BASE_ENDPOINT"`
	MinioEndpoint  string `envconfig:"MINIO_ENDPOINT"`
	MinioUseSSL    bool   `envconfig:"MINIO_USE_SSL"`

	UploadTempDir    string        `envconfig:"UPLOAD_TEMP_DIR"`
	UploadSessionTTL time.Duration `envconfig:"UPLOAD_SESSION_TTL"`

	SchedulerTick  time.Duration `envconfig:"SCHEDULER_TICK"`
	JobStaleAfter  time.Duration `envconfig:"JOB_STALE_AFTER"`
	JobMaxAttempts int           `envconfig:"JOB_MAX_ATTEMPTS"`
	RetentionAge   time.Duration `envconfig:"RETENTION_AGE"`
	WorkerID       string        `envconfig:"WORKER_ID"`
	LockTTL        time.Duration `envconfig:"LOCK_TTL"`

	ProxyMemoryCacheSize   int           `envconfig:"PROXY_MEMORY_CACHE_SIZE"`
	ProxyMemoryCacheMaxAge time.Duration `envconfig:"PROXY_MEMORY_CACHE_MAX_AGE"`
	UsersFile              string        `envconfig:"USERS_FILE"`
	RepositoriesFile       string        `envconfig:"REPOSITORIES_FILE"`
}

// LoadDefaults populates Config with development defaults.
// NOTE: SecretKey must be overridden in production.
func (c *Config) LoadDefaults() {
	c.EndpointAddrGRPC = ":50051"
	c.MetricsAddr = ":9102"
	c.DatabaseDSN = ""
	c.LogLevel = "info"
	c.SecretKey = "secretKey"
	c.TokenTTL = 5 * time.Minute
	c.TokenIssuer = "pkgkeeper"
	c.TokenService = "pkgkeeper-registry"
	c.StorageBackend = StorageLocal
	c.StorageRoot = "./data"
	c.S3RootUser = "admin"
	c.S3RootPassword = "secretpassword"
	c.S3Bucket = "artifacts"
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
	c.MinioEndpoint = "127.0.0.1:9000"
	c.UploadTempDir = os.TempDir()
	c.UploadSessionTTL = time.Hour
	c.SchedulerTick = 30 * time.Second
	c.JobStaleAfter = 10 * time.Minute
	c.JobMaxAttempts = 3
	c.RetentionAge = 0
	c.LockTTL = 5 * time.Minute
	c.ProxyMemoryCacheSize = 1024
	c.ProxyMemoryCacheMaxAge = time.Hour
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case StorageLocal:
		if c.StorageRoot == "" {
			return fmt.Errorf("storage root is required for the local backend")
		}
	case StorageS3, StorageMinio:
		if c.S3Bucket == "" {
			return fmt.Errorf("bucket is required for the %s backend", c.StorageBackend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	if c.SecretKey == "" {
		return fmt.Errorf("secret key is required")
	}
	if c.SchedulerTick <= 0 {
		return fmt.Errorf("scheduler tick must be positive")
	}
	if c.JobMaxAttempts <= 0 {
		return fmt.Errorf("job max attempts must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock ttl must be positive")
	}
	return nil
}

// LoadConfig builds a Config from defaults, the JSON file named by -c/-config,
// the environment, and finally the command-line flags in args.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if err := parseJson(cfg, flagx.ConfigPath(args)); err != nil {
		return nil, err
	}
	if err := parseEnv(cfg); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pkgkeeper"
	}
	return host + "-" + uuid.NewString()[:8]
}
