package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Durations accept both
// "30s" style strings and integer nanoseconds. Absent fields keep the value
// from the previous layer.
type JsonConfig struct {
	EndpointAddrGRPC string         `json:"endpoint_addr_grpc"`
	MetricsAddr      string         `json:"metrics_addr"`
	DatabaseDSN      string         `json:"database_dsn"`
	LogLevel         string         `json:"log_level"`
	SecretKey        string         `json:"secret_key"`
	TokenTTL         timex.Duration `json:"token_ttl"`
	TokenIssuer      string         `json:"token_issuer"`
	TokenService     string         `json:"token_service"`

	StorageBackend string `json:"storage_backend"`
	StorageRoot    string `json:"storage_root"`
	S3RootUser     string `json:"s3_root_user"`
	S3RootPassword string `json:"s3_root_password"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`
	MinioEndpoint  string `json:"minio_endpoint"`
	MinioUseSSL    *bool  `json:"minio_use_ssl"`

	UploadTempDir    string         `json:"upload_temp_dir"`
	UploadSessionTTL timex.Duration `json:"upload_session_ttl"`

	SchedulerTick  timex.Duration `json:"scheduler_tick"`
	JobStaleAfter  timex.Duration `json:"job_stale_after"`
	JobMaxAttempts int            `json:"job_max_attempts"`
	RetentionAge   timex.Duration `json:"retention_age"`
	WorkerID       string         `json:"worker_id"`
	LockTTL        timex.Duration `json:"lock_ttl"`

	ProxyMemoryCacheSize   int            `json:"proxy_memory_cache_size"`
	ProxyMemoryCacheMaxAge timex.Duration `json:"proxy_memory_cache_max_age"`
	UsersFile              string         `json:"users_file"`
	RepositoriesFile       string         `json:"repositories_file"`
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// parseJson loads path, if set, over config.
func parseJson(config *Config, path string) error {
	if path == "" {
		return nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.MetricsAddr, c.MetricsAddr)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.SecretKey, c.SecretKey)
	setDuration(&config.TokenTTL, c.TokenTTL)
	setString(&config.TokenIssuer, c.TokenIssuer)
	setString(&config.TokenService, c.TokenService)

	setString(&config.StorageBackend, c.StorageBackend)
	setString(&config.StorageRoot, c.StorageRoot)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.MinioEndpoint, c.MinioEndpoint)
	if c.MinioUseSSL != nil {
		config.MinioUseSSL = *c.MinioUseSSL
	}

	setString(&config.UploadTempDir, c.UploadTempDir)
	setDuration(&config.UploadSessionTTL, c.UploadSessionTTL)
	setDuration(&config.SchedulerTick, c.SchedulerTick)
	setDuration(&config.JobStaleAfter, c.JobStaleAfter)
	setInt(&config.JobMaxAttempts, c.JobMaxAttempts)
	setDuration(&config.RetentionAge, c.RetentionAge)
	setString(&config.WorkerID, c.WorkerID)
	setDuration(&config.LockTTL, c.LockTTL)

	setInt(&config.ProxyMemoryCacheSize, c.ProxyMemoryCacheSize)
	setDuration(&config.ProxyMemoryCacheMaxAge, c.ProxyMemoryCacheMaxAge)
	setString(&config.UsersFile, c.UsersFile)
	setString(&config.RepositoriesFile, c.RepositoriesFile)

	return nil
}
