package config

import (
	"flag"
	"io"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/flagx"
)

// parseFlags overlays command-line flags.
//
// The short flags kept from earlier releases:
//
//	-a  gRPC ops address      -d  PostgreSQL DSN
//	-s  token secret          -t  token TTL, minutes
//	-u  S3 user               -p  S3 password
//	-b  S3 bucket             -g  S3 region
//	-e  S3 base endpoint
//
// Everything else uses descriptive names (-storage, -metrics-addr, ...).
// Only flags defined here are considered; others in args are ignored.
func parseFlags(config *Config, args []string) error {
	fs := flag.NewFlagSet("pkgkeeper", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "gRPC ops address")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN, empty for in-memory stores")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "token signing secret")
	tokenTTL := fs.Int("t", int(config.TokenTTL.Minutes()), "token validity (in minutes)")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	fs.StringVar(&config.MetricsAddr, "metrics-addr", config.MetricsAddr, "Prometheus metrics address")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "debug, info, warn or error")
	fs.StringVar(&config.StorageBackend, "storage", config.StorageBackend, "storage backend: local, s3 or minio")
	fs.StringVar(&config.StorageRoot, "storage-root", config.StorageRoot, "root directory of the local backend")
	fs.StringVar(&config.MinioEndpoint, "minio-endpoint", config.MinioEndpoint, "MinIO endpoint host:port")
	fs.BoolVar(&config.MinioUseSSL, "minio-ssl", config.MinioUseSSL, "use TLS for MinIO")
	fs.StringVar(&config.UploadTempDir, "upload-dir", config.UploadTempDir, "directory for in-progress uploads")
	fs.DurationVar(&config.UploadSessionTTL, "upload-ttl", config.UploadSessionTTL, "idle upload session lifetime")
	fs.DurationVar(&config.SchedulerTick, "tick", config.SchedulerTick, "scheduler tick interval")
	fs.DurationVar(&config.RetentionAge, "retention", config.RetentionAge, "delete artifacts not accessed for this long, 0 disables")
	fs.StringVar(&config.WorkerID, "worker-id", config.WorkerID, "worker identity used to claim jobs")
	fs.StringVar(&config.UsersFile, "users", config.UsersFile, "JSON file of username to bcrypt hash")
	fs.StringVar(&config.RepositoriesFile, "repositories", config.RepositoriesFile, "JSON file of repository definitions")

	var allowed []string
	fs.VisitAll(func(f *flag.Flag) { allowed = append(allowed, "-"+f.Name, "--"+f.Name) })

	if err := fs.Parse(flagx.FilterArgs(args, allowed)); err != nil {
		return err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "t" {
			config.TokenTTL = time.Duration(*tokenTTL) * time.Minute
		}
	})
	return nil
}
