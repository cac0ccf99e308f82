package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		mutate func(*Config)
	}{
		{
			name: "short flags",
			args: []string{"-a", "127.0.0.1:9090", "-d", "db", "-s", "secret", "-t", "10",
				"-u", "user", "-p", "password", "-b", "bucket", "-g", "us-west-1", "-e", "http://endpoint"},
			mutate: func(c *Config) {
				c.EndpointAddrGRPC = "127.0.0.1:9090"
				c.DatabaseDSN = "db"
				c.SecretKey = "secret"
				c.TokenTTL = 10 * time.Minute
				c.S3RootUser = "user"
				c.S3RootPassword = "password"
				c.S3Bucket = "bucket"
				c.S3Region = "us-west-1"
				c.S3BaseEndpoint = "http://endpoint"
			},
		},
		{
			name: "long flags",
			args: []string{"-storage", "minio", "--minio-endpoint=minio:9000", "-retention", "24h", "-worker-id", "w-1", "-minio-ssl"},
			mutate: func(c *Config) {
				c.StorageBackend = StorageMinio
				c.MinioEndpoint = "minio:9000"
				c.RetentionAge = 24 * time.Hour
				c.WorkerID = "w-1"
				c.MinioUseSSL = true
			},
		},
		{
			name:   "foreign flags ignored",
			args:   []string{"-c", "cfg.json", "-v", "-x=1"},
			mutate: func(*Config) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := defaults()
			require.NoError(t, parseFlags(got, tt.args))

			want := defaults()
			tt.mutate(want)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseFlags_TokenTTLKeptWhenUnset(t *testing.T) {
	c := defaults()
	c.TokenTTL = 90 * time.Second

	require.NoError(t, parseFlags(c, []string{"-d", "db"}))
	require.Equal(t, 90*time.Second, c.TokenTTL)
}

func TestParseFlags_BadValue(t *testing.T) {
	require.Error(t, parseFlags(defaults(), []string{"-tick", "soon"}))
}
