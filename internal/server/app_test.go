package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/pkgkeeper/internal/server/auth"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/config"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/packages"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)

	reposFile := filepath.Join(dir, "repositories.json")
	require.NoError(t, os.WriteFile(reposFile, []byte(`[
		{"name": "docker-local", "manager": "docker", "type": "hosted"},
		{"name": "npm-local", "manager": "npm", "type": "hosted", "config": {"allowRedeploy": false}}
	]`), 0o600))
	usersFile := filepath.Join(dir, "users.json")
	require.NoError(t, os.WriteFile(usersFile, []byte(`{"alice": "`+string(hash)+`"}`), 0o600))

	c := &config.Config{}
	c.LoadDefaults()
	c.EndpointAddrGRPC = "127.0.0.1:0"
	c.MetricsAddr = ""
	c.StorageRoot = filepath.Join(dir, "data")
	c.UploadTempDir = filepath.Join(dir, "uploads")
	c.RepositoriesFile = reposFile
	c.UsersFile = usersFile
	c.WorkerID = "test-worker"
	return c
}

func TestNewApp_WiresInMemoryRuntime(t *testing.T) {
	ctx := context.Background()
	app, err := NewApp(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.shutdown(ctx) })

	start, err := app.Registry().InitiateUpload(ctx, "docker-local", "team/app")
	require.NoError(t, err)
	_, err = app.Registry().AppendUpload(ctx, "docker-local", start.UUID, 0, strings.NewReader("layer"))
	require.NoError(t, err)
	d, err := app.Registry().FinalizeUpload(ctx, "docker-local", "team/app", start.UUID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, digest.FromString("layer").String(), d)

	_, err = app.Packages().Upload(ctx, "npm-local", packages.UploadRequest{
		Name: "pkg", Version: "1.0.0", Filename: "pkg-1.0.0.tgz", Payload: storage.Bytes([]byte("x")),
	})
	require.NoError(t, err)

	tok, err := app.Tokens().Issue(ctx, auth.TokenRequest{
		Username: "alice", Password: "s3cret", Scopes: []string{"repository:team/app:pull,push"},
	})
	require.NoError(t, err)
	claims, err := app.Tokens().Parse(tok.Token)
	require.NoError(t, err)
	assert.True(t, claims.Allows("team/app", "push"))
}

func TestNewApp_BadRepositoriesFile(t *testing.T) {
	c := testConfig(t)
	c.RepositoriesFile = filepath.Join(t.TempDir(), "missing.json")

	_, err := NewApp(context.Background(), c)
	assert.Error(t, err)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	app, err := NewApp(ctx, testConfig(t))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		app.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop after context cancel")
	}
	assert.Equal(t, 0, app.sessions.Len())
}
