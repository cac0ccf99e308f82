package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestRepositoryConfig_Defaults(t *testing.T) {
	var c RepositoryConfig

	assert.True(t, c.CachingEnabled())
	assert.True(t, c.RedeployAllowed())
	assert.Equal(t, DefaultCacheTTL, c.CacheTTL())

	c.CacheEnabled = boolPtr(false)
	c.AllowRedeploy = boolPtr(false)
	c.CacheTTLSeconds = 30

	assert.False(t, c.CachingEnabled())
	assert.False(t, c.RedeployAllowed())
	assert.Equal(t, 30*time.Second, c.CacheTTL())
}

func TestRepositoryConfig_ValueScan(t *testing.T) {
	in := RepositoryConfig{
		UpstreamURL:     "https://registry.npmjs.org",
		WritePolicy:     WritePolicyMirror,
		Members:         []string{"a", "b"},
		AllowRedeploy:   boolPtr(false),
		PreferredWriter: "a",
	}

	v, err := in.Value()
	require.NoError(t, err)

	var out RepositoryConfig
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)

	require.NoError(t, out.Scan(`{"cacheTtl":60}`))
	assert.Equal(t, time.Minute, out.CacheTTL())

	require.NoError(t, out.Scan(nil))
	assert.Equal(t, RepositoryConfig{}, out)

	assert.Error(t, out.Scan(42))
}

func TestRepository_Validate(t *testing.T) {
	tests := []struct {
		name    string
		repo    Repository
		wantErr bool
	}{
		{"hosted", Repository{Name: "npm-local", Manager: "npm", Type: RepositoryHosted}, false},
		{"group", Repository{Name: "npm-all", Manager: "npm", Type: RepositoryGroup}, false},
		{"proxy without upstream", Repository{Name: "npmjs", Manager: "npm", Type: RepositoryProxy}, true},
		{"proxy", Repository{Name: "npmjs", Manager: "npm", Type: RepositoryProxy, Config: RepositoryConfig{UpstreamURL: "https://registry.npmjs.org"}}, false},
		{"missing name", Repository{Manager: "npm", Type: RepositoryHosted}, true},
		{"missing manager", Repository{Name: "x", Type: RepositoryHosted}, true},
		{"bad type", Repository{Name: "x", Manager: "npm", Type: "virtual"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.repo.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRepository_Ref(t *testing.T) {
	assert.Equal(t, "npm-local", (&Repository{ID: "1", Name: "npm-local"}).Ref())
	assert.Equal(t, "1", (&Repository{ID: "1"}).Ref())
}
