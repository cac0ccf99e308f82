package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name     string
		manager  string
		repo     string
		segments []string
		want     string
	}{
		{"plain", "npm", "npm-local", []string{"left-pad", "1.3.0"}, "npm/npm-local/left-pad/1.3.0"},
		{"comma equals slash", "docker", "hub", []string{"org,image", "manifests", "latest"}, "docker/hub/org/image/manifests/latest"},
		{"slash split", "docker", "hub", []string{"org/image", "manifests", "latest"}, "docker/hub/org/image/manifests/latest"},
		{"scoped npm", "npm", "r", []string{"@scope/pkg"}, "npm/r/@scope/pkg"},
		{"escaped", "pypi", "r", []string{"my pkg", "1.0+local"}, "pypi/r/my%20pkg/1.0+local"},
		{"empty parts dropped", "cargo", "r", []string{"a,,b", "/c/"}, "cargo/r/a/b/c"},
		{"dot segments", "npm", "r", []string{"..", "."}, "npm/r/%2E%2E/%2E"},
		{"repo slash escaped", "npm", "team/repo", nil, "npm/team%2Frepo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.manager, tt.repo, tt.segments...))
		})
	}
}

func TestSplitKey(t *testing.T) {
	parts, err := SplitKey(Key("pypi", "team/repo", "my pkg", ".."))
	require.NoError(t, err)
	assert.Equal(t, []string{"pypi", "team/repo", "my pkg", ".."}, parts)

	_, err = SplitKey("npm/r/%zz")
	assert.Error(t, err)
}

func TestChildren(t *testing.T) {
	keys := []string{
		"npm/r/pkg/1.0.0/pkg-1.0.0.tgz",
		"npm/r/pkg/1.0.0/package.json",
		"npm/r/pkg/2.0.0%2Bbuild/pkg.tgz",
		"npm/r/other/1.0.0/x",
	}
	assert.Equal(t, []string{"1.0.0", "2.0.0+build"}, Children(keys, "npm/r/pkg/"))
	assert.Empty(t, Children(keys, "npm/r/missing/"))
}
