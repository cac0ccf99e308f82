package docker

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
)

func TestUploadSessions_AppendChecksOffset(t *testing.T) {
	u := NewUploadSessions(t.TempDir())
	t.Cleanup(u.Close)

	s, err := u.Create("repo-1", "library/alpine")
	require.NoError(t, err)

	n, err := u.Append(s.UUID, 0, strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = u.Append(s.UUID, 1, strings.NewReader("x"))
	assert.True(t, errors.Is(err, common.ErrInvalidInput))

	n, err = u.Append(s.UUID, -1, strings.NewReader("de"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, int64(5), s.BytesWritten())
}

func TestUploadSessions_UnknownSession(t *testing.T) {
	u := NewUploadSessions(t.TempDir())

	_, err := u.Get("nope")
	assert.True(t, errors.Is(err, common.ErrSessionNotFound))
	assert.Equal(t, "session not found: nope", err.Error())

	_, err = u.Append("nope", 0, strings.NewReader("x"))
	assert.True(t, errors.Is(err, common.ErrSessionNotFound))

	u.Remove("nope")
}

func TestUploadSessions_RemoveDeletesSink(t *testing.T) {
	u := NewUploadSessions(t.TempDir())

	s, err := u.Create("repo-1", "img")
	require.NoError(t, err)
	path := s.path

	u.Remove(s.UUID)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, u.Len())
}

func TestUploadSessions_Expire(t *testing.T) {
	u := NewUploadSessions(t.TempDir())
	t.Cleanup(u.Close)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return base }
	old, err := u.Create("r", "img")
	require.NoError(t, err)

	u.now = func() time.Time { return base.Add(2 * time.Hour) }
	fresh, err := u.Create("r", "img")
	require.NoError(t, err)

	assert.Equal(t, 1, u.Expire(base.Add(time.Hour)))

	_, err = u.Get(old.UUID)
	assert.True(t, errors.Is(err, common.ErrSessionNotFound))
	_, err = u.Get(fresh.UUID)
	assert.NoError(t, err)
}
