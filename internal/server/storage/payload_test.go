package storage

import (
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readPayload(t *testing.T, p Payload) ([]byte, int64) {
	t.Helper()
	rc, size, err := p.Open()
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b, size
}

func TestPayload_Open(t *testing.T) {
	b, size := readPayload(t, Bytes([]byte("abc")))
	assert.Equal(t, "abc", string(b))
	assert.Equal(t, int64(3), size)

	b, size = readPayload(t, Base64("YWJj"))
	assert.Equal(t, "abc", string(b))
	assert.Equal(t, int64(3), size)

	b, size = readPayload(t, Reader(strings.NewReader("abc"), -1))
	assert.Equal(t, "abc", string(b))
	assert.Equal(t, int64(-1), size)
}

func TestPayload_OpenErrors(t *testing.T) {
	_, _, err := Base64("not base64!").Open()
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, _, err = File(filepath.Join(t.TempDir(), "missing")).Open()
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, _, err = Reader(nil, 0).Open()
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, _, err = Payload{}.Open()
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestPayloadFromJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		kind    PayloadKind
		want    string
		wantErr bool
	}{
		{name: "base64 string", raw: `"YWJj"`, kind: PayloadBase64, want: "abc"},
		{name: "byte array", raw: `[97, 98, 99]`, kind: PayloadBytes, want: "abc"},
		{name: "buffer object", raw: `{"type":"Buffer","data":[97,98,99]}`, kind: PayloadBytes, want: "abc"},
		{name: "out of range", raw: `[256]`, wantErr: true},
		{name: "other object", raw: `{"type":"Blob"}`, wantErr: true},
		{name: "number", raw: `42`, wantErr: true},
		{name: "empty", raw: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := PayloadFromJSON(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, common.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.Kind())
			b, _ := readPayload(t, p)
			assert.Equal(t, tt.want, string(b))
		})
	}
}
