// Package storage is the uniform key to bytes layer shared by every
// protocol adapter. Keys are slash separated paths built with Key; all
// backends honour the same contract:
//
//   - Save is last-write-wins per key and computes the SHA-256 of the
//     content while writing it;
//   - missing keys surface as common.ErrNotFound;
//   - List returns every key under a prefix, recursively.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
)

type Storage interface {
	Save(ctx context.Context, key string, p Payload) (*SaveResult, error)
	Get(ctx context.Context, key string) ([]byte, error)
	GetStream(ctx context.Context, key string, r *Range) (*Object, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	GetMetadata(ctx context.Context, key string) (*Metadata, error)
	Delete(ctx context.Context, key string) (bool, error)
	URL(ctx context.Context, key string) (string, error)
}

// SaveResult describes stored content. ContentHash is hex encoded SHA-256.
type SaveResult struct {
	Key         string
	Size        int64
	ContentHash string
}

type Metadata struct {
	Size        int64
	ModTime     time.Time
	ContentType string
}

// Object is an open stream over stored content. Size is the number of bytes
// Body yields; TotalSize is the size of the whole object.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	TotalSize   int64
	ContentType string
}

// Range selects bytes [Start, End] of an object. A negative End means
// "through the last byte".
type Range struct {
	Start int64
	End   int64
}

// resolve validates r against an object of the given size and returns the
// offset and length to read.
func (r *Range) resolve(size int64) (int64, int64, error) {
	if r == nil {
		return 0, size, nil
	}
	end := r.End
	if end < 0 || end >= size {
		end = size - 1
	}
	if r.Start < 0 || r.Start > end {
		return 0, 0, common.InvalidInput(fmt.Sprintf("invalid range %d-%d for object of %d bytes", r.Start, r.End, size))
	}
	return r.Start, end - r.Start + 1, nil
}

const defaultContentType = "application/octet-stream"

// hashingReader feeds everything read through it into a SHA-256 accumulator.
type hashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func newHashingReader(r io.Reader) *hashingReader {
	h := sha256.New()
	return &hashingReader{r: io.TeeReader(r, h), h: h}
}

func (hr *hashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	hr.n += int64(n)
	return n, err
}

func (hr *hashingReader) Sum() string {
	return hex.EncodeToString(hr.h.Sum(nil))
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// Digest returns the hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
