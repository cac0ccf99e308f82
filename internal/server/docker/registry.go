// Package docker implements the Docker Registry V2 repository operations:
// chunked blob uploads, blob reads and manifest storage. It works on
// repository references and leaves the HTTP surface to callers.
package docker

import (
	"bytes"
	"context"
	// go-digest needs the hash implementations registered.
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/logging"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/proxycache"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/artifacts"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/storage"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/writepolicy"
)

// Manager is the storage key namespace of this adapter.
const Manager = "docker"

type Registry struct {
	lookup   writepolicy.Lookup
	storage  storage.Storage
	index    artifacts.Repository
	resolver *writepolicy.Resolver
	engine   *proxycache.Engine
	sessions *UploadSessions
	logger   logging.Logger
	now      func() time.Time
}

// NewRegistry wires a registry. index and engine may be nil; without an
// engine proxy repositories cannot be read.
func NewRegistry(lookup writepolicy.Lookup, st storage.Storage, index artifacts.Repository,
	resolver *writepolicy.Resolver, engine *proxycache.Engine, sessions *UploadSessions, logger logging.Logger) *Registry {
	return &Registry{
		lookup:   lookup,
		storage:  st,
		index:    index,
		resolver: resolver,
		engine:   engine,
		sessions: sessions,
		logger:   logger.With("module", "docker"),
		now:      time.Now,
	}
}

type UploadStart struct {
	UUID     string
	Location string
}

// Blob is an open blob stream. Cache is set for proxied blobs.
type Blob struct {
	Body   io.ReadCloser
	Size   int64
	Digest string
	Cache  proxycache.Status
}

func (b *Blob) Header() http.Header {
	h := http.Header{}
	h.Set(common.DockerContentDigestHeader, b.Digest)
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(b.Size, 10))
	if b.Cache != "" {
		h.Set(proxycache.HeaderName, string(b.Cache))
	}
	return h
}

type BlobInfo struct {
	Digest string
	Size   int64
}

func blobKey(repo *models.Repository, image string, d digest.Digest) string {
	return storage.Key(Manager, repo.Ref(), image, "blobs", string(d.Algorithm()), d.Encoded())
}

func uploadLocation(image, id string) string {
	return "/v2/" + image + "/blobs/uploads/" + id
}

func (r *Registry) repository(ctx context.Context, ref string) (*models.Repository, error) {
	repo, err := r.lookup.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func rejectProxyWrite(repo *models.Repository) error {
	if repo.Type == models.RepositoryProxy {
		return common.PolicyViolation(fmt.Sprintf("Cannot push to proxy repository %s", repo.Ref()))
	}
	return nil
}

func parseDigest(s string) (digest.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrInvalidDigest, s)
	}
	return d, nil
}

// InitiateUpload opens an upload session. Writes to a group are checked
// against its policy up front so a read-only group fails before any bytes
// are sent.
func (r *Registry) InitiateUpload(ctx context.Context, repoRef, image string) (*UploadStart, error) {
	repo, err := r.repository(ctx, repoRef)
	if err != nil {
		return nil, err
	}
	if err := rejectProxyWrite(repo); err != nil {
		return nil, err
	}
	if _, err := r.resolver.Targets(ctx, repo); err != nil {
		return nil, err
	}

	s, err := r.sessions.Create(repo.ID, image)
	if err != nil {
		return nil, err
	}
	r.logger.Debug(ctx, "upload started", "repository", repo.Ref(), "image", image, "uuid", s.UUID)
	return &UploadStart{UUID: s.UUID, Location: uploadLocation(image, s.UUID)}, nil
}

func (r *Registry) session(ctx context.Context, repoRef, id string) (*models.Repository, *Session, error) {
	repo, err := r.repository(ctx, repoRef)
	if err != nil {
		return nil, nil, err
	}
	s, err := r.sessions.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if s.RepositoryID != repo.ID {
		return nil, nil, sessionNotFound(id)
	}
	return repo, s, nil
}

// AppendUpload adds a chunk. A negative offset skips the offset check.
func (r *Registry) AppendUpload(ctx context.Context, repoRef, id string, offset int64, chunk io.Reader) (int64, error) {
	if _, _, err := r.session(ctx, repoRef, id); err != nil {
		return 0, err
	}
	return r.sessions.Append(id, offset, chunk)
}

// FinalizeUpload appends tail, verifies the content against expected and
// stores the blob. An empty expected digest accepts whatever was uploaded
// and returns its SHA-256 digest.
func (r *Registry) FinalizeUpload(ctx context.Context, repoRef, image, id, expected string, tail io.Reader) (string, error) {
	repo, s, err := r.session(ctx, repoRef, id)
	if err != nil {
		return "", err
	}

	alg := digest.Canonical
	var want digest.Digest
	if expected != "" {
		if want, err = parseDigest(expected); err != nil {
			return "", err
		}
		alg = want.Algorithm()
	}

	if tail != nil {
		if _, err := r.sessions.Append(id, -1, tail); err != nil {
			return "", err
		}
	}

	got, err := r.computeDigest(s, alg)
	if err != nil {
		return "", err
	}
	if want != "" && got != want {
		r.sessions.Remove(id)
		return "", common.DigestMismatch(fmt.Sprintf("digest mismatch: expected %s, computed %s", want, got))
	}

	size := s.BytesWritten()
	_, err = writepolicy.Write(ctx, r.resolver, repo, func(ctx context.Context, member *models.Repository) (*storage.SaveResult, error) {
		return r.saveBlob(ctx, member, image, got, s, size)
	})
	if err != nil {
		return "", err
	}

	r.sessions.Remove(id)
	r.logger.Info(ctx, "blob stored", "repository", repo.Ref(), "image", image, "digest", got.String(), "size", size)
	return got.String(), nil
}

func (r *Registry) computeDigest(s *Session, alg digest.Algorithm) (digest.Digest, error) {
	if !alg.Available() {
		return "", fmt.Errorf("%w: unsupported algorithm %s", common.ErrInvalidDigest, alg)
	}
	f, err := s.open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	d, err := alg.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("digest upload %s: %w", s.UUID, err)
	}
	return d, nil
}

func (r *Registry) saveBlob(ctx context.Context, member *models.Repository, image string, d digest.Digest, s *Session, size int64) (*storage.SaveResult, error) {
	f, err := s.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	key := blobKey(member, image, d)
	res, err := r.storage.Save(ctx, key, storage.Reader(f, size))
	if err != nil {
		return nil, err
	}
	r.indexArtifact(ctx, &models.Artifact{
		RepositoryID: member.ID,
		PackageName:  image,
		Version:      d.String(),
		StorageKey:   key,
		ContentHash:  res.ContentHash,
		Size:         res.Size,
	})
	return res, nil
}

// indexArtifact is best effort.
func (r *Registry) indexArtifact(ctx context.Context, a *models.Artifact) {
	if r.index == nil {
		return
	}
	if _, err := r.index.Upsert(ctx, a); err != nil {
		r.logger.Warn(ctx, "failed to index artifact", "key", a.StorageKey, "error", err)
	}
}

func (r *Registry) touch(ctx context.Context, repo *models.Repository, key string) {
	if r.index == nil {
		return
	}
	if err := r.index.Touch(ctx, repo.ID, key, r.now()); err != nil && !errors.Is(err, common.ErrNotFound) {
		r.logger.Warn(ctx, "failed to touch artifact", "key", key, "error", err)
	}
}

// CancelUpload discards a session.
func (r *Registry) CancelUpload(ctx context.Context, repoRef, id string) error {
	if _, _, err := r.session(ctx, repoRef, id); err != nil {
		return err
	}
	r.sessions.Remove(id)
	return nil
}

// UploadStatus reports how many bytes a session has received.
func (r *Registry) UploadStatus(ctx context.Context, repoRef, id string) (int64, error) {
	_, s, err := r.session(ctx, repoRef, id)
	if err != nil {
		return 0, err
	}
	return s.BytesWritten(), nil
}

// GetBlob opens a blob. Group repositories are searched member by member and
// proxy repositories go through the cache.
func (r *Registry) GetBlob(ctx context.Context, repoRef, image, dgst string) (*Blob, error) {
	repo, err := r.repository(ctx, repoRef)
	if err != nil {
		return nil, err
	}
	d, err := parseDigest(dgst)
	if err != nil {
		return nil, err
	}
	return writepolicy.Read(ctx, r.resolver, repo, func(ctx context.Context, member *models.Repository) (*Blob, error) {
		return r.getBlob(ctx, member, image, d)
	})
}

func (r *Registry) getBlob(ctx context.Context, repo *models.Repository, image string, d digest.Digest) (*Blob, error) {
	if repo.Type == models.RepositoryProxy {
		resp, err := r.proxy(ctx, repo, proxycache.Request{
			Key:       blobKey(repo, image, d),
			Path:      "/v2/" + image + "/blobs/" + d.String(),
			ParsePath: func(string) (string, string, bool) { return image, d.String(), true },
			Verify:    func(data []byte) error { return verifyDigest(d, data) },
		})
		if err != nil {
			return nil, err
		}
		return &Blob{
			Body:   io.NopCloser(bytes.NewReader(resp.Data)),
			Size:   int64(len(resp.Data)),
			Digest: d.String(),
			Cache:  resp.Status,
		}, nil
	}

	key := blobKey(repo, image, d)
	obj, err := r.storage.GetStream(ctx, key, nil)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.NotFound(fmt.Sprintf("Blob %s not found", d))
		}
		return nil, err
	}
	r.touch(ctx, repo, key)
	return &Blob{Body: obj.Body, Size: obj.TotalSize, Digest: d.String()}, nil
}

// BlobExists returns the blob's size without its content.
func (r *Registry) BlobExists(ctx context.Context, repoRef, image, dgst string) (*BlobInfo, error) {
	repo, err := r.repository(ctx, repoRef)
	if err != nil {
		return nil, err
	}
	d, err := parseDigest(dgst)
	if err != nil {
		return nil, err
	}
	return writepolicy.Read(ctx, r.resolver, repo, func(ctx context.Context, member *models.Repository) (*BlobInfo, error) {
		if member.Type == models.RepositoryProxy {
			b, err := r.getBlob(ctx, member, image, d)
			if err != nil {
				return nil, err
			}
			_ = b.Body.Close()
			return &BlobInfo{Digest: d.String(), Size: b.Size}, nil
		}
		md, err := r.storage.GetMetadata(ctx, blobKey(member, image, d))
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return nil, common.NotFound(fmt.Sprintf("Blob %s not found", d))
			}
			return nil, err
		}
		return &BlobInfo{Digest: d.String(), Size: md.Size}, nil
	})
}

func verifyDigest(d digest.Digest, data []byte) error {
	v := d.Verifier()
	if _, err := v.Write(data); err != nil {
		return err
	}
	if !v.Verified() {
		return fmt.Errorf("content does not match %s", d)
	}
	return nil
}

func (r *Registry) proxy(ctx context.Context, repo *models.Repository, req proxycache.Request) (*proxycache.Response, error) {
	if r.engine == nil {
		return nil, common.PolicyViolation(fmt.Sprintf("Proxy repository %s is not served", repo.Ref()))
	}
	return r.engine.Fetch(ctx, repo, req)
}
