// Package packages serves hosted, proxy and group repositories of the
// file-based package managers (npm, Maven, PyPI, Helm, NuGet, Composer,
// Cargo). Every artifact is addressed as <manager>/<repo>/<name>/<version>/<file>.
package packages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/logging"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/proxycache"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/artifacts"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/storage"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/writepolicy"
)

// Layout maps package coordinates to a path on a proxy's upstream.
type Layout func(name, version, filename string) string

// DefaultLayout is used for managers without a registered layout.
func DefaultLayout(name, version, filename string) string {
	return "/" + name + "/" + version + "/" + filename
}

// NpmLayout follows the registry tarball convention.
func NpmLayout(name, _, filename string) string {
	return "/" + name + "/-/" + filename
}

// PypiLayout follows the simple index's packages path.
func PypiLayout(name, _, filename string) string {
	return "/packages/" + name + "/" + filename
}

type Service struct {
	lookup   writepolicy.Lookup
	storage  storage.Storage
	index    artifacts.Repository
	resolver *writepolicy.Resolver
	engine   *proxycache.Engine
	layouts  map[string]Layout
	spoolDir string
	logger   logging.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithLayout registers the upstream layout of a manager.
func WithLayout(manager string, l Layout) Option {
	return func(s *Service) { s.layouts[manager] = l }
}

// WithSpoolDir sets where streamed uploads to groups are buffered.
func WithSpoolDir(dir string) Option {
	return func(s *Service) { s.spoolDir = dir }
}

func NewService(lookup writepolicy.Lookup, st storage.Storage, index artifacts.Repository,
	resolver *writepolicy.Resolver, engine *proxycache.Engine, logger logging.Logger, opts ...Option) *Service {
	s := &Service{
		lookup:   lookup,
		storage:  st,
		index:    index,
		resolver: resolver,
		engine:   engine,
		layouts:  map[string]Layout{"npm": NpmLayout, "pypi": PypiLayout},
		logger:   logger.With("module", "packages"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type UploadRequest struct {
	// Manager defaults to the repository's manager and must match it.
	Manager  string
	Name     string
	Version  string
	Filename string
	Payload  storage.Payload
}

type Download struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	// Cache is set for content served by a proxy repository.
	Cache proxycache.Status
}

func artifactKey(repo *models.Repository, name, version, filename string) string {
	return storage.Key(repo.Manager, repo.Ref(), name, version, filename)
}

func (s *Service) repository(ctx context.Context, ref, manager string) (*models.Repository, error) {
	repo, err := s.lookup.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if manager != "" && manager != repo.Manager {
		return nil, common.InvalidInput(fmt.Sprintf("repository %s serves %s, not %s", repo.Ref(), repo.Manager, manager))
	}
	return repo, nil
}

func (r UploadRequest) validate() error {
	switch {
	case r.Name == "":
		return common.InvalidInput("package name is required")
	case r.Version == "":
		return common.InvalidInput("package version is required")
	case r.Filename == "":
		return common.InvalidInput("file name is required")
	}
	return nil
}

// Upload stores one file of a package version.
func (s *Service) Upload(ctx context.Context, repoRef string, req UploadRequest) (*models.Artifact, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	repo, err := s.repository(ctx, repoRef, req.Manager)
	if err != nil {
		return nil, err
	}
	if repo.Type == models.RepositoryProxy {
		return nil, common.PolicyViolation(fmt.Sprintf("Cannot publish to proxy repository %s", repo.Ref()))
	}

	payload := req.Payload
	if repo.Type == models.RepositoryGroup && payload.Kind() == storage.PayloadReader {
		// Several members may read the content.
		path, err := s.spool(payload)
		if err != nil {
			return nil, err
		}
		defer os.Remove(path)
		payload = storage.File(path)
	}

	a, err := writepolicy.Write(ctx, s.resolver, repo, func(ctx context.Context, member *models.Repository) (*models.Artifact, error) {
		return s.upload(ctx, member, req, payload)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "package uploaded", "repository", repo.Ref(), "name", req.Name, "version", req.Version, "file", req.Filename)
	return a, nil
}

func (s *Service) spool(p storage.Payload) (string, error) {
	src, _, err := p.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	f, err := os.CreateTemp(s.spoolDir, "pkgkeeper-spool-*")
	if err != nil {
		return "", fmt.Errorf("create spool file: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("spool upload: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (s *Service) redeployBlocked(ctx context.Context, repo *models.Repository, name, version string) error {
	if repo.Config.RedeployAllowed() {
		return nil
	}
	keys, err := s.storage.List(ctx, storage.Prefix(repo.Manager, repo.Ref(), name, version))
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		return common.Redeploy(fmt.Sprintf("Redeployment of %s@%s is not allowed", name, version))
	}
	return nil
}

func (s *Service) upload(ctx context.Context, repo *models.Repository, req UploadRequest, p storage.Payload) (*models.Artifact, error) {
	if err := s.redeployBlocked(ctx, repo, req.Name, req.Version); err != nil {
		return nil, err
	}

	key := artifactKey(repo, req.Name, req.Version, req.Filename)
	res, err := s.storage.Save(ctx, key, p)
	if err != nil {
		return nil, err
	}

	a := &models.Artifact{
		RepositoryID: repo.ID,
		PackageName:  req.Name,
		Version:      req.Version,
		StorageKey:   key,
		ContentHash:  res.ContentHash,
		Size:         res.Size,
	}
	if s.index != nil {
		indexed, err := s.index.Upsert(ctx, a)
		if err != nil {
			s.logger.Warn(ctx, "failed to index artifact", "key", key, "error", err)
		} else {
			a = indexed
		}
	}
	return a, nil
}

// Download opens one file of a package version.
func (s *Service) Download(ctx context.Context, repoRef, manager, name, version, filename string) (*Download, error) {
	repo, err := s.repository(ctx, repoRef, manager)
	if err != nil {
		return nil, err
	}
	return writepolicy.Read(ctx, s.resolver, repo, func(ctx context.Context, member *models.Repository) (*Download, error) {
		if member.Type == models.RepositoryProxy {
			return s.downloadProxy(ctx, member, name, version, filename)
		}
		return s.downloadHosted(ctx, member, name, version, filename)
	})
}

func (s *Service) downloadHosted(ctx context.Context, repo *models.Repository, name, version, filename string) (*Download, error) {
	key := artifactKey(repo, name, version, filename)
	obj, err := s.storage.GetStream(ctx, key, nil)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.NotFound(fmt.Sprintf("%s@%s/%s not found", name, version, filename))
		}
		return nil, err
	}
	if s.index != nil {
		if err := s.index.Touch(ctx, repo.ID, key, s.now()); err != nil && !errors.Is(err, common.ErrNotFound) {
			s.logger.Warn(ctx, "failed to touch artifact", "key", key, "error", err)
		}
	}
	return &Download{Body: obj.Body, Size: obj.TotalSize, ContentType: obj.ContentType}, nil
}

func (s *Service) downloadProxy(ctx context.Context, repo *models.Repository, name, version, filename string) (*Download, error) {
	if s.engine == nil {
		return nil, common.PolicyViolation(fmt.Sprintf("Proxy repository %s is not served", repo.Ref()))
	}
	layout, ok := s.layouts[repo.Manager]
	if !ok {
		layout = DefaultLayout
	}
	resp, err := s.engine.Fetch(ctx, repo, proxycache.Request{
		Key:       artifactKey(repo, name, version, filename),
		Path:      layout(name, version, filename),
		ParsePath: func(string) (string, string, bool) { return name, version, true },
	})
	if err != nil {
		return nil, err
	}
	return &Download{
		Body:        io.NopCloser(bytes.NewReader(resp.Data)),
		Size:        int64(len(resp.Data)),
		ContentType: resp.ContentType,
		Cache:       resp.Status,
	}, nil
}

// ListVersions returns the sorted versions of a package. Proxy repositories
// only know the versions they have cached.
func (s *Service) ListVersions(ctx context.Context, repoRef, manager, name string) ([]string, error) {
	repo, err := s.repository(ctx, repoRef, manager)
	if err != nil {
		return nil, err
	}
	return writepolicy.Read(ctx, s.resolver, repo, func(ctx context.Context, member *models.Repository) ([]string, error) {
		var (
			versions []string
			err      error
		)
		if member.Type == models.RepositoryProxy {
			versions, err = s.indexedVersions(ctx, member, name)
		} else {
			versions, err = s.storedVersions(ctx, member, name)
		}
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			return nil, common.NotFound(fmt.Sprintf("Package %s not found", name))
		}
		sort.Strings(versions)
		return versions, nil
	})
}

func (s *Service) storedVersions(ctx context.Context, repo *models.Repository, name string) ([]string, error) {
	prefix := storage.Prefix(repo.Manager, repo.Ref(), name)
	keys, err := s.storage.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	// A name segment may itself contain slashes (scoped npm packages), so
	// versions are read back from the decoded key.
	depth := len(strings.Split(strings.TrimSuffix(prefix, "/"), "/"))
	seen := map[string]bool{}
	var out []string
	for _, k := range keys {
		parts, err := storage.SplitKey(k)
		if err != nil || len(parts) <= depth {
			continue
		}
		if v := parts[depth]; !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *Service) indexedVersions(ctx context.Context, repo *models.Repository, name string) ([]string, error) {
	if s.index == nil {
		return nil, nil
	}
	rows, err := s.index.ListByPackage(ctx, repo.ID, name)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, a := range rows {
		if !seen[a.Version] {
			seen[a.Version] = true
			out = append(out, a.Version)
		}
	}
	return out, nil
}

// Delete removes every file of a package version and returns how many.
// Versions of repositories that forbid redeployment are immutable.
func (s *Service) Delete(ctx context.Context, repoRef, manager, name, version string) (int, error) {
	repo, err := s.repository(ctx, repoRef, manager)
	if err != nil {
		return 0, err
	}
	if repo.Type == models.RepositoryProxy {
		return 0, common.PolicyViolation(fmt.Sprintf("Cannot delete from proxy repository %s", repo.Ref()))
	}
	return writepolicy.Write(ctx, s.resolver, repo, func(ctx context.Context, member *models.Repository) (int, error) {
		return s.delete(ctx, member, name, version)
	})
}

func (s *Service) delete(ctx context.Context, repo *models.Repository, name, version string) (int, error) {
	if !repo.Config.RedeployAllowed() {
		return 0, common.Redeploy(fmt.Sprintf("Redeployment of %s@%s is not allowed", name, version))
	}

	keys, err := s.storage.List(ctx, storage.Prefix(repo.Manager, repo.Ref(), name, version))
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, common.NotFound(fmt.Sprintf("%s@%s not found", name, version))
	}

	n := 0
	for _, k := range keys {
		if _, err := s.storage.Delete(ctx, k); err != nil {
			return n, err
		}
		n++
		if s.index != nil {
			if _, err := s.index.Delete(ctx, repo.ID, k); err != nil {
				s.logger.Warn(ctx, "failed to remove artifact from index", "key", k, "error", err)
			}
		}
	}
	s.logger.Info(ctx, "package version deleted", "repository", repo.Ref(), "name", name, "version", version, "files", n)
	return n, nil
}
