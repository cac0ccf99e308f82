package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/proxycache"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/storage"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/writepolicy"
)

const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

type Manifest struct {
	Data      []byte
	MediaType string
	Digest    string
	Cache     proxycache.Status
}

func (m *Manifest) Header() http.Header {
	h := http.Header{}
	h.Set(common.DockerContentDigestHeader, m.Digest)
	h.Set("Content-Type", m.MediaType)
	if m.Cache != "" {
		h.Set(proxycache.HeaderName, string(m.Cache))
	}
	return h
}

func manifestKey(repo *models.Repository, image, reference string) string {
	return storage.Key(Manager, repo.Ref(), image, "manifests", reference)
}

func tagsPrefix(repo *models.Repository, image string) string {
	return storage.Prefix(Manager, repo.Ref(), image, "manifests")
}

func isDigest(reference string) bool {
	_, err := digest.Parse(reference)
	return err == nil
}

// manifestHeader holds the fields shared by image manifests and indexes.
type manifestHeader struct {
	MediaType string            `json:"mediaType"`
	Manifests []json.RawMessage `json:"manifests"`
}

// AggregateSize returns config.size plus every layer size for an image
// manifest, or the sum of sub-manifest sizes for an index or manifest list.
func AggregateSize(body []byte) (mediaType string, size int64, err error) {
	var h manifestHeader
	if err := json.Unmarshal(body, &h); err != nil {
		return "", 0, common.InvalidInput("manifest is not valid JSON")
	}

	isIndex := h.MediaType == ocispec.MediaTypeImageIndex ||
		h.MediaType == MediaTypeDockerManifestList ||
		(h.MediaType == "" && len(h.Manifests) > 0)

	if isIndex {
		var idx ocispec.Index
		if err := json.Unmarshal(body, &idx); err != nil {
			return "", 0, common.InvalidInput("malformed manifest index")
		}
		for _, m := range idx.Manifests {
			size += m.Size
		}
		if h.MediaType == "" {
			h.MediaType = ocispec.MediaTypeImageIndex
		}
		return h.MediaType, size, nil
	}

	var m ocispec.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return "", 0, common.InvalidInput("malformed image manifest")
	}
	size = m.Config.Size
	for _, l := range m.Layers {
		size += l.Size
	}
	if h.MediaType == "" {
		h.MediaType = ocispec.MediaTypeImageManifest
	}
	return h.MediaType, size, nil
}

// PutManifest stores body under reference and under its digest. It returns
// the manifest digest.
func (r *Registry) PutManifest(ctx context.Context, repoRef, image, reference string, body []byte) (string, error) {
	repo, err := r.repository(ctx, repoRef)
	if err != nil {
		return "", err
	}
	if err := rejectProxyWrite(repo); err != nil {
		return "", err
	}

	mediaType, size, err := AggregateSize(body)
	if err != nil {
		return "", err
	}

	d := digest.FromBytes(body)
	if isDigest(reference) && digest.Digest(reference) != d {
		return "", common.DigestMismatch(fmt.Sprintf("digest mismatch: reference %s, computed %s", reference, d))
	}

	_, err = writepolicy.Write(ctx, r.resolver, repo, func(ctx context.Context, member *models.Repository) (string, error) {
		return r.putManifest(ctx, member, image, reference, body, d, size)
	})
	if err != nil {
		return "", err
	}

	r.logger.Info(ctx, "manifest stored", "repository", repo.Ref(), "image", image, "reference", reference, "digest", d.String(), "mediaType", mediaType)
	return d.String(), nil
}

func (r *Registry) putManifest(ctx context.Context, repo *models.Repository, image, reference string, body []byte, d digest.Digest, size int64) (string, error) {
	key := manifestKey(repo, image, reference)

	if !isDigest(reference) && !repo.Config.RedeployAllowed() {
		exists, err := r.storage.Exists(ctx, key)
		if err != nil {
			return "", err
		}
		if exists {
			return "", common.Redeploy(fmt.Sprintf("Redeployment of %s:%s is not allowed", image, reference))
		}
	}

	if _, err := r.storage.Save(ctx, key, storage.Bytes(body)); err != nil {
		return "", err
	}
	if reference != d.String() {
		if _, err := r.storage.Save(ctx, manifestKey(repo, image, d.String()), storage.Bytes(body)); err != nil {
			return "", err
		}
	}

	r.indexArtifact(ctx, &models.Artifact{
		RepositoryID: repo.ID,
		PackageName:  image,
		Version:      reference,
		StorageKey:   key,
		ContentHash:  d.Encoded(),
		Size:         size,
	})
	return key, nil
}

// GetManifest reads a manifest by tag or digest.
func (r *Registry) GetManifest(ctx context.Context, repoRef, image, reference string) (*Manifest, error) {
	repo, err := r.repository(ctx, repoRef)
	if err != nil {
		return nil, err
	}
	return writepolicy.Read(ctx, r.resolver, repo, func(ctx context.Context, member *models.Repository) (*Manifest, error) {
		return r.getManifest(ctx, member, image, reference)
	})
}

func (r *Registry) getManifest(ctx context.Context, repo *models.Repository, image, reference string) (*Manifest, error) {
	var (
		data   []byte
		status proxycache.Status
	)
	if repo.Type == models.RepositoryProxy {
		// Tags move upstream; digests never change.
		resp, err := r.proxy(ctx, repo, proxycache.Request{
			Key:      manifestKey(repo, image, reference),
			Path:     "/v2/" + image + "/manifests/" + reference,
			Metadata: !isDigest(reference),
		})
		if err != nil {
			return nil, err
		}
		data, status = resp.Data, resp.Status
	} else {
		key := manifestKey(repo, image, reference)
		b, err := r.storage.Get(ctx, key)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return nil, common.NotFound(fmt.Sprintf("Manifest %s:%s not found", image, reference))
			}
			return nil, err
		}
		r.touch(ctx, repo, key)
		data = b
	}

	mediaType, _, err := AggregateSize(data)
	if err != nil {
		return nil, err
	}
	return &Manifest{Data: data, MediaType: mediaType, Digest: digest.FromBytes(data).String(), Cache: status}, nil
}

// DeleteManifest removes a manifest reference. Tags of a repository that
// forbids redeployment are immutable and cannot be deleted either.
func (r *Registry) DeleteManifest(ctx context.Context, repoRef, image, reference string) error {
	repo, err := r.repository(ctx, repoRef)
	if err != nil {
		return err
	}
	if err := rejectProxyWrite(repo); err != nil {
		return err
	}
	_, err = writepolicy.Write(ctx, r.resolver, repo, func(ctx context.Context, member *models.Repository) (bool, error) {
		return r.deleteManifest(ctx, member, image, reference)
	})
	return err
}

func (r *Registry) deleteManifest(ctx context.Context, repo *models.Repository, image, reference string) (bool, error) {
	if !isDigest(reference) && !repo.Config.RedeployAllowed() {
		return false, common.Redeploy(fmt.Sprintf("Redeployment of %s:%s is not allowed", image, reference))
	}

	key := manifestKey(repo, image, reference)
	deleted, err := r.storage.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, common.NotFound(fmt.Sprintf("Manifest %s:%s not found", image, reference))
	}
	if r.index != nil {
		if _, err := r.index.Delete(ctx, repo.ID, key); err != nil {
			r.logger.Warn(ctx, "failed to remove manifest from index", "key", key, "error", err)
		}
	}
	return true, nil
}

type tagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// ListTags returns the sorted tags of image. Digest references are not tags.
func (r *Registry) ListTags(ctx context.Context, repoRef, image string) ([]string, error) {
	repo, err := r.repository(ctx, repoRef)
	if err != nil {
		return nil, err
	}
	return writepolicy.Read(ctx, r.resolver, repo, func(ctx context.Context, member *models.Repository) ([]string, error) {
		return r.listTags(ctx, member, image)
	})
}

func (r *Registry) listTags(ctx context.Context, repo *models.Repository, image string) ([]string, error) {
	if repo.Type == models.RepositoryProxy {
		resp, err := r.proxy(ctx, repo, proxycache.Request{
			Key:      storage.Key(Manager, repo.Ref(), image, "tags", "list"),
			Path:     "/v2/" + image + "/tags/list",
			Metadata: true,
		})
		if err != nil {
			return nil, err
		}
		var tl tagList
		if err := json.Unmarshal(resp.Data, &tl); err != nil {
			return nil, common.Upstream("upstream returned a malformed tag list", err)
		}
		sort.Strings(tl.Tags)
		return tl.Tags, nil
	}

	prefix := tagsPrefix(repo, image)
	keys, err := r.storage.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, ref := range storage.Children(keys, prefix) {
		if !isDigest(ref) {
			tags = append(tags, ref)
		}
	}
	if len(tags) == 0 {
		return nil, common.NotFound(fmt.Sprintf("Image %s not found", image))
	}
	sort.Strings(tags)
	return tags, nil
}
