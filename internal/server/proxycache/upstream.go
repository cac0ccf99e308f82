package proxycache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
)

const DefaultUpstreamTimeout = 30 * time.Second

// Head is the result of a revalidation request. ContentLength is -1 when
// the upstream did not report one.
type Head struct {
	StatusCode    int
	ContentLength int64
}

// Fetched is a full upstream response body.
type Fetched struct {
	Data        []byte
	ContentType string
}

// Upstream talks to the source a proxy repository mirrors.
type Upstream interface {
	Head(ctx context.Context, repo *models.Repository, path string) (*Head, error)
	Get(ctx context.Context, repo *models.Repository, path string) (*Fetched, error)
}

// HTTPUpstream resolves paths against the repository's upstream URL.
type HTTPUpstream struct {
	client    *http.Client
	userAgent string
}

type Option func(*HTTPUpstream)

func WithHTTPClient(c *http.Client) Option {
	return func(u *HTTPUpstream) { u.client = c }
}

func WithUserAgent(ua string) Option {
	return func(u *HTTPUpstream) { u.userAgent = ua }
}

func NewHTTPUpstream(opts ...Option) *HTTPUpstream {
	u := &HTTPUpstream{userAgent: "pkgkeeper"}
	for _, opt := range opts {
		opt(u)
	}
	if u.client == nil {
		u.client = &http.Client{Timeout: DefaultUpstreamTimeout}
	}
	return u
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func (u *HTTPUpstream) do(ctx context.Context, method string, repo *models.Repository, path string) (*http.Response, error) {
	url := joinURL(repo.Config.UpstreamURL, path)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", u.userAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, common.Upstream(fmt.Sprintf("%s %s failed", method, url), err)
	}
	return resp, nil
}

func (u *HTTPUpstream) Head(ctx context.Context, repo *models.Repository, path string) (*Head, error) {
	resp, err := u.do(ctx, http.MethodHead, repo, path)
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()
	return &Head{StatusCode: resp.StatusCode, ContentLength: resp.ContentLength}, nil
}

func (u *HTTPUpstream) Get(ctx context.Context, repo *models.Repository, path string) (*Fetched, error) {
	resp, err := u.do(ctx, http.MethodGet, repo, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, common.NotFound(fmt.Sprintf("%s not found upstream", path))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, common.Upstream(fmt.Sprintf("upstream returned %d for %s", resp.StatusCode, path), nil)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.Upstream(fmt.Sprintf("reading %s from upstream", path), err)
	}
	return &Fetched{Data: b, ContentType: resp.Header.Get("Content-Type")}, nil
}
