// Package models defines the records persisted by pkgkeeper and passed
// between its components.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RepositoryType distinguishes authoritative, mirroring and aggregate
// repositories.
type RepositoryType string

const (
	RepositoryHosted RepositoryType = "hosted"
	RepositoryProxy  RepositoryType = "proxy"
	RepositoryGroup  RepositoryType = "group"
)

// WritePolicy selects how a group repository fans a write out to its members.
type WritePolicy string

const (
	WritePolicyNone      WritePolicy = "none"
	WritePolicyFirst     WritePolicy = "first"
	WritePolicyPreferred WritePolicy = "preferred"
	WritePolicyMirror    WritePolicy = "mirror"
	WritePolicyBroadcast WritePolicy = "broadcast"
)

// DefaultCacheTTL applies to metadata resources of proxy repositories that
// do not configure cacheTtl.
const DefaultCacheTTL = 5 * time.Minute

// RepositoryConfig is stored as a JSON document next to the repository row.
type RepositoryConfig struct {
	UpstreamURL     string      `json:"upstreamUrl,omitempty"`
	CacheEnabled    *bool       `json:"cacheEnabled,omitempty"`
	CacheTTLSeconds int64       `json:"cacheTtl,omitempty"`
	WritePolicy     WritePolicy `json:"writePolicy,omitempty"`
	Members         []string    `json:"members,omitempty"`
	AllowRedeploy   *bool       `json:"allowRedeploy,omitempty"`
	PreferredWriter string      `json:"preferredWriter,omitempty"`
}

// CachingEnabled reports whether a proxy repository may use its cache.
// Caching is on unless explicitly disabled.
func (c RepositoryConfig) CachingEnabled() bool {
	return c.CacheEnabled == nil || *c.CacheEnabled
}

// RedeployAllowed reports whether existing versions may be overwritten.
func (c RepositoryConfig) RedeployAllowed() bool {
	return c.AllowRedeploy == nil || *c.AllowRedeploy
}

// CacheTTL returns the metadata TTL.
func (c RepositoryConfig) CacheTTL() time.Duration {
	if c.CacheTTLSeconds <= 0 {
		return DefaultCacheTTL
	}
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Value implements driver.Valuer so the config can be written to a jsonb column.
func (c RepositoryConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *RepositoryConfig) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*c = RepositoryConfig{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("repository config: unsupported type %T", src)
	}
	if len(b) == 0 {
		*c = RepositoryConfig{}
		return nil
	}
	return json.Unmarshal(b, c)
}

// Repository is a named artifact source for a single package manager.
type Repository struct {
	ID        string
	Name      string
	Manager   string
	Type      RepositoryType
	Config    RepositoryConfig
	CreatedAt time.Time
}

// Validate checks the invariants an administrative create must satisfy.
func (r *Repository) Validate() error {
	if r.Name == "" {
		return errors.New("repository name is required")
	}
	if r.Manager == "" {
		return errors.New("repository manager is required")
	}
	switch r.Type {
	case RepositoryHosted, RepositoryGroup:
	case RepositoryProxy:
		if r.Config.UpstreamURL == "" {
			return errors.New("proxy repository requires an upstream url")
		}
	default:
		return fmt.Errorf("unknown repository type %q", r.Type)
	}
	return nil
}

// Ref is the repository segment used in storage keys.
func (r *Repository) Ref() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}
