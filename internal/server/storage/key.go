package storage

import (
	"net/url"
	"strings"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
)

// Key builds <manager>/<repository>/<segments...>. Commas and slashes inside
// a segment split it further, so "org,image" and "org/image" address the same
// object. Every part is percent-encoded.
func Key(manager, repository string, segments ...string) string {
	parts := make([]string, 0, len(segments)+2)
	parts = append(parts, escape(manager), escape(repository))
	for _, s := range segments {
		for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '/' }) {
			parts = append(parts, escape(p))
		}
	}
	return strings.Join(parts, "/")
}

// Prefix is Key with a trailing slash, for List.
func Prefix(manager, repository string, segments ...string) string {
	return Key(manager, repository, segments...) + "/"
}

// SplitKey decodes the parts of a key built by Key.
func SplitKey(key string) ([]string, error) {
	raw := strings.Split(strings.Trim(key, "/"), "/")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		s, err := url.PathUnescape(p)
		if err != nil {
			return nil, common.InvalidInput("malformed storage key " + key)
		}
		out = append(out, s)
	}
	return out, nil
}

// Children returns the distinct first segments under prefix, decoded. Adapters
// use it to enumerate versions or tags.
func Children(keys []string, prefix string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range keys {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok || rest == "" {
			continue
		}
		first, _, _ := strings.Cut(rest, "/")
		name, err := url.PathUnescape(first)
		if err != nil {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func escape(s string) string {
	if s == "." || s == ".." {
		return strings.ReplaceAll(s, ".", "%2E")
	}
	return url.PathEscape(s)
}

// validKey rejects keys that could escape a backend's root.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return common.InvalidInput("invalid storage key " + key)
	}
	for _, p := range strings.Split(key, "/") {
		if p == "" || p == "." || p == ".." {
			return common.InvalidInput("invalid storage key " + key)
		}
	}
	return nil
}

// validPrefix is validKey for List prefixes: empty lists everything, and a
// trailing slash or a partial last segment is allowed.
func validPrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	if strings.HasPrefix(prefix, "/") {
		return common.InvalidInput("invalid prefix " + prefix)
	}
	parts := strings.Split(strings.TrimSuffix(prefix, "/"), "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return common.InvalidInput("invalid prefix " + prefix)
		}
	}
	return nil
}
