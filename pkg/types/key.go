// Package types defines the repository data model shared by the loader,
// resolver and package stores: package keys, descriptors, releases,
// targets and the payload tagged union.
package types

import (
	"net/url"
	"strings"

	"github.com/glorpus-work/pahkat/pkg/errors"
)

// PackageKey is the globally unique, URL-shaped address of a package in
// a repository: <repo>/packages/<id> plus an optional query refining
// channel, platform, arch and version.
type PackageKey struct {
	RepoURL string // repository base URL, always with a trailing slash
	ID      string

	// Query parameters. Empty means unspecified.
	Channel  string
	Platform string
	Arch     string
	Version  string
}

// NewPackageKey builds a key from a repository base URL and package id.
func NewPackageKey(repoURL, id string) PackageKey {
	return PackageKey{RepoURL: NormalizeRepoURL(repoURL), ID: id}
}

// ParsePackageKey parses the URL form produced by String.
func ParsePackageKey(s string) (PackageKey, error) {
	u, err := url.Parse(s)
	if err != nil {
		return PackageKey{}, errors.Wrapf(errors.ErrPackageKey, "parse %q: %v", s, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return PackageKey{}, errors.Wrapf(errors.ErrPackageKey, "%q is not an absolute URL", s)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[len(segments)-2] != "packages" {
		return PackageKey{}, errors.Wrapf(errors.ErrPackageKey, "%q has no /packages/<id> path", s)
	}
	id := segments[len(segments)-1]
	if id == "" {
		return PackageKey{}, errors.Wrapf(errors.ErrPackageKey, "%q has an empty package id", s)
	}

	base := *u
	base.Path = "/" + strings.Join(segments[:len(segments)-2], "/")
	base.RawQuery = ""
	base.Fragment = ""

	q := u.Query()
	return PackageKey{
		RepoURL:  NormalizeRepoURL(base.String()),
		ID:       id,
		Channel:  q.Get("channel"),
		Platform: q.Get("platform"),
		Arch:     q.Get("arch"),
		Version:  q.Get("version"),
	}, nil
}

// String serializes the key back to its URL form.
func (k PackageKey) String() string {
	var sb strings.Builder
	sb.WriteString(k.RepoURL)
	sb.WriteString("packages/")
	sb.WriteString(k.ID)

	q := url.Values{}
	if k.Channel != "" {
		q.Set("channel", k.Channel)
	}
	if k.Platform != "" {
		q.Set("platform", k.Platform)
	}
	if k.Arch != "" {
		q.Set("arch", k.Arch)
	}
	if k.Version != "" {
		q.Set("version", k.Version)
	}
	if encoded := q.Encode(); encoded != "" {
		sb.WriteByte('?')
		sb.WriteString(encoded)
	}
	return sb.String()
}

// WithoutQuery returns the bare (repo, id) identity of the key. Two keys
// naming the same package compare equal under this form regardless of
// their query refinements.
func (k PackageKey) WithoutQuery() PackageKey {
	return PackageKey{RepoURL: k.RepoURL, ID: k.ID}
}

// NormalizeRepoURL canonicalizes a repository base URL to its
// trailing-slash form so keys from config and index compare equal.
func NormalizeRepoURL(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

