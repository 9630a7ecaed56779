package index

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/platform"
	"github.com/glorpus-work/pahkat/pkg/types"
)

// IndexFilename is the index file served at each repository root.
const IndexFilename = "index.bin"

// DefaultHTTPTimeout bounds a single index fetch.
const DefaultHTTPTimeout = 30 * time.Second

// RepoRecord names one configured repository and its selected channel.
type RepoRecord struct {
	URL     string
	Channel string
}

// Catalogue is an immutable snapshot of every successfully loaded
// repository. Refresh builds a new catalogue and the caller swaps it
// whole; outstanding readers keep their snapshot.
type Catalogue struct {
	repos  []repoEntry
	errs   map[string]error
	host   string
	hostAr string
}

type repoEntry struct {
	record      RepoRecord
	descriptors map[string]*types.Descriptor
	order       []string
}

// LoadedRepo pairs a repository record with its descriptors, for
// assembling a catalogue from indexes sourced out of band.
type LoadedRepo struct {
	Record      RepoRecord
	Descriptors []*types.Descriptor
}

// NewCatalogue assembles a catalogue directly from loaded descriptors.
// Services that receive indexes over another transport (and tests) use
// this instead of Refresh.
func NewCatalogue(repos []LoadedRepo) *Catalogue {
	cat := &Catalogue{
		errs:   make(map[string]error),
		host:   platform.Host(),
		hostAr: platform.HostArch(),
	}
	for _, loaded := range repos {
		record := loaded.Record
		record.URL = types.NormalizeRepoURL(record.URL)
		descriptors := make(map[string]*types.Descriptor, len(loaded.Descriptors))
		order := make([]string, 0, len(loaded.Descriptors))
		for _, desc := range loaded.Descriptors {
			descriptors[desc.ID] = desc
			order = append(order, desc.ID)
		}
		sort.Strings(order)
		cat.repos = append(cat.repos, repoEntry{
			record:      record,
			descriptors: descriptors,
			order:       order,
		})
	}
	return cat
}

// Loader fetches repository indexes over HTTP.
type Loader struct {
	client *http.Client
}

// NewLoader creates a loader with the given timeout applied per fetch.
func NewLoader(timeout time.Duration) *Loader {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &Loader{client: &http.Client{Timeout: timeout}}
}

// Refresh fetches <url>/index.bin for every configured repository. A
// repository that fails to load is recorded in the catalogue's error
// map; the remaining repositories are still queryable. The returned
// catalogue is never half-loaded.
func (l *Loader) Refresh(ctx context.Context, repos []RepoRecord) *Catalogue {
	cat := &Catalogue{
		errs:   make(map[string]error),
		host:   platform.Host(),
		hostAr: platform.HostArch(),
	}
	for _, record := range repos {
		record.URL = types.NormalizeRepoURL(record.URL)
		descriptors, err := l.fetchIndex(ctx, record.URL)
		if err != nil {
			cat.errs[record.URL] = err
			continue
		}
		order := make([]string, 0, len(descriptors))
		for id := range descriptors {
			order = append(order, id)
		}
		sort.Strings(order)
		cat.repos = append(cat.repos, repoEntry{
			record:      record,
			descriptors: descriptors,
			order:       order,
		})
	}
	return cat
}

func (l *Loader) fetchIndex(ctx context.Context, repoURL string) (map[string]*types.Descriptor, error) {
	indexURL := types.NormalizeRepoURL(repoURL) + IndexFilename
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL, http.NoBody)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrNetwork, "build request for %s: %v", indexURL, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrNetwork, "fetch %s: %v", indexURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.ErrNetwork, "fetch %s: status %d", indexURL, resp.StatusCode)
	}
	return ReadIndex(resp.Body)
}

// Errors returns the per-repository load failures from the refresh that
// built this catalogue, keyed by repository URL.
func (c *Catalogue) Errors() map[string]error {
	return c.errs
}

// Repos returns the successfully loaded repositories in configured
// order.
func (c *Catalogue) Repos() []RepoRecord {
	records := make([]RepoRecord, len(c.repos))
	for i, entry := range c.repos {
		records[i] = entry.record
	}
	return records
}

// Find looks up a descriptor by package key. Repository order is
// significance order: the first configured repository carrying the key's
// repo URL wins.
func (c *Catalogue) Find(key types.PackageKey) (*types.Descriptor, bool) {
	for _, entry := range c.repos {
		if entry.record.URL != key.RepoURL {
			continue
		}
		if desc, ok := entry.descriptors[key.ID]; ok {
			return desc, true
		}
	}
	return nil, false
}

// Candidates returns every descriptor of the given repository that has
// at least one release visible under the given channel, in id order.
func (c *Catalogue) Candidates(repoURL, channel string) []*types.Descriptor {
	repoURL = types.NormalizeRepoURL(repoURL)
	var out []*types.Descriptor
	for _, entry := range c.repos {
		if entry.record.URL != repoURL {
			continue
		}
		for _, id := range entry.order {
			desc := entry.descriptors[id]
			if _, _, err := c.matchTarget(desc, channel); err == nil {
				out = append(out, desc)
			}
		}
	}
	return out
}

// ResolveTarget resolves a key to the concrete (descriptor, release,
// target) for the host platform: the newest release visible under the
// key's channel (falling back to the repository's configured channel)
// whose target matches the host. The key's version pin, platform and
// arch overrides are honored.
func (c *Catalogue) ResolveTarget(key types.PackageKey) (*types.Descriptor, *types.Release, *types.Target, error) {
	return c.ResolveTargetConstraint(key, "")
}

// ResolveTargetConstraint is ResolveTarget with an additional version
// constraint, used for dependency requirements.
func (c *Catalogue) ResolveTargetConstraint(key types.PackageKey, constraint string) (*types.Descriptor, *types.Release, *types.Target, error) {
	for _, entry := range c.repos {
		if entry.record.URL != key.RepoURL {
			continue
		}
		desc, ok := entry.descriptors[key.ID]
		if !ok {
			continue
		}
		channel := key.Channel
		if channel == "" {
			channel = entry.record.Channel
		}
		release, target, err := c.matchTargetConstraint(desc, channel, key, constraint)
		if err != nil {
			return nil, nil, nil, err
		}
		return desc, release, target, nil
	}
	return nil, nil, nil, errors.Wrapf(errors.ErrPackageResolve, "package %s not found in any loaded repository", key.String())
}

func (c *Catalogue) matchTarget(desc *types.Descriptor, channel string) (*types.Release, *types.Target, error) {
	return c.matchTargetConstraint(desc, channel, types.PackageKey{}, "")
}

func (c *Catalogue) matchTargetConstraint(desc *types.Descriptor, channel string, key types.PackageKey, constraint string) (*types.Release, *types.Target, error) {
	hostPlatform := c.host
	hostArch := c.hostAr
	if key.Platform != "" {
		hostPlatform = key.Platform
	}
	if key.Arch != "" {
		hostArch = key.Arch
	}

	type candidate struct {
		release *types.Release
		version types.Version
	}
	var candidates []candidate
	for i := range desc.Releases {
		release := &desc.Releases[i]
		if !release.MatchesChannel(channel) {
			continue
		}
		version, err := types.ParseVersion(release.Version)
		if err != nil {
			continue
		}
		if key.Version != "" && release.Version != key.Version {
			continue
		}
		if !version.Satisfies(constraint) {
			continue
		}
		candidates = append(candidates, candidate{release: release, version: version})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].version.Compare(candidates[j].version) > 0
	})

	for _, cand := range candidates {
		for i := range cand.release.Targets {
			target := &cand.release.Targets[i]
			if target.Matches(hostPlatform, hostArch) {
				return cand.release, target, nil
			}
		}
	}
	return nil, nil, errors.Wrapf(errors.ErrNoCompatibleTarget,
		"%s has no release for %s/%s in channel %q", desc.ID, hostPlatform, hostArch, channel)
}
