package transaction

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glorpus-work/pahkat/pkg/download"
	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/index"
	"github.com/glorpus-work/pahkat/pkg/platform"
	"github.com/glorpus-work/pahkat/pkg/resolve"
	"github.com/glorpus-work/pahkat/pkg/store"
	"github.com/glorpus-work/pahkat/pkg/types"
)

const repoURL = "https://example.com/devtools/"

// fakeStore records install/uninstall calls and can be told to fail.
type fakeStore struct {
	mu        sync.Mutex
	installed map[string]string // key url -> version
	calls     []string
	failOn    map[string]error
	onInstall func(id string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		installed: map[string]string{},
		failOn:    map[string]error{},
	}
}

func (f *fakeStore) Status(ctx context.Context, cat *index.Catalogue, key types.PackageKey, _ store.InstallTarget) (store.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	installed, ok := f.installed[key.WithoutQuery().String()]
	if !ok {
		return store.StatusNotInstalled, nil
	}
	_, release, _, err := cat.ResolveTarget(key)
	if err != nil {
		return store.StatusNotInstalled, err
	}
	latest, err := types.ParseVersion(release.Version)
	if err != nil {
		return store.StatusNotInstalled, err
	}
	return store.StatusFromVersions(installed, latest)
}

func (f *fakeStore) AllStatuses(ctx context.Context, cat *index.Catalogue, repo string, target store.InstallTarget) (map[string]store.Status, error) {
	return nil, nil
}

func (f *fakeStore) Install(ctx context.Context, req *store.InstallRequest) error {
	f.mu.Lock()
	if err := f.failOn[req.Key.ID]; err != nil {
		f.mu.Unlock()
		return err
	}
	f.installed[req.Key.WithoutQuery().String()] = req.Version
	f.calls = append(f.calls, "install:"+req.Key.ID)
	onInstall := f.onInstall
	f.mu.Unlock()
	if onInstall != nil {
		onInstall(req.Key.ID)
	}
	return nil
}

func (f *fakeStore) Uninstall(ctx context.Context, cat *index.Catalogue, key types.PackageKey, target store.InstallTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[key.ID]; err != nil {
		return err
	}
	delete(f.installed, key.WithoutQuery().String())
	f.calls = append(f.calls, "uninstall:"+key.ID)
	return nil
}

func (f *fakeStore) InstalledPackages(ctx context.Context, _ store.InstallTarget) ([]store.InstalledPackage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.InstalledPackage
	for url, version := range f.installed {
		key, err := types.ParsePackageKey(url)
		if err != nil {
			return nil, err
		}
		out = append(out, store.InstalledPackage{Key: key, Version: version})
	}
	return out, nil
}

func (f *fakeStore) ReverseDependencies(ctx context.Context, key types.PackageKey) ([]store.InstalledPackage, error) {
	return nil, nil
}

func (f *fakeStore) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// payloadServer serves deterministic payload bodies under /dl/<id>.
func payloadServer(t *testing.T, sizes map[string]int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/dl/")
		id = strings.TrimSuffix(id, ".tar.xz")
		size, ok := sizes[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(make([]byte, size))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func descriptorWith(srvURL, id, version string, declaredSize int64, flags types.Flags, deps map[string]string) *types.Descriptor {
	var payload types.Payload
	if flags != 0 {
		payload = &types.MacOSPackage{
			URL:   srvURL + "/dl/" + id + ".tar.xz",
			PkgID: "com.example." + id,
			Size:  declaredSize,
			Flags: flags,
		}
	} else {
		payload = &types.TarballPackage{
			URL:  srvURL + "/dl/" + id + ".tar.xz",
			Size: declaredSize,
		}
	}
	return &types.Descriptor{
		ID: id,
		Releases: []types.Release{
			{
				Version: version,
				Targets: []types.Target{
					{Platform: platform.Host(), Dependencies: deps, Payload: payload},
				},
			},
		},
	}
}

func catalogueOf(descriptors ...*types.Descriptor) *index.Catalogue {
	return index.NewCatalogue([]index.LoadedRepo{
		{Record: index.RepoRecord{URL: repoURL}, Descriptors: descriptors},
	})
}

func collect(events <-chan Event) []Event {
	var out []Event
	for event := range events {
		out = append(out, event)
	}
	return out
}

func kindsOf(events []Event) []EventKind {
	kinds := make([]EventKind, 0, len(events))
	for _, event := range events {
		// Collapse download progress; tests care about phase structure.
		if event.Kind == EventDownloading && len(kinds) > 0 && kinds[len(kinds)-1] == EventDownloading {
			continue
		}
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func depOn(ids ...string) map[string]string {
	deps := make(map[string]string, len(ids))
	for _, id := range ids {
		deps[repoURL+"packages/"+id] = ""
	}
	return deps
}

func TestExecute_InstallWithDependency(t *testing.T) {
	srv := payloadServer(t, map[string]int{"a": 10, "b": 20})
	cat := catalogueOf(
		descriptorWith(srv.URL, "a", "1.0.0", 10, 0, depOn("b")),
		descriptorWith(srv.URL, "b", "1.0.0", 20, 0, nil),
	)
	st := newFakeStore()
	plan, err := resolve.New(cat, st).Resolve(context.Background(), []resolve.Action{
		{Kind: resolve.ActionInstall, Key: types.NewPackageKey(repoURL, "a")},
	})
	require.NoError(t, err)

	executor := New(download.NewCache(t.TempDir()))
	events := collect(executor.Execute(context.Background(), plan))

	assert.Equal(t, []EventKind{
		EventDownloading,
		EventInstalling, EventCompleted,
		EventInstalling, EventCompleted,
		EventDone,
	}, kindsOf(events))
	assert.Equal(t, []string{"install:b", "install:a"}, st.callLog())
}

func TestExecute_DownloadFailureAbortsBeforeInstall(t *testing.T) {
	// Server delivers half of what the index declares.
	srv := payloadServer(t, map[string]int{"x": 50})
	cat := catalogueOf(descriptorWith(srv.URL, "x", "1.0.0", 100, 0, nil))
	st := newFakeStore()
	plan, err := resolve.New(cat, st).Resolve(context.Background(), []resolve.Action{
		{Kind: resolve.ActionInstall, Key: types.NewPackageKey(repoURL, "x")},
	})
	require.NoError(t, err)

	executor := New(download.NewCache(t.TempDir()))
	events := collect(executor.Execute(context.Background(), plan))

	last := events[len(events)-1]
	assert.Equal(t, EventFailed, last.Kind)
	assert.Equal(t, "x", last.Key.ID)
	assert.True(t, errors.Is(last.Err, errors.ErrIntegrity))
	assert.Empty(t, st.callLog(), "no install may begin after a download failure")
}

func TestExecute_InstallFailureStopsAtFailingStep(t *testing.T) {
	srv := payloadServer(t, map[string]int{"a": 10, "b": 20})
	cat := catalogueOf(
		descriptorWith(srv.URL, "a", "1.0.0", 10, 0, depOn("b")),
		descriptorWith(srv.URL, "b", "1.0.0", 20, 0, nil),
	)
	st := newFakeStore()
	st.failOn["a"] = errors.Wrap(errors.ErrInstallerFailure, "exit status 1")
	plan, err := resolve.New(cat, st).Resolve(context.Background(), []resolve.Action{
		{Kind: resolve.ActionInstall, Key: types.NewPackageKey(repoURL, "a")},
	})
	require.NoError(t, err)

	executor := New(download.NewCache(t.TempDir()))
	events := collect(executor.Execute(context.Background(), plan))

	last := events[len(events)-1]
	assert.Equal(t, EventFailed, last.Kind)
	assert.True(t, errors.Is(last.Err, errors.ErrInstallerFailure))
	// The earlier step stands.
	assert.Equal(t, []string{"install:b"}, st.callLog())
}

func TestExecute_CancelBetweenSteps(t *testing.T) {
	srv := payloadServer(t, map[string]int{"a": 10, "b": 20})
	cat := catalogueOf(
		descriptorWith(srv.URL, "a", "1.0.0", 10, 0, depOn("b")),
		descriptorWith(srv.URL, "b", "1.0.0", 20, 0, nil),
	)
	st := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	st.onInstall = func(id string) {
		if id == "b" {
			cancel()
		}
	}
	plan, err := resolve.New(cat, st).Resolve(context.Background(), []resolve.Action{
		{Kind: resolve.ActionInstall, Key: types.NewPackageKey(repoURL, "a")},
	})
	require.NoError(t, err)

	executor := New(download.NewCache(t.TempDir()))
	collect(executor.Execute(ctx, plan))

	// b committed, a never started; re-resolving yields a plan of [a].
	assert.Equal(t, []string{"install:b"}, st.callLog())
	replan, err := resolve.New(cat, st).Resolve(context.Background(), []resolve.Action{
		{Kind: resolve.ActionInstall, Key: types.NewPackageKey(repoURL, "a")},
	})
	require.NoError(t, err)
	require.Len(t, replan.Steps, 1)
	assert.Equal(t, "a", replan.Steps[0].Key.ID)
}

func TestExecute_RebootRequired(t *testing.T) {
	srv := payloadServer(t, map[string]int{"kbd": 8})
	cat := catalogueOf(descriptorWith(srv.URL, "kbd", "1.0.0", 8, types.RequiresRebootFlag, nil))
	st := newFakeStore()
	plan, err := resolve.New(cat, st).Resolve(context.Background(), []resolve.Action{
		{Kind: resolve.ActionInstall, Key: types.NewPackageKey(repoURL, "kbd")},
	})
	require.NoError(t, err)

	executor := New(download.NewCache(t.TempDir()))
	events := collect(executor.Execute(context.Background(), plan))

	kinds := kindsOf(events)
	require.GreaterOrEqual(t, len(kinds), 2)
	assert.Equal(t, EventRebootRequired, kinds[len(kinds)-2])
	assert.Equal(t, EventDone, kinds[len(kinds)-1])
}

func TestExecute_StalePlanRefused(t *testing.T) {
	srv := payloadServer(t, map[string]int{"tool": 4})
	cat := catalogueOf(descriptorWith(srv.URL, "tool", "1.0.0", 4, 0, nil))
	st := newFakeStore()
	plan, err := resolve.New(cat, st).Resolve(context.Background(), []resolve.Action{
		{Kind: resolve.ActionInstall, Key: types.NewPackageKey(repoURL, "tool")},
	})
	require.NoError(t, err)

	// Another writer installs the package first.
	st.installed[types.NewPackageKey(repoURL, "tool").String()] = "1.0.0"

	executor := New(download.NewCache(t.TempDir()))
	events := collect(executor.Execute(context.Background(), plan))

	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Kind)
	assert.True(t, errors.Is(events[0].Err, errors.ErrStalePlan))
	assert.Empty(t, st.callLog())
}
