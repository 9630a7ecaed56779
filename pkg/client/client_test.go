package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glorpus-work/pahkat/pkg/config"
	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/platform"
	"github.com/glorpus-work/pahkat/pkg/resolve"
	"github.com/glorpus-work/pahkat/pkg/store"
	"github.com/glorpus-work/pahkat/pkg/store/prefix"
	"github.com/glorpus-work/pahkat/pkg/transaction"
	"github.com/glorpus-work/pahkat/pkg/types"
	"github.com/glorpus-work/pahkat/test/testutil"
)

// newTestClient sets up a prefix-backed client against a served repo.
// The returned URL carries a trailing slash for key construction.
func newTestClient(t *testing.T, repo *testutil.Repo) (*Pahkat, string, string) {
	t.Helper()
	srv := testutil.Serve(t, repo)
	repoURL := srv.URL + "/"

	root := t.TempDir()
	pfx, err := prefix.Init(context.Background(), root)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pfx.Close() })

	cfg, err := config.Load(root)
	require.NoError(t, err)
	require.NoError(t, cfg.AddRepo(repoURL, ""))

	return New(cfg, pfx), repoURL, root
}

func tarballDescriptor(repoURL, id, version string, payload []byte, deps map[string]string) *types.Descriptor {
	return &types.Descriptor{
		ID:   id,
		Name: map[string]string{"en": id},
		Releases: []types.Release{
			{
				Version: version,
				Targets: []types.Target{
					{
						Platform:     platform.Host(),
						Dependencies: deps,
						Payload: &types.TarballPackage{
							URL:  repoURL + "dl/" + id + ".tar.xz",
							Size: int64(len(payload)),
						},
					},
				},
			},
		},
	}
}

func drain(t *testing.T, events <-chan transaction.Event) {
	t.Helper()
	for event := range events {
		require.NotEqual(t, transaction.EventFailed, event.Kind, "unexpected failure: %v", event.Err)
	}
}

func TestClient_InstallStatusUninstall(t *testing.T) {
	ctx := context.Background()

	payload := testutil.BuildTarXz(t, []testutil.TarEntry{
		{Name: "bin/pahkat-uploader", Body: "#!/bin/sh\n", Mode: 0o755},
	})
	repo := &testutil.Repo{Payloads: map[string][]byte{"pahkat-uploader.tar.xz": payload}}
	p, repoURL, root := newTestClient(t, repo)
	repo.Descriptors = []*types.Descriptor{
		tarballDescriptor(repoURL, "pahkat-uploader", "2.1.0", payload, nil),
	}
	key := types.NewPackageKey(repoURL, "pahkat-uploader")

	status, err := p.Status(ctx, key, store.TargetSystem)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNotInstalled, status)

	plan, err := p.Resolve(ctx, []resolve.Action{{Kind: resolve.ActionInstall, Key: key}})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)

	_, events, err := p.ProcessTransaction(ctx, plan)
	require.NoError(t, err)
	drain(t, events)

	status, err = p.Status(ctx, key, store.TargetSystem)
	require.NoError(t, err)
	assert.Equal(t, store.StatusUpToDate, status)

	installedBin := filepath.Join(root, prefix.PackagesDirname, "pahkat-uploader", "bin", "pahkat-uploader")
	info, err := os.Stat(installedBin)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)

	plan, err = p.Resolve(ctx, []resolve.Action{{Kind: resolve.ActionUninstall, Key: key}})
	require.NoError(t, err)
	_, events, err = p.ProcessTransaction(ctx, plan)
	require.NoError(t, err)
	drain(t, events)

	status, err = p.Status(ctx, key, store.TargetSystem)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNotInstalled, status)
	assert.NoFileExists(t, installedBin)
}

func TestClient_DependencyClosureMarksDependent(t *testing.T) {
	ctx := context.Background()

	libPayload := testutil.BuildTarXz(t, []testutil.TarEntry{{Name: "lib/libspell.so", Body: "lib"}})
	appPayload := testutil.BuildTarXz(t, []testutil.TarEntry{{Name: "bin/app", Body: "app", Mode: 0o755}})
	repo := &testutil.Repo{Payloads: map[string][]byte{
		"libspell.tar.xz": libPayload,
		"app.tar.xz":      appPayload,
	}}
	p, repoURL, _ := newTestClient(t, repo)
	repo.Descriptors = []*types.Descriptor{
		tarballDescriptor(repoURL, "libspell", "1.0.0", libPayload, nil),
		tarballDescriptor(repoURL, "app", "1.0.0", appPayload, map[string]string{
			repoURL + "packages/libspell": ">= 1.0.0",
		}),
	}

	plan, err := p.Resolve(ctx, []resolve.Action{
		{Kind: resolve.ActionInstall, Key: types.NewPackageKey(repoURL, "app")},
	})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "libspell", plan.Steps[0].Key.ID)
	assert.Equal(t, "app", plan.Steps[1].Key.ID)

	_, events, err := p.ProcessTransaction(ctx, plan)
	require.NoError(t, err)
	drain(t, events)

	installed, err := p.Store().InstalledPackages(ctx, store.TargetSystem)
	require.NoError(t, err)
	require.Len(t, installed, 2)
	byID := map[string]store.InstalledPackage{}
	for _, pkg := range installed {
		byID[pkg.Key.ID] = pkg
	}
	assert.True(t, byID["libspell"].Dependent)
	assert.False(t, byID["app"].Dependent)
}

func TestClient_DownloadTo(t *testing.T) {
	ctx := context.Background()
	payload := testutil.BuildTarXz(t, []testutil.TarEntry{{Name: "bin/x", Body: "x"}})
	repo := &testutil.Repo{Payloads: map[string][]byte{"x.tar.xz": payload}}
	p, repoURL, _ := newTestClient(t, repo)
	repo.Descriptors = []*types.Descriptor{
		tarballDescriptor(repoURL, "x", "1.0.0", payload, nil),
	}

	outDir := t.TempDir()
	path, err := p.DownloadTo(ctx, types.NewPackageKey(repoURL, "x"), outDir, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "x.tar.xz"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestClient_RepoRemoveInvalidatesSnapshot(t *testing.T) {
	ctx := context.Background()
	p, repoURL, _ := newTestClient(t, &testutil.Repo{})

	_, err := p.RepoIndexes(ctx)
	require.NoError(t, err)

	require.NoError(t, p.RepoRemove(repoURL))
	cat, err := p.Catalogue(ctx)
	require.NoError(t, err)
	assert.Empty(t, cat.Repos())
}

func TestClient_ProcessTransaction_EmptyPlan(t *testing.T) {
	p, _, _ := newTestClient(t, &testutil.Repo{})
	_, _, err := p.ProcessTransaction(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPackageResolve))
}

func TestClient_SettingsRoundTrip(t *testing.T) {
	p, _, _ := newTestClient(t, &testutil.Repo{})
	require.NoError(t, p.SettingsSet(config.SettingTmpDir, "/tmp/pahkat"))
	assert.Equal(t, "/tmp/pahkat", p.SettingsGet(config.SettingTmpDir))
}
