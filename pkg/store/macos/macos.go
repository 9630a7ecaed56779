//go:build darwin

// Package macos implements the package store backed by the system
// installer and pkgutil's receipt database.
package macos

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/index"
	"github.com/glorpus-work/pahkat/pkg/store"
	"github.com/glorpus-work/pahkat/pkg/types"
)

// Store drives macOS installer packages. Installed state is whatever
// pkgutil's receipt database reports.
type Store struct{}

var _ store.PackageStore = (*Store)(nil)

// NewStore creates the macOS package store.
func NewStore() *Store {
	return &Store{}
}

// ReinstallsDependencies reports that this backend cannot trust its
// installed state for dependencies: pkgutil keeps receipts, not files,
// so manual deletion is invisible. The resolver re-queues dependencies
// on every install.
func (s *Store) ReinstallsDependencies() bool {
	return true
}

func installTargetVolume(target store.InstallTarget) string {
	if target == store.TargetUser {
		return "CurrentUserHomeDirectory"
	}
	return "/"
}

// Status implements store.PackageStore by querying pkgutil for the
// payload's receipt.
func (s *Store) Status(ctx context.Context, cat *index.Catalogue, key types.PackageKey, target store.InstallTarget) (store.Status, error) {
	_, release, tgt, err := cat.ResolveTarget(key)
	if err != nil {
		return store.StatusNotInstalled, err
	}
	payload, ok := tgt.Payload.(*types.MacOSPackage)
	if !ok {
		return store.StatusNotInstalled, errors.Wrapf(errors.ErrWrongPayload, "macos store cannot query %T", tgt.Payload)
	}

	installed, err := pkgInfoVersion(ctx, payload.PkgID, target)
	if err != nil {
		return store.StatusNotInstalled, err
	}
	latest, err := types.ParseVersion(release.Version)
	if err != nil {
		return store.StatusNotInstalled, err
	}
	return store.StatusFromVersions(installed, latest)
}

// pkgInfoVersion returns the installed version for a pkg id, or empty
// if pkgutil has no receipt.
func pkgInfoVersion(ctx context.Context, pkgID string, target store.InstallTarget) (string, error) {
	args := []string{"--pkg-info", pkgID}
	if target == store.TargetUser {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to resolve home directory")
		}
		args = append([]string{"--volume", home}, args...)
	}
	output, err := exec.CommandContext(ctx, "pkgutil", args...).Output()
	if err != nil {
		// pkgutil exits non-zero when no receipt exists.
		return "", nil
	}
	for _, line := range strings.Split(string(output), "\n") {
		if rest, found := strings.CutPrefix(strings.TrimSpace(line), "version:"); found {
			return strings.TrimSpace(rest), nil
		}
	}
	return "", nil
}

// AllStatuses implements store.PackageStore.
func (s *Store) AllStatuses(ctx context.Context, cat *index.Catalogue, repoURL string, target store.InstallTarget) (map[string]store.Status, error) {
	repoURL = types.NormalizeRepoURL(repoURL)
	channel := ""
	for _, record := range cat.Repos() {
		if record.URL == repoURL {
			channel = record.Channel
			break
		}
	}
	statuses := make(map[string]store.Status)
	for _, desc := range cat.Candidates(repoURL, channel) {
		status, err := s.Status(ctx, cat, types.NewPackageKey(repoURL, desc.ID), target)
		if err != nil {
			continue
		}
		statuses[desc.ID] = status
	}
	return statuses, nil
}

// Install implements store.PackageStore via the system installer.
func (s *Store) Install(ctx context.Context, req *store.InstallRequest) error {
	if _, ok := req.Target.Payload.(*types.MacOSPackage); !ok {
		return errors.Wrapf(errors.ErrWrongPayload, "macos store cannot install %T", req.Target.Payload)
	}
	cmd := exec.CommandContext(ctx, "installer",
		"-pkg", req.PayloadPath,
		"-target", installTargetVolume(req.InstallTarget))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(errors.ErrInstallerFailure, "installer: %v: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Uninstall implements store.PackageStore: remove the files pkgutil
// recorded for the receipt, then forget it.
func (s *Store) Uninstall(ctx context.Context, cat *index.Catalogue, key types.PackageKey, target store.InstallTarget) error {
	_, _, tgt, err := cat.ResolveTarget(key)
	if err != nil {
		return err
	}
	payload, ok := tgt.Payload.(*types.MacOSPackage)
	if !ok {
		return errors.Wrapf(errors.ErrWrongPayload, "macos store cannot uninstall %T", tgt.Payload)
	}

	volume := "/"
	if target == store.TargetUser {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "failed to resolve home directory")
		}
		volume = home
	}

	output, err := exec.CommandContext(ctx, "pkgutil", "--volume", volume, "--only-files", "--files", payload.PkgID).Output()
	if err != nil {
		return errors.Wrapf(errors.ErrNotInstalled, "%s has no receipt", payload.PkgID)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}
		// Receipt paths are relative to the install volume. Missing
		// files are not errors.
		_ = os.Remove(filepath.Join(volume, line))
	}

	forget := exec.CommandContext(ctx, "pkgutil", "--volume", volume, "--forget", payload.PkgID)
	if out, err := forget.CombinedOutput(); err != nil {
		return errors.Wrapf(errors.ErrInstallerFailure, "pkgutil --forget: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// InstalledPackages implements store.PackageStore. Receipts cannot be
// mapped back to package keys without a catalogue; enumeration goes
// through AllStatuses instead.
func (s *Store) InstalledPackages(ctx context.Context, target store.InstallTarget) ([]store.InstalledPackage, error) {
	return nil, nil
}

// ReverseDependencies implements store.PackageStore. pkgutil keeps no
// dependency bookkeeping.
func (s *Store) ReverseDependencies(ctx context.Context, key types.PackageKey) ([]store.InstalledPackage, error) {
	return nil, nil
}
