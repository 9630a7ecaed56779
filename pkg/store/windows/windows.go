//go:build windows

// Package windows implements the package store backed by the Windows
// registry's uninstall keys, driving MSI, Inno Setup and NSIS
// installers.
package windows

import (
	"context"
	"os/exec"
	"strings"

	"golang.org/x/sys/windows/registry"

	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/index"
	"github.com/glorpus-work/pahkat/pkg/store"
	"github.com/glorpus-work/pahkat/pkg/types"
)

const uninstallKeyPath = `SOFTWARE\Microsoft\Windows\CurrentVersion\Uninstall\`

// Store drives native Windows installers. Installed state lives in the
// registry; the store itself is stateless.
type Store struct{}

var _ store.PackageStore = (*Store)(nil)

// NewStore creates the Windows package store.
func NewStore() *Store {
	return &Store{}
}

func rootFor(target store.InstallTarget) registry.Key {
	if target == store.TargetUser {
		return registry.CURRENT_USER
	}
	return registry.LOCAL_MACHINE
}

// Status implements store.PackageStore: the authoritative source is the
// uninstall key's DisplayVersion for the payload's product code.
func (s *Store) Status(ctx context.Context, cat *index.Catalogue, key types.PackageKey, target store.InstallTarget) (store.Status, error) {
	_, release, tgt, err := cat.ResolveTarget(key)
	if err != nil {
		return store.StatusNotInstalled, err
	}
	payload, ok := tgt.Payload.(*types.WindowsExecutable)
	if !ok {
		return store.StatusNotInstalled, errors.Wrapf(errors.ErrWrongPayload, "windows store cannot query %T", tgt.Payload)
	}

	installed, err := displayVersion(rootFor(target), payload.ProductCode)
	if err != nil {
		return store.StatusNotInstalled, err
	}
	latest, err := types.ParseVersion(release.Version)
	if err != nil {
		return store.StatusNotInstalled, err
	}
	return store.StatusFromVersions(installed, latest)
}

func displayVersion(root registry.Key, productCode string) (string, error) {
	k, err := registry.OpenKey(root, uninstallKeyPath+productCode, registry.QUERY_VALUE)
	if err != nil {
		// No uninstall key means not installed.
		return "", nil
	}
	defer func() { _ = k.Close() }()
	version, _, err := k.GetStringValue("DisplayVersion")
	if err != nil {
		return "", nil
	}
	return version, nil
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

// Install implements store.PackageStore, dispatching on the installer
// framework that produced the payload.
func (s *Store) Install(ctx context.Context, req *store.InstallRequest) error {
	payload, ok := req.Target.Payload.(*types.WindowsExecutable)
	if !ok {
		return errors.Wrapf(errors.ErrWrongPayload, "windows store cannot install %T", req.Target.Payload)
	}

	var cmd *exec.Cmd
	switch payload.Kind {
	case types.WindowsKindMsi:
		args := append([]string{"/i", req.PayloadPath, "/quiet", "/norestart"}, splitArgs(payload.Args)...)
		cmd = exec.CommandContext(ctx, "msiexec", args...)
	case types.WindowsKindInno:
		args := append([]string{"/VERYSILENT", "/NORESTART"}, splitArgs(payload.Args)...)
		cmd = exec.CommandContext(ctx, req.PayloadPath, args...)
	case types.WindowsKindNsis:
		args := append([]string{"/S"}, splitArgs(payload.Args)...)
		cmd = exec.CommandContext(ctx, req.PayloadPath, args...)
	default:
		return errors.Wrapf(errors.ErrPayloadTag, "unknown windows installer kind %d", payload.Kind)
	}
	return runInstaller(cmd)
}

// Uninstall implements store.PackageStore. MSI products uninstall by
// product code; Inno and NSIS run the registered uninstaller.
func (s *Store) Uninstall(ctx context.Context, cat *index.Catalogue, key types.PackageKey, target store.InstallTarget) error {
	_, _, tgt, err := cat.ResolveTarget(key)
	if err != nil {
		return err
	}
	payload, ok := tgt.Payload.(*types.WindowsExecutable)
	if !ok {
		return errors.Wrapf(errors.ErrWrongPayload, "windows store cannot uninstall %T", tgt.Payload)
	}

	if payload.Kind == types.WindowsKindMsi {
		args := append([]string{"/x", payload.ProductCode, "/quiet", "/norestart"}, splitArgs(payload.UninstallArgs)...)
		return runInstaller(exec.CommandContext(ctx, "msiexec", args...))
	}

	k, err := registry.OpenKey(rootFor(target), uninstallKeyPath+payload.ProductCode, registry.QUERY_VALUE)
	if err != nil {
		return errors.Wrapf(errors.ErrNotInstalled, "%s has no uninstall key", payload.ProductCode)
	}
	uninstallString, _, strErr := k.GetStringValue("QuietUninstallString")
	if strErr != nil {
		uninstallString, _, strErr = k.GetStringValue("UninstallString")
	}
	_ = k.Close()
	if strErr != nil {
		return errors.Wrapf(errors.ErrNotInstalled, "%s has no uninstall command", payload.ProductCode)
	}

	silent := "/S"
	if payload.Kind == types.WindowsKindInno {
		silent = "/VERYSILENT"
	}
	program, args := splitCommandLine(uninstallString)
	args = append(args, silent)
	if payload.Kind == types.WindowsKindInno {
		args = append(args, "/NORESTART")
	}
	args = append(args, splitArgs(payload.UninstallArgs)...)
	return runInstaller(exec.CommandContext(ctx, program, args...))
}

// InstalledPackages implements store.PackageStore. The registry cannot
// be mapped back to package keys without a catalogue; enumeration goes
// through AllStatuses instead.
func (s *Store) InstalledPackages(ctx context.Context, target store.InstallTarget) ([]store.InstalledPackage, error) {
	return nil, nil
}

// ReverseDependencies implements store.PackageStore. The registry keeps
// no dependency bookkeeping.
func (s *Store) ReverseDependencies(ctx context.Context, key types.PackageKey) ([]store.InstalledPackage, error) {
	return nil, nil
}

func runInstaller(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(errors.ErrInstallerFailure, "%s: %v: %s", cmd.Path, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func splitArgs(args string) []string {
	if strings.TrimSpace(args) == "" {
		return nil
	}
	return strings.Fields(args)
}

// splitCommandLine separates a registry command line into program and
// arguments, honoring a quoted program path.
func splitCommandLine(line string) (string, []string) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, `"`) {
		if end := strings.Index(line[1:], `"`); end >= 0 {
			program := line[1 : end+1]
			rest := strings.TrimSpace(line[end+2:])
			return program, splitArgs(rest)
		}
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return line, nil
	}
	return fields[0], fields[1:]
}
