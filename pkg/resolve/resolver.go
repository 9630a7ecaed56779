// Package resolve converts a requested action set into a validated,
// topologically ordered transaction plan: dependency closure for
// installs, reverse-dependency closure for uninstalls, contradiction
// detection and up-to-date skipping.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/index"
	"github.com/glorpus-work/pahkat/pkg/store"
	"github.com/glorpus-work/pahkat/pkg/types"
)

// ActionKind says what the caller wants done with a package.
type ActionKind uint8

// Action kinds.
const (
	ActionInstall ActionKind = iota
	ActionUninstall
)

func (k ActionKind) String() string {
	if k == ActionUninstall {
		return "uninstall"
	}
	return "install"
}

// Action is one requested operation.
type Action struct {
	Kind      ActionKind
	Key       types.PackageKey
	Target    store.InstallTarget
	Reinstall bool // install even when the package is up to date
}

// Step is one resolved operation in a plan. Install steps carry the
// resolved release, target and direct dependencies.
type Step struct {
	Action        ActionKind
	Key           types.PackageKey
	InstallTarget store.InstallTarget

	// Install steps only.
	Release      *types.Release
	Target       *types.Target
	Version      string
	Dependencies []types.PackageKey
	AsDependency bool
}

// Plan is an ordered, validated sequence of steps. It is produced once
// by Resolve, optionally revalidated, executed at most once, and never
// reused.
type Plan struct {
	Steps []Step

	cat         *index.Catalogue
	pkgStore    store.PackageStore
	fingerprint string
}

// Catalogue returns the snapshot the plan was resolved against.
func (p *Plan) Catalogue() *index.Catalogue {
	return p.cat
}

// Store returns the package store the plan was resolved against.
func (p *Plan) Store() store.PackageStore {
	return p.pkgStore
}

// Validate re-checks the plan against a fresh status snapshot. A plan
// resolved before other mutations landed is stale and must not run.
func (p *Plan) Validate(ctx context.Context) error {
	fingerprint, err := statusFingerprint(ctx, p.cat, p.pkgStore, p.Steps)
	if err != nil {
		return err
	}
	if fingerprint != p.fingerprint {
		return errors.Wrap(errors.ErrStalePlan, "installed state changed since the plan was resolved")
	}
	return nil
}

// reinstallsDependencies is implemented by backends whose installed
// state cannot be trusted for dependencies (macOS).
type reinstallsDependencies interface {
	ReinstallsDependencies() bool
}

// Resolver turns action sets into plans against one catalogue snapshot
// and one package store.
type Resolver struct {
	cat      *index.Catalogue
	pkgStore store.PackageStore
}

// New creates a resolver over the given catalogue snapshot and store.
func New(cat *index.Catalogue, pkgStore store.PackageStore) *Resolver {
	return &Resolver{cat: cat, pkgStore: pkgStore}
}

// Resolve produces a plan for the actions, or the first error that
// makes the set unsatisfiable. Uninstall steps precede install steps;
// within installs dependencies precede dependents; within uninstalls
// dependents precede dependencies.
func (r *Resolver) Resolve(ctx context.Context, actions []Action) (*Plan, error) {
	if err := detectContradictions(actions); err != nil {
		return nil, err
	}

	var steps []Step
	seen := make(map[string]struct{})

	for _, action := range actions {
		if action.Kind != ActionUninstall {
			continue
		}
		uninstalls, err := r.resolveUninstall(ctx, action)
		if err != nil {
			return nil, err
		}
		for _, step := range uninstalls {
			if _, dup := seen[stepID(step)]; dup {
				continue
			}
			seen[stepID(step)] = struct{}{}
			steps = append(steps, step)
		}
	}

	for _, action := range actions {
		if action.Kind != ActionInstall {
			continue
		}
		installs, err := r.resolveInstall(ctx, action)
		if err != nil {
			return nil, err
		}
		for _, step := range installs {
			if _, dup := seen[stepID(step)]; dup {
				continue
			}
			seen[stepID(step)] = struct{}{}
			steps = append(steps, step)
		}
	}

	fingerprint, err := statusFingerprint(ctx, r.cat, r.pkgStore, steps)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Steps:       steps,
		cat:         r.cat,
		pkgStore:    r.pkgStore,
		fingerprint: fingerprint,
	}, nil
}

func detectContradictions(actions []Action) error {
	kinds := make(map[string]ActionKind)
	for _, action := range actions {
		id := action.Key.WithoutQuery().String()
		if prev, ok := kinds[id]; ok && prev != action.Kind {
			return errors.Wrapf(errors.ErrContradiction,
				"%s requested as both install and uninstall", id)
		}
		kinds[id] = action.Kind
	}
	return nil
}

// resolveUninstall computes the reverse-dependency closure: installed
// dependents queue for uninstall before the requested package.
func (r *Resolver) resolveUninstall(ctx context.Context, action Action) ([]Step, error) {
	installed, err := r.installedByURL(ctx, action.Target)
	if err != nil {
		return nil, err
	}
	rootURL := action.Key.WithoutQuery().String()
	if _, ok := installed[rootURL]; !ok {
		return nil, errors.Wrapf(errors.ErrNotInstalled, "%s", rootURL)
	}

	var order []types.PackageKey
	visited := make(map[string]struct{})
	var visit func(key types.PackageKey) error
	visit = func(key types.PackageKey) error {
		url := key.WithoutQuery().String()
		if _, done := visited[url]; done {
			return nil
		}
		visited[url] = struct{}{}

		if pkg, ok := installed[url]; ok && pkg.Pegged {
			return errors.Wrapf(errors.ErrDependency, "%s is pegged and cannot be removed", url)
		}
		dependents, err := r.pkgStore.ReverseDependencies(ctx, key)
		if err != nil {
			return err
		}
		for _, dependent := range dependents {
			if err := visit(dependent.Key); err != nil {
				return err
			}
		}
		order = append(order, key.WithoutQuery())
		return nil
	}
	if err := visit(action.Key); err != nil {
		return nil, err
	}

	// visit appends the root last, after every transitive dependent.
	steps := make([]Step, 0, len(order))
	for _, key := range order {
		steps = append(steps, Step{
			Action:        ActionUninstall,
			Key:           key,
			InstallTarget: action.Target,
		})
	}
	return steps, nil
}

// resolveInstall computes the dependency closure for one install
// action, dependencies first.
func (r *Resolver) resolveInstall(ctx context.Context, action Action) ([]Step, error) {
	reinstallDeps := false
	if rd, ok := r.pkgStore.(reinstallsDependencies); ok {
		reinstallDeps = rd.ReinstallsDependencies()
	}

	var steps []Step
	visiting := make(map[string]struct{})
	resolved := make(map[string]struct{})

	var visit func(key types.PackageKey, constraint string, asDependency bool) error
	visit = func(key types.PackageKey, constraint string, asDependency bool) error {
		url := key.WithoutQuery().String()
		if _, cycling := visiting[url]; cycling {
			return errors.Wrapf(errors.ErrDependency, "dependency cycle involving %s", url)
		}
		if _, done := resolved[url]; done {
			return nil
		}
		visiting[url] = struct{}{}
		defer delete(visiting, url)

		_, release, target, err := r.cat.ResolveTargetConstraint(key, constraint)
		if err != nil {
			if errors.Is(err, errors.ErrNoCompatibleTarget) {
				return err
			}
			return errors.Wrapf(errors.ErrPackageResolve, "%s: %v", url, err)
		}

		depKeys := make([]types.PackageKey, 0, len(target.Dependencies))
		for depURL, depConstraint := range sortedDeps(target.Dependencies) {
			depKey, err := types.ParsePackageKey(depURL)
			if err != nil {
				return errors.Wrapf(errors.ErrDependency, "%s requires unparseable key %q", url, depURL)
			}
			depKeys = append(depKeys, depKey.WithoutQuery())
			if err := visit(depKey, depConstraint, true); err != nil {
				return err
			}
		}
		resolved[url] = struct{}{}

		status, err := r.pkgStore.Status(ctx, r.cat, key, action.Target)
		if err != nil && !errors.Is(err, errors.ErrPackageResolve) {
			return err
		}
		if asDependency && reinstallDeps {
			// Installed state for dependencies is untrustworthy on this
			// backend; reinstall unconditionally.
			status = store.StatusNotInstalled
		}
		if status == store.StatusUpToDate && asDependency {
			return nil
		}
		if status == store.StatusUpToDate && !action.Reinstall {
			return nil
		}

		steps = append(steps, Step{
			Action:        ActionInstall,
			Key:           key.WithoutQuery(),
			InstallTarget: action.Target,
			Release:       release,
			Target:        target,
			Version:       release.Version,
			Dependencies:  depKeys,
			AsDependency:  asDependency,
		})
		return nil
	}

	if err := visit(action.Key, "", false); err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *Resolver) installedByURL(ctx context.Context, target store.InstallTarget) (map[string]store.InstalledPackage, error) {
	installed, err := r.pkgStore.InstalledPackages(ctx, target)
	if err != nil {
		return nil, err
	}
	byURL := make(map[string]store.InstalledPackage, len(installed))
	for _, pkg := range installed {
		byURL[pkg.Key.WithoutQuery().String()] = pkg
	}
	return byURL, nil
}

// sortedDeps yields dependency entries in deterministic order.
func sortedDeps(deps map[string]string) func(func(string, string) bool) {
	urls := make([]string, 0, len(deps))
	for depURL := range deps {
		urls = append(urls, depURL)
	}
	sort.Strings(urls)
	return func(yield func(string, string) bool) {
		for _, depURL := range urls {
			if !yield(depURL, deps[depURL]) {
				return
			}
		}
	}
}

func stepID(step Step) string {
	return fmt.Sprintf("%s|%s", step.Action, step.Key.WithoutQuery().String())
}

// statusFingerprint snapshots the status of every package a plan
// touches; Validate compares snapshots to detect staleness.
func statusFingerprint(ctx context.Context, cat *index.Catalogue, pkgStore store.PackageStore, steps []Step) (string, error) {
	parts := make([]string, 0, len(steps))
	for _, step := range steps {
		status, err := pkgStore.Status(ctx, cat, step.Key, step.InstallTarget)
		if err != nil && !errors.Is(err, errors.ErrPackageResolve) && !errors.Is(err, errors.ErrNoCompatibleTarget) {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("%s=%d", step.Key.WithoutQuery().String(), status))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";"), nil
}
