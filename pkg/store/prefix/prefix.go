// Package prefix implements the self-contained package store: a
// directory owning an embedded relational database of extracted
// tarball contents. A prefix is single-writer; an advisory lock file
// serializes mutation across processes.
package prefix

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/fsutil"
	"github.com/glorpus-work/pahkat/pkg/index"
	"github.com/glorpus-work/pahkat/pkg/store"
	"github.com/glorpus-work/pahkat/pkg/types"
)

// On-disk names under a prefix root.
const (
	DatabaseFilename = "pkgstore.sqlite"
	LockFilename     = "pkgstore.lock"
	PackagesDirname  = "pkg"
)

// Store is a prefix-backed package store.
type Store struct {
	root string
	db   *sql.DB
}

var _ store.PackageStore = (*Store)(nil)

// Init creates (or re-opens) a prefix at root. Re-initializing an
// existing prefix is idempotent; a schema version mismatch fails.
func Init(ctx context.Context, root string) (*Store, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid prefix path %s", root)
	}
	if err := fsutil.EnsureDir(absRoot); err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(filepath.Join(absRoot, PackagesDirname)); err != nil {
		return nil, err
	}
	db, err := openDB(ctx, filepath.Join(absRoot, DatabaseFilename))
	if err != nil {
		return nil, err
	}
	return &Store{root: absRoot, db: db}, nil
}

// Open opens an existing prefix, failing if it was never initialized.
func Open(ctx context.Context, root string) (*Store, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid prefix path %s", root)
	}
	if _, err := os.Stat(filepath.Join(absRoot, DatabaseFilename)); err != nil {
		return nil, errors.Wrapf(errors.ErrNoPrefix, "no package store at %s", absRoot)
	}
	return Init(ctx, absRoot)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Root returns the prefix root directory.
func (s *Store) Root() string {
	return s.root
}

// Status implements store.PackageStore. The install target is ignored:
// a prefix is its own scope.
func (s *Store) Status(ctx context.Context, cat *index.Catalogue, key types.PackageKey, _ store.InstallTarget) (store.Status, error) {
	row, err := findPackage(ctx, s.db, key.WithoutQuery().String())
	if err != nil {
		return store.StatusNotInstalled, err
	}
	if row == nil {
		return store.StatusNotInstalled, nil
	}
	_, release, _, err := cat.ResolveTarget(key)
	if err != nil {
		return store.StatusNotInstalled, err
	}
	latest, err := types.ParseVersion(release.Version)
	if err != nil {
		return store.StatusNotInstalled, errors.Wrapf(err, "catalogue version for %s", key.ID)
	}
	return store.StatusFromVersions(row.version, latest)
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
			return nil, err
		}
		statuses[desc.ID] = status
	}
	return statuses, nil
}

// Install implements store.PackageStore. Only tarball payloads are
// accepted.
func (s *Store) Install(ctx context.Context, req *store.InstallRequest) (err error) {
	if _, ok := req.Target.Payload.(*types.TarballPackage); !ok {
		return errors.Wrapf(errors.ErrWrongPayload, "prefix store cannot install %T", req.Target.Payload)
	}

	lock, err := fsutil.AcquireLock(filepath.Join(s.root, LockFilename))
	if err != nil {
		return err
	}
	defer lock.Release()

	destDir := s.packageDir(req.Key.ID)
	extracted, err := extractTarball(ctx, req.PayloadPath, destDir)
	if err != nil {
		removeExtracted(destDir, extracted)
		return errors.Wrapf(err, "failed to extract %s", req.Key.ID)
	}

	relPaths := make([]string, len(extracted))
	for i, rel := range extracted {
		relPaths[i] = filepath.ToSlash(filepath.Join(PackagesDirname, req.Key.ID, rel))
	}
	depURLs := make([]string, len(req.Dependencies))
	for i, dep := range req.Dependencies {
		depURLs[i] = dep.WithoutQuery().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		removeExtracted(destDir, extracted)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			removeExtracted(destDir, extracted)
		}
	}()

	packageID, err := upsertPackage(ctx, tx, req.Key.WithoutQuery().String(), req.Version, req.AsDependency)
	if err != nil {
		return err
	}
	if err = replaceFiles(ctx, tx, packageID, relPaths); err != nil {
		return err
	}
	if err = replaceDependencies(ctx, tx, packageID, depURLs); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit install")
	}
	return nil
}

// Uninstall implements store.PackageStore: delete every recorded file
// (missing files are not errors), drop the bookkeeping rows, then prune
// directories the removal emptied.
func (s *Store) Uninstall(ctx context.Context, _ *index.Catalogue, key types.PackageKey, _ store.InstallTarget) (err error) {
	lock, err := fsutil.AcquireLock(filepath.Join(s.root, LockFilename))
	if err != nil {
		return err
	}
	defer lock.Release()

	url := key.WithoutQuery().String()
	row, err := findPackage(ctx, s.db, url)
	if err != nil {
		return err
	}
	if row == nil {
		return errors.Wrapf(errors.ErrNotInstalled, "%s", url)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	files, err := listFiles(ctx, tx, row.id)
	if err != nil {
		return err
	}
	dirs := make([]string, 0, len(files))
	for _, rel := range files {
		target := filepath.Join(s.root, filepath.FromSlash(rel))
		_ = os.Remove(target)
		dirs = append(dirs, filepath.Dir(target))
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM packages_dependencies WHERE package_id = ? OR dependency_id = ?`, row.id, row.id); err != nil {
		return errors.Wrap(err, "failed to clear dependency rows")
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM packages_files WHERE package_id = ?`, row.id); err != nil {
		return errors.Wrap(err, "failed to clear file rows")
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM packages WHERE id = ?`, row.id); err != nil {
		return errors.Wrapf(err, "failed to delete package %s", url)
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit uninstall")
	}

	fsutil.PruneEmptyDirs(filepath.Join(s.root, PackagesDirname), dirs)
	_ = os.Remove(s.packageDir(key.ID))
	return nil
}

// InstalledPackages implements store.PackageStore.
func (s *Store) InstalledPackages(ctx context.Context, _ store.InstallTarget) ([]store.InstalledPackage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, version, is_dependent, is_pegged FROM packages ORDER BY url`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list packages")
	}
	defer func() { _ = rows.Close() }()

	var installed []store.InstalledPackage
	for rows.Next() {
		var url, version string
		var dependent, pegged bool
		if err := rows.Scan(&url, &version, &dependent, &pegged); err != nil {
			return nil, errors.Wrap(err, "failed to scan package row")
		}
		key, err := types.ParsePackageKey(url)
		if err != nil {
			return nil, err
		}
		installed = append(installed, store.InstalledPackage{
			Key:       key,
			Version:   version,
			Dependent: dependent,
			Pegged:    pegged,
		})
	}
	return installed, rows.Err()
}

// ReverseDependencies implements store.PackageStore.
func (s *Store) ReverseDependencies(ctx context.Context, key types.PackageKey) ([]store.InstalledPackage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.url, p.version, p.is_dependent, p.is_pegged
		FROM packages p
		JOIN packages_dependencies d ON d.package_id = p.id
		JOIN packages dep ON dep.id = d.dependency_id
		WHERE dep.url = ?
		ORDER BY p.url`, key.WithoutQuery().String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reverse dependencies")
	}
	defer func() { _ = rows.Close() }()

	var dependents []store.InstalledPackage
	for rows.Next() {
		var url, version string
		var dependent, pegged bool
		if err := rows.Scan(&url, &version, &dependent, &pegged); err != nil {
			return nil, errors.Wrap(err, "failed to scan dependent row")
		}
		depKey, err := types.ParsePackageKey(url)
		if err != nil {
			return nil, err
		}
		dependents = append(dependents, store.InstalledPackage{
			Key:       depKey,
			Version:   version,
			Dependent: dependent,
			Pegged:    pegged,
		})
	}
	return dependents, rows.Err()
}

// SetPegged marks a package as hard-retained: the resolver refuses
// plans that would remove it.
func (s *Store) SetPegged(ctx context.Context, key types.PackageKey, pegged bool) error {
	url := key.WithoutQuery().String()
	res, err := s.db.ExecContext(ctx, `UPDATE packages SET is_pegged = ? WHERE url = ?`, pegged, url)
	if err != nil {
		return errors.Wrapf(err, "failed to peg %s", url)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return errors.Wrapf(errors.ErrNotInstalled, "%s", url)
	}
	return err
}

func (s *Store) packageDir(id string) string {
	return filepath.Join(s.root, PackagesDirname, id)
}
