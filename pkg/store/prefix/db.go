package prefix

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/glorpus-work/pahkat/pkg/errors"
)

// schemaVersion is bumped on incompatible schema changes; opening a
// store written by a different version fails loudly.
const schemaVersion = "1"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS packages (
	id INTEGER PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	version TEXT NOT NULL,
	installed_on TIMESTAMP NOT NULL,
	updated_on TIMESTAMP NOT NULL,
	is_dependent INTEGER NOT NULL DEFAULT 0,
	is_pegged INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS packages_dependencies (
	package_id INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
	dependency_id INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
	PRIMARY KEY (package_id, dependency_id)
);
CREATE TABLE IF NOT EXISTS packages_files (
	package_id INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
	file_path TEXT NOT NULL
);
`

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	// Single writer per process; the advisory prefix lock serializes
	// across processes.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create schema")
	}
	if err := checkSchemaVersion(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// checkSchemaVersion records the schema version on first open and
// verifies it on every subsequent open. Re-init is idempotent; a
// mismatch is fatal.
func checkSchemaVersion(ctx context.Context, db *sql.DB) error {
	var stored string
	err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = db.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
		return errors.Wrap(err, "failed to record schema version")
	case err != nil:
		return errors.Wrap(err, "failed to read schema version")
	case stored != schemaVersion:
		return errors.Wrapf(errors.ErrPrefixSchema, "store has schema %s, client expects %s", stored, schemaVersion)
	default:
		return nil
	}
}

type packageRow struct {
	id          int64
	url         string
	version     string
	isDependent bool
	isPegged    bool
}

func findPackage(ctx context.Context, q queryer, url string) (*packageRow, error) {
	row := &packageRow{}
	err := q.QueryRowContext(ctx,
		`SELECT id, url, version, is_dependent, is_pegged FROM packages WHERE url = ?`, url).
		Scan(&row.id, &row.url, &row.version, &row.isDependent, &row.isPegged)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query package %s", url)
	}
	return row, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsertPackage inserts or refreshes the packages row and returns its
// id. An explicit install clears is_dependent; a dependency install
// never sets it on a package the user asked for by name.
func upsertPackage(ctx context.Context, tx *sql.Tx, url, version string, asDependency bool) (int64, error) {
	now := time.Now().UTC()
	existing, err := findPackage(ctx, tx, url)
	if err != nil {
		return 0, err
	}
	if existing == nil {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO packages (url, version, installed_on, updated_on, is_dependent)
			 VALUES (?, ?, ?, ?, ?)`,
			url, version, now, now, asDependency)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to insert package %s", url)
		}
		return res.LastInsertId()
	}

	dependent := existing.isDependent && asDependency
	_, err = tx.ExecContext(ctx,
		`UPDATE packages SET version = ?, updated_on = ?, is_dependent = ? WHERE id = ?`,
		version, now, dependent, existing.id)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to update package %s", url)
	}
	return existing.id, nil
}

func replaceFiles(ctx context.Context, tx *sql.Tx, packageID int64, files []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM packages_files WHERE package_id = ?`, packageID); err != nil {
		return errors.Wrap(err, "failed to clear file rows")
	}
	for _, file := range files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO packages_files (package_id, file_path) VALUES (?, ?)`, packageID, file); err != nil {
			return errors.Wrapf(err, "failed to record file %s", file)
		}
	}
	return nil
}

func replaceDependencies(ctx context.Context, tx *sql.Tx, packageID int64, depURLs []string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM packages_dependencies WHERE package_id = ?`, packageID); err != nil {
		return errors.Wrap(err, "failed to clear dependency rows")
	}
	for _, depURL := range depURLs {
		dep, err := findPackage(ctx, tx, depURL)
		if err != nil {
			return err
		}
		if dep == nil {
			// Plan order installs dependencies first; a missing row
			// means the dependency lives in another store (or failed),
			// so there is nothing to link.
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO packages_dependencies (package_id, dependency_id) VALUES (?, ?)`,
			packageID, dep.id); err != nil {
			return errors.Wrapf(err, "failed to record dependency %s", depURL)
		}
	}
	return nil
}

func listFiles(ctx context.Context, q queryer, packageID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT file_path FROM packages_files WHERE package_id = ?`, packageID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list package files")
	}
	defer func() { _ = rows.Close() }()

	var files []string
	for rows.Next() {
		var file string
		if err := rows.Scan(&file); err != nil {
			return nil, errors.Wrap(err, "failed to scan file row")
		}
		files = append(files, file)
	}
	return files, rows.Err()
}
