package prefix

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"

	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/fsutil"
)

// extractTarball streams the payload archive into destDir, returning
// the relative paths of every extracted file. Each file is written to a
// temp name and renamed into place. Entries with absolute paths or
// parent traversal are rejected, as are symlinks whose target escapes
// destDir.
func extractTarball(ctx context.Context, archivePath, destDir string) ([]string, error) {
	fsys, err := archives.FileSystem(ctx, archivePath, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open archive %s", archivePath)
	}
	if closer, ok := fsys.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}
	if err := fsutil.EnsureDir(destDir); err != nil {
		return nil, err
	}

	var extracted []string
	err = fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == "." {
			return nil
		}
		targetPath, err := safeTargetPath(destDir, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsutil.EnsureDir(targetPath)
		}

		info, err := d.Info()
		if err != nil {
			return errors.Wrapf(err, "failed to stat archive entry %s", path)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if err := extractSymlink(fsys, path, destDir, targetPath); err != nil {
				return err
			}
			extracted = append(extracted, path)
			return nil
		}
		if !info.Mode().IsRegular() {
			return errors.Wrapf(errors.ErrPayloadTag, "unsupported entry type for %s", path)
		}
		if err := extractRegular(fsys, path, targetPath, info); err != nil {
			return err
		}
		extracted = append(extracted, path)
		return nil
	})
	if err != nil {
		return extracted, err
	}
	return extracted, nil
}

// safeTargetPath joins an archive entry path onto destDir, rejecting
// absolute paths and parent traversal.
func safeTargetPath(destDir, entryPath string) (string, error) {
	if filepath.IsAbs(entryPath) {
		return "", errors.Wrapf(errors.ErrPayloadTag, "absolute path in archive: %s", entryPath)
	}
	clean := filepath.Clean(filepath.FromSlash(entryPath))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", errors.Wrapf(errors.ErrPayloadTag, "path traversal in archive: %s", entryPath)
	}
	target := filepath.Join(destDir, clean)
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", errors.Wrapf(errors.ErrPayloadTag, "path escapes prefix: %s", entryPath)
	}
	return target, nil
}

func extractSymlink(fsys fs.FS, path, destDir, targetPath string) error {
	f, err := fsys.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read symlink %s", path)
	}
	linkBytes, readErr := io.ReadAll(f)
	_ = f.Close()
	if readErr != nil {
		return errors.Wrapf(readErr, "failed to read symlink target %s", path)
	}
	linkTarget := string(linkBytes)

	// The link must resolve inside the prefix whether it is relative or
	// absolute.
	resolved := linkTarget
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(targetPath), resolved)
	}
	rel, err := filepath.Rel(destDir, filepath.Clean(resolved))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return errors.Wrapf(errors.ErrPayloadTag, "symlink %s escapes prefix (-> %s)", path, linkTarget)
	}

	if err := fsutil.EnsureFileDir(targetPath); err != nil {
		return err
	}
	_ = os.Remove(targetPath)
	if err := os.Symlink(linkTarget, targetPath); err != nil {
		return errors.Wrapf(err, "failed to create symlink %s", targetPath)
	}
	return nil
}

func extractRegular(fsys fs.FS, path, targetPath string, info fs.FileInfo) error {
	src, err := fsys.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open archive entry %s", path)
	}
	defer func() { _ = src.Close() }()

	if err := fsutil.EnsureFileDir(targetPath); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(targetPath), ".extract-*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to extract %s", path)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to close %s", tmpPath)
	}

	mode := info.Mode().Perm()
	if mode == 0 {
		mode = fsutil.FileModeDefault
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to set mode on %s", tmpPath)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to finalize %s", targetPath)
	}
	return nil
}

// removeExtracted deletes the files written by a failed install,
// best-effort, and prunes any directories it emptied.
func removeExtracted(destDir string, relPaths []string) {
	dirs := make([]string, 0, len(relPaths))
	for _, rel := range relPaths {
		target := filepath.Join(destDir, filepath.FromSlash(rel))
		_ = os.Remove(target)
		dirs = append(dirs, filepath.Dir(target))
	}
	fsutil.PruneEmptyDirs(filepath.Dir(destDir), dirs)
	_ = os.Remove(destDir)
}
