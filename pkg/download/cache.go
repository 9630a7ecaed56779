// Package download implements the content-addressed payload cache:
// each payload lives at <root>/<sha256(url)>/<filename>, a sidecar lock
// file serializes concurrent downloaders, and completed files are only
// ever installed by atomic rename.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/fsutil"
	"github.com/glorpus-work/pahkat/pkg/types"
)

// Progress receives byte counts while a payload streams in. total is
// the payload's declared size.
type Progress func(current, total int64)

// How long Get waits on another process's in-flight download of the
// same payload before giving up.
const lockWaitTimeout = 5 * time.Minute

const copyChunkSize = 128 << 10

// Cache is a payload cache rooted at one directory. It is safe for use
// from multiple processes; per-key lock files guarantee at most one
// concurrent build per fingerprint.
type Cache struct {
	root      string
	client    *http.Client
	userAgent string
}

// NewCache creates a cache rooted at root. The directory is created on
// first use.
func NewCache(root string) *Cache {
	return &Cache{
		root: root,
		// No overall timeout: payloads can be large. Cancellation and
		// dial/TLS limits come from the request context.
		client:    &http.Client{},
		userAgent: "pahkat/1.0",
	}
}

// Get returns a local path for the payload, downloading it if no valid
// cached copy exists. Callers blocked on a concurrent download of the
// same payload receive the same final artifact.
func (c *Cache) Get(ctx context.Context, payload types.Payload, progress Progress) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, finalPath, err := c.pathsFor(payload)
	if err != nil {
		return "", err
	}
	if c.isComplete(finalPath, payload.DownloadSize()) {
		return finalPath, nil
	}

	lock, err := fsutil.WaitLock(ctx, filepath.Join(c.root, key+".lock"), lockWaitTimeout)
	if err != nil {
		return "", err
	}
	defer lock.Release()

	// Another process may have completed the download while this one
	// waited on the lock.
	if c.isComplete(finalPath, payload.DownloadSize()) {
		return finalPath, nil
	}
	if err := c.fetch(ctx, payload, key, finalPath, progress); err != nil {
		return "", err
	}
	return finalPath, nil
}

// Path returns the cache location the payload would occupy, without
// downloading.
func (c *Cache) Path(payload types.Payload) (string, error) {
	_, finalPath, err := c.pathsFor(payload)
	return finalPath, err
}

func (c *Cache) pathsFor(payload types.Payload) (key, finalPath string, err error) {
	rawURL := payload.DownloadURL()
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return "", "", errors.Wrapf(errors.ErrPackageResolve, "payload URL %q is not absolute", rawURL)
	}
	sum := sha256.Sum256([]byte(rawURL))
	key = hex.EncodeToString(sum[:])

	filename := path.Base(u.Path)
	if filename == "" || filename == "." || filename == "/" {
		filename = key
	}
	return key, filepath.Join(c.root, key, filename), nil
}

func (c *Cache) isComplete(finalPath string, wantSize int64) bool {
	st, err := os.Stat(finalPath)
	return err == nil && st.Size() == wantSize
}

func (c *Cache) fetch(ctx context.Context, payload types.Payload, key, finalPath string, progress Progress) (err error) {
	if err := fsutil.EnsureDir(c.root); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.DownloadURL(), http.NoBody)
	if err != nil {
		return errors.Wrapf(errors.ErrNetwork, "build request: %v", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.Wrapf(errors.ErrNetwork, "download %s: %v", payload.DownloadURL(), err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(errors.ErrNetwork, "download %s: status %d", payload.DownloadURL(), resp.StatusCode)
	}

	partialPath := filepath.Join(c.root, key+".partial")
	partial, err := os.OpenFile(partialPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fsutil.FileModeDefault)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", partialPath, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(partialPath)
		}
	}()

	total := payload.DownloadSize()
	written, err := c.copyWithProgress(ctx, partial, resp.Body, total, progress)
	if cerr := partial.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close %s: %w", partialPath, cerr)
	}
	if err != nil {
		return err
	}
	if written != total {
		return errors.Wrapf(errors.ErrIntegrity,
			"%s: got %d bytes, payload declares %d", payload.DownloadURL(), written, total)
	}
	if err = fsutil.Move(partialPath, finalPath); err != nil {
		return err
	}
	return nil
}

// copyWithProgress streams body to dst, reporting progress. The
// context is checked at every chunk so a cancel truncates the in-flight
// fetch promptly.
func (c *Cache) copyWithProgress(ctx context.Context, dst io.Writer, body io.Reader, total int64, progress Progress) (int64, error) {
	var written int64
	buf := make([]byte, copyChunkSize)
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("failed to write payload: %w", err)
			}
			written += int64(n)
			if progress != nil {
				progress(written, total)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, errors.Wrapf(errors.ErrNetwork, "read payload body: %v", readErr)
		}
	}
}
