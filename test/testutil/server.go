// Package testutil provides fixtures shared by integration-style
// tests: tarball payload builders and a combined index + payload
// repository server.
package testutil

import (
	"archive/tar"
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mholt/archives"
	"github.com/stretchr/testify/require"

	"github.com/glorpus-work/pahkat/pkg/index"
	"github.com/glorpus-work/pahkat/pkg/types"
)

// TarEntry is one file to place in a fixture tarball.
type TarEntry struct {
	Name string
	Body string
	Mode int64
}

// BuildTarXz builds a .tar.xz archive in memory.
func BuildTarXz(t *testing.T, entries []TarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	xzw, err := archives.Xz{}.OpenWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(xzw)
	for _, entry := range entries {
		mode := entry.Mode
		if mode == 0 {
			mode = 0o644
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:    entry.Name,
			Mode:    mode,
			Size:    int64(len(entry.Body)),
			ModTime: time.Now(),
		}))
		_, err := tw.Write([]byte(entry.Body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, xzw.Close())
	return buf.Bytes()
}

// WriteTarXz writes a fixture tarball to a temp file and returns its
// path.
func WriteTarXz(t *testing.T, entries []TarEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.tar.xz")
	require.NoError(t, os.WriteFile(path, BuildTarXz(t, entries), 0o644))
	return path
}

// Repo is a test repository: descriptors plus payload bodies served
// under /dl/<name>.
type Repo struct {
	Descriptors []*types.Descriptor
	Payloads    map[string][]byte
}

// Serve starts an HTTP server exposing the repository's binary index at
// /index.bin and its payloads under /dl/. The index is encoded per
// request, so descriptors may be filled in after the server is up (the
// payload URLs usually need the server's own address).
func Serve(t *testing.T, repo *Repo) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/"+index.IndexFilename:
			var indexBuf bytes.Buffer
			require.NoError(t, index.WriteIndex(&indexBuf, repo.Descriptors))
			_, _ = w.Write(indexBuf.Bytes())
		case strings.HasPrefix(r.URL.Path, "/dl/"):
			body, ok := repo.Payloads[strings.TrimPrefix(r.URL.Path, "/dl/")]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(body)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}
