package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarFile struct {
	name string
	body string
	kind byte
}

func buildTar(t *testing.T, files []tarFile) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		kind := f.kind
		if kind == 0 {
			kind = tar.TypeReg
		}
		hdr := &tar.Header{Name: f.name, Mode: 0o644, Size: int64(len(f.body)), Typeflag: kind}
		if kind == tar.TypeDir {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if kind == tar.TypeReg {
			_, err := tw.Write([]byte(f.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func gzipBytes(t *testing.T, raw []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func serve(t *testing.T, status int, body []byte) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/bundle.tar.gz"
}

func newTestResolver(t *testing.T) (*Resolver, string) {
	t.Helper()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewResolver(nil, root, 5*time.Second, nil, logger), root
}

func scratchDirs(t *testing.T, root string) []string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(root, scratchPrefix+"*"))
	require.NoError(t, err)
	return matches
}

func sampleFiles() []tarFile {
	return []tarFile{
		{name: "rec/", kind: tar.TypeDir},
		{name: "rec/call-b.mp3", body: "mp3-data"},
		{name: "rec/call-a.WAV", body: "wav-data"},
		{name: "rec/notes.txt", body: "ignored"},
		{name: "rec/call-empty.wav", body: ""},
	}
}

func TestResolveGzipBundle(t *testing.T) {
	t.Parallel()

	resolver, root := newTestResolver(t)
	url := serve(t, http.StatusOK, gzipBytes(t, buildTar(t, sampleFiles())))

	arch := resolver.Resolve(context.Background(), url)
	defer arch.Release()

	assert.Equal(t, 2, arch.Len())

	path, ok := arch.Match("call-a")
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "wav-data", string(data))

	_, ok = arch.Match("call-empty")
	assert.False(t, ok, "empty recordings are not usable")

	_, ok = arch.Match("notes")
	assert.False(t, ok, "non-audio files are skipped")

	_, ok = arch.Match("CALL-A")
	assert.False(t, ok, "matching is case-sensitive")

	assert.Len(t, scratchDirs(t, root), 1)
}

func TestResolvePlainTar(t *testing.T) {
	t.Parallel()

	resolver, _ := newTestResolver(t)
	url := serve(t, http.StatusOK, buildTar(t, sampleFiles()))

	arch := resolver.Resolve(context.Background(), url)
	defer arch.Release()

	path, ok := arch.Match("call-b")
	require.True(t, ok)
	assert.Equal(t, "call-b.mp3", filepath.Base(path))
}

func TestResolveReleaseRemovesScratch(t *testing.T) {
	t.Parallel()

	resolver, root := newTestResolver(t)
	url := serve(t, http.StatusOK, buildTar(t, sampleFiles()))

	arch := resolver.Resolve(context.Background(), url)
	require.Len(t, scratchDirs(t, root), 1)

	arch.Release()
	arch.Release()
	assert.Empty(t, scratchDirs(t, root))
}

func TestResolveFailuresYieldEmptyArchive(t *testing.T) {
	t.Parallel()

	cases := map[string]func(t *testing.T) string{
		"no url":    func(*testing.T) string { return "" },
		"not found": func(t *testing.T) string { return serve(t, http.StatusNotFound, []byte("missing")) },
		"empty":     func(t *testing.T) string { return serve(t, http.StatusOK, nil) },
		"garbage":   func(t *testing.T) string { return serve(t, http.StatusOK, []byte("definitely not a tarball, just text")) },
		"traversal": func(t *testing.T) string {
			return serve(t, http.StatusOK, buildTar(t, []tarFile{{name: "../../escape.wav", body: "x"}}))
		},
	}

	for name, url := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			resolver, root := newTestResolver(t)
			arch := resolver.Resolve(context.Background(), url(t))
			defer arch.Release()

			assert.Equal(t, 0, arch.Len())
			_, ok := arch.Match("escape")
			assert.False(t, ok)
			assert.Empty(t, scratchDirs(t, root), "failed resolve must not leak scratch space")
			_, err := os.Stat(filepath.Join(filepath.Dir(root), "escape.wav"))
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestSubstringMatcherCollision(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{Name: "abc-123-long.mp3", Path: "/a"},
		{Name: "abc-12.mp3", Path: "/b"},
	}

	// The shorter id is also a substring of the earlier entry.
	got, ok := SubstringMatcher{}.Match("abc-12", entries)
	require.True(t, ok)
	assert.Equal(t, "/a", got.Path)

	_, ok = SubstringMatcher{}.Match("", entries)
	assert.False(t, ok)
}
