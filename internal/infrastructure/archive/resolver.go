package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"PBXNotifier/internal/ports"
)

const (
	bundleFile    = "bundle"
	extractDir    = "extracted"
	scratchPrefix = "recordings-"
)

var (
	gzipMagic       = []byte{0x1f, 0x8b}
	audioExtensions = map[string]bool{".wav": true, ".mp3": true}

	errEmptyBundle = errors.New("downloaded bundle is empty")
	errUnsafePath  = errors.New("archive entry escapes extraction directory")
)

// Resolver downloads a recordings bundle and extracts it into a scratch
// directory that lives until the returned Archive is released.
type Resolver struct {
	client      *http.Client
	scratchRoot string
	timeout     time.Duration
	matcher     Matcher
	logger      *slog.Logger
}

var _ ports.ArchiveResolver = (*Resolver)(nil)

// NewResolver builds a resolver. scratchRoot "" means the OS temp directory;
// a nil matcher means SubstringMatcher.
func NewResolver(client *http.Client, scratchRoot string, timeout time.Duration, matcher Matcher, logger *slog.Logger) *Resolver {
	if client == nil {
		client = &http.Client{}
	}
	if matcher == nil {
		matcher = SubstringMatcher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client:      client,
		scratchRoot: scratchRoot,
		timeout:     timeout,
		matcher:     matcher,
		logger:      logger.With("component", "archive"),
	}
}

// Resolve never fails: any problem yields an empty archive and a log line.
func (r *Resolver) Resolve(ctx context.Context, url string) ports.Archive {
	if url == "" {
		return emptyArchive{}
	}

	dir, err := os.MkdirTemp(r.scratchRoot, scratchPrefix)
	if err != nil {
		r.logger.Warn("create scratch dir", "err", err)
		return emptyArchive{}
	}

	entries, err := r.fetch(ctx, url, dir)
	if err != nil {
		r.logger.Warn("recordings unavailable", "err", err)
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			r.logger.Warn("remove scratch dir", "dir", dir, "err", rmErr)
		}
		return emptyArchive{}
	}

	r.logger.Info("recordings extracted", "files", len(entries), "dir", dir)
	return &bundle{dir: dir, entries: entries, matcher: r.matcher, logger: r.logger}
}

func (r *Resolver) fetch(ctx context.Context, url, dir string) ([]Entry, error) {
	bundlePath := filepath.Join(dir, bundleFile)

	size, err := r.download(ctx, url, bundlePath)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("bundle downloaded", "size", humanize.Bytes(uint64(size)))

	entries, err := extract(bundlePath, filepath.Join(dir, extractDir))
	if err != nil {
		return nil, err
	}

	if err := os.Remove(bundlePath); err != nil {
		r.logger.Debug("remove bundle", "err", err)
	}
	return entries, nil
}

func (r *Resolver) download(ctx context.Context, url, dst string) (int64, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download bundle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download bundle: unexpected status %d", resp.StatusCode)
	}

	fd, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create bundle file: %w", err)
	}
	defer fd.Close()

	n, err := io.Copy(fd, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("write bundle: %w", err)
	}
	if n == 0 {
		return 0, errEmptyBundle
	}
	return n, nil
}

func extract(bundlePath, dst string) ([]Entry, error) {
	fd, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer fd.Close()

	br := bufio.NewReader(fd)
	var src io.Reader = br

	magic, err := br.Peek(len(gzipMagic))
	if err == nil && bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, fmt.Errorf("create extract dir: %w", err)
	}

	var entries []Entry
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !filepath.IsLocal(hdr.Name) {
			return nil, fmt.Errorf("%w: %q", errUnsafePath, hdr.Name)
		}

		name := filepath.Base(hdr.Name)
		if !audioExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}

		target := filepath.Join(dst, filepath.FromSlash(hdr.Name))
		written, err := writeEntry(target, tr)
		if err != nil {
			return nil, err
		}
		if written == 0 {
			continue
		}

		entries = append(entries, Entry{Name: name, Path: target, Size: written})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func writeEntry(target string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create entry dir: %w", err)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create entry: %w", err)
	}

	n, copyErr := io.Copy(out, r)
	closeErr := out.Close()
	if copyErr != nil {
		return 0, fmt.Errorf("extract entry: %w", copyErr)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("close entry: %w", closeErr)
	}
	return n, nil
}

type bundle struct {
	dir     string
	entries []Entry
	matcher Matcher
	logger  *slog.Logger
	once    sync.Once
}

func (b *bundle) Match(callID string) (string, bool) {
	e, ok := b.matcher.Match(callID, b.entries)
	if !ok {
		return "", false
	}
	return e.Path, true
}

func (b *bundle) Len() int { return len(b.entries) }

func (b *bundle) Release() {
	b.once.Do(func() {
		if err := os.RemoveAll(b.dir); err != nil {
			b.logger.Warn("remove scratch dir", "dir", b.dir, "err", err)
		}
	})
}

type emptyArchive struct{}

func (emptyArchive) Match(string) (string, bool) { return "", false }
func (emptyArchive) Len() int                    { return 0 }
func (emptyArchive) Release()                    {}
