package artifact

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// Downloader copies an object to a local file.
type Downloader interface {
	Download(ctx context.Context, bucket, key, dest string) error
}

// Package is a test package unpacked on local disk.
type Package struct {
	Dir      string
	Manifest Manifest
}

// Fetcher resolves artifact locations to local packages. Every Fetch reads
// the location again, so a package re-uploaded under the same key is picked
// up by the next run.
type Fetcher struct {
	workDir    string
	downloader Downloader
	logger     *slog.Logger
}

// NewFetcher extracts into workDir. downloader serves s3:// locations and
// may be nil when only local inputs are used.
func NewFetcher(workDir string, downloader Downloader, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{workDir: workDir, downloader: downloader, logger: logger}
}

// Fetch accepts s3://bucket/key.zip, a local .zip file or a local directory.
func (f *Fetcher) Fetch(ctx context.Context, location string) (Package, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return Package{}, errors.New("artifact location is required")
	}

	dir, err := f.materialize(ctx, location)
	if err != nil {
		return Package{}, err
	}
	m, err := ReadManifest(dir)
	if err != nil {
		return Package{}, err
	}
	pkg := Package{Dir: dir, Manifest: m}
	f.logger.Info("fetched test package", "location", location, "dir", dir,
		"manifest", m.Found, "regions", m.regionNames())
	return pkg, nil
}

func (f *Fetcher) materialize(ctx context.Context, location string) (string, error) {
	if strings.HasPrefix(location, "s3://") {
		bucket, key, err := ParseS3URI(location)
		if err != nil {
			return "", err
		}
		if f.downloader == nil {
			return "", fmt.Errorf("no S3 downloader configured for %s", location)
		}
		zipPath := filepath.Join(f.workDir, "downloads", path.Base(key))
		if err := f.downloader.Download(ctx, bucket, key, zipPath); err != nil {
			return "", err
		}
		return f.extract(ctx, zipPath)
	}

	info, err := os.Stat(location)
	if err != nil {
		return "", fmt.Errorf("artifact %s: %w", location, err)
	}
	if info.IsDir() {
		return location, nil
	}
	if strings.EqualFold(filepath.Ext(location), ".zip") {
		return f.extract(ctx, location)
	}
	return "", fmt.Errorf("artifact %s is neither a directory nor a .zip file", location)
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid S3 location %q", uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("S3 location %q has no key", uri)
	}
	return u.Host, key, nil
}

// extract unpacks zipPath into a directory under the work dir named after
// the archive. The directory is cleared first and guarded by a file lock so
// concurrent invocations sharing a work dir do not interleave.
func (f *Fetcher) extract(ctx context.Context, zipPath string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(zipPath), filepath.Ext(zipPath))
	dest := filepath.Join(f.workDir, base)
	if err := os.MkdirAll(f.workDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}

	lock := flock.New(dest + ".lock")
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return "", fmt.Errorf("failed to lock %s: %w", dest, err)
	}
	if !locked {
		return "", fmt.Errorf("failed to lock %s", dest)
	}
	defer func() { _ = lock.Unlock() }()

	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("failed to clear %s: %w", dest, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dest, err)
	}

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", zipPath, err)
	}
	defer r.Close()

	for _, file := range r.File {
		if err := extractFile(file, dest); err != nil {
			return "", err
		}
	}
	f.logger.Debug("extracted package", "zip", zipPath, "dest", dest, "files", len(r.File))
	return dest, nil
}

func extractFile(file *zip.File, dest string) error {
	target := filepath.Join(dest, filepath.FromSlash(file.Name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("zip entry %q escapes the extraction directory", file.Name)
	}
	if file.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open zip entry %s: %w", file.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", file.Name, err)
	}
	return out.Close()
}
