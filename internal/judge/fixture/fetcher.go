// Package fixture materializes problem fixtures into attempt files.
package fixture

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"codejudge/internal/common/storage"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	defaultMaxBytes    = 64 << 20
	defaultHTTPTimeout = 30 * time.Second
	zstdSuffix         = ".zst"
)

// Config controls fetch limits.
type Config struct {
	MaxBytes    int64         `yaml:"maxBytes"`
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
}

// Fetcher copies fixtures from their source into local files.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	objects storage.ObjectStorage
}

// NewFetcher creates a fetcher. objects may be nil when object storage is not configured.
func NewFetcher(cfg Config, objects storage.ObjectStorage) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		objects: objects,
	}
}

// Fetch writes the fixture content to dest.
func (f *Fetcher) Fetch(ctx context.Context, fx model.Fixture, dest string) error {
	if fx.Empty() {
		return appErr.New(appErr.FixtureInvalid).WithMessage("fixture has neither content nor location")
	}
	if fx.Location == "" {
		return f.write(dest, strings.NewReader(fx.Content), false)
	}

	src, err := f.open(ctx, fx.Location)
	if err != nil {
		return err
	}
	defer src.Close()
	return f.write(dest, src, strings.HasSuffix(locationPath(fx.Location), zstdSuffix))
}

func (f *Fetcher) open(ctx context.Context, location string) (io.ReadCloser, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return f.openLocal(location)
	}
	switch u.Scheme {
	case "http", "https":
		return f.openHTTP(ctx, location)
	case "minio", "s3":
		return f.openObject(ctx, u)
	case "file":
		return f.openLocal(u.Path)
	default:
		return nil, appErr.Newf(appErr.FixtureInvalid, "unsupported fixture scheme %q", u.Scheme)
	}
}

func (f *Fetcher) openHTTP(ctx context.Context, location string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.FixtureInvalid, "build fixture request failed")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.FixtureFetchFail, "fetch fixture failed")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, appErr.Newf(appErr.FixtureFetchFail, "fetch fixture failed: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (f *Fetcher) openObject(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if f.objects == nil {
		return nil, appErr.New(appErr.FixtureFetchFail).WithMessage("object storage is not configured")
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, appErr.Newf(appErr.FixtureInvalid, "invalid object location %q", u.String())
	}
	rc, err := f.objects.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.FixtureFetchFail, "get fixture object failed")
	}
	return rc, nil
}

func (f *Fetcher) openLocal(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.FixtureFetchFail, "open fixture failed")
	}
	return file, nil
}

func (f *Fetcher) write(dest string, src io.Reader, compressed bool) error {
	if compressed {
		dec, err := zstd.NewReader(src)
		if err != nil {
			return appErr.Wrapf(err, appErr.FixtureFetchFail, "open zstd stream failed")
		}
		defer dec.Close()
		src = dec
	}
	out, err := os.Create(dest)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "create fixture file failed")
	}
	n, copyErr := io.Copy(out, io.LimitReader(src, f.cfg.MaxBytes+1))
	closeErr := out.Close()
	if copyErr != nil {
		return appErr.Wrapf(copyErr, appErr.FixtureFetchFail, "copy fixture failed")
	}
	if n > f.cfg.MaxBytes {
		return appErr.Newf(appErr.FixtureFetchFail, "fixture exceeds %d bytes", f.cfg.MaxBytes)
	}
	if closeErr != nil {
		return appErr.Wrapf(closeErr, appErr.JudgeSystemError, "close fixture file failed")
	}
	return nil
}

func locationPath(location string) string {
	if u, err := url.Parse(location); err == nil && u.Path != "" {
		return u.Path
	}
	return location
}
