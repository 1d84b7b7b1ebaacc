// Package update checks a release feed for newer versions and installs them.
package update

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/tchow-twistedxcom/termbridge/internal/logging"
)

var updateLog = logging.ForComponent(logging.CompUpdate)

const (
	// DefaultFeedURL is the release feed queried when none is configured.
	DefaultFeedURL = "https://api.github.com/repos/tchow-twistedxcom/termbridge/releases/latest"

	// CacheFileName stores the last check result.
	CacheFileName = "update-cache.json"

	// DefaultCheckInterval is how long a cached result stays fresh.
	DefaultCheckInterval = 24 * time.Hour

	// BinaryName is the executable looked up inside release archives.
	BinaryName = "termbridge"
)

// Release is one entry of the release feed.
type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"published_at"`
	HTMLURL     string    `json:"html_url"`
	Assets      []Asset   `json:"assets"`
}

// Asset is a downloadable release artifact.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// Cache is the persisted result of the last check.
type Cache struct {
	CheckedAt      time.Time `json:"checked_at"`
	LatestVersion  string    `json:"latest_version"`
	CurrentVersion string    `json:"current_version"`
	DownloadURL    string    `json:"download_url"`
	ReleaseURL     string    `json:"release_url"`
}

// Info describes the outcome of a check.
type Info struct {
	Available      bool
	CurrentVersion string
	LatestVersion  string
	DownloadURL    string
	ReleaseURL     string
	Cached         bool
}

// Options configures a Checker.
type Options struct {
	FeedURL        string
	CurrentVersion string
	CheckInterval  time.Duration
	// CacheDir holds CacheFileName. Empty disables caching.
	CacheDir string
	// HTTPClient overrides the retrying client. Tests use it to shorten waits.
	HTTPClient *retryablehttp.Client
}

// Checker queries the feed, caching results between checks.
type Checker struct {
	opts   Options
	client *retryablehttp.Client
	now    func() time.Time

	mu sync.Mutex
}

// NewChecker returns a checker with defaults applied.
func NewChecker(opts Options) *Checker {
	if opts.FeedURL == "" {
		opts.FeedURL = DefaultFeedURL
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	client := opts.HTTPClient
	if client == nil {
		client = retryablehttp.NewClient()
		client.RetryMax = 3
		client.RetryWaitMin = 500 * time.Millisecond
		client.RetryWaitMax = 5 * time.Second
		client.HTTPClient.Timeout = 10 * time.Second
		client.Logger = nil
	}
	return &Checker{opts: opts, client: client, now: time.Now}
}

func (c *Checker) cachePath() string {
	if c.opts.CacheDir == "" {
		return ""
	}
	return filepath.Join(c.opts.CacheDir, CacheFileName)
}

// LoadCache returns the persisted result, if any.
func (c *Checker) LoadCache() (*Cache, error) {
	path := c.cachePath()
	if path == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cache Cache
	if err := sonic.ConfigStd.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("update: decode cache: %w", err)
	}
	return &cache, nil
}

func (c *Checker) saveCache(cache *Cache) error {
	path := c.cachePath()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := sonic.ConfigStd.MarshalIndent(cache, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ClearCache removes the persisted result.
func (c *Checker) ClearCache() error {
	path := c.cachePath()
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (c *Checker) fetchLatestRelease(ctx context.Context) (*Release, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.opts.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("update: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "termbridge/"+c.opts.CurrentVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update: fetch release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("update: feed returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("update: read release: %w", err)
	}
	var release Release
	if err := sonic.ConfigStd.Unmarshal(data, &release); err != nil {
		return nil, fmt.Errorf("update: parse release: %w", err)
	}
	return &release, nil
}

// AssetName is the archive expected for version on this platform.
func AssetName(version string) string {
	return fmt.Sprintf("%s_%s_%s_%s.tar.gz", BinaryName, strings.TrimPrefix(version, "v"), runtime.GOOS, runtime.GOARCH)
}

func assetURL(release *Release) string {
	want := AssetName(release.TagName)
	for _, a := range release.Assets {
		if a.Name == want {
			return a.BrowserDownloadURL
		}
	}
	return ""
}

// CompareVersions compares two dotted versions.
// Returns -1 if v1 < v2, 0 if equal, 1 if v1 > v2.
func CompareVersions(v1, v2 string) int {
	v1 = strings.TrimPrefix(v1, "v")
	v2 = strings.TrimPrefix(v2, "v")

	parts1 := strings.Split(v1, ".")
	parts2 := strings.Split(v2, ".")
	for len(parts1) < 3 {
		parts1 = append(parts1, "0")
	}
	for len(parts2) < 3 {
		parts2 = append(parts2, "0")
	}

	for i := 0; i < 3; i++ {
		var n1, n2 int
		_, _ = fmt.Sscanf(parts1[i], "%d", &n1)
		_, _ = fmt.Sscanf(parts2[i], "%d", &n2)
		if n1 < n2 {
			return -1
		}
		if n1 > n2 {
			return 1
		}
	}
	return 0
}

// Check reports whether a newer release exists. A fresh cache is used unless
// force is set.
func (c *Checker) Check(ctx context.Context, force bool) (Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{CurrentVersion: c.opts.CurrentVersion}

	if !force {
		if cache, err := c.LoadCache(); err == nil && c.now().Sub(cache.CheckedAt) < c.opts.CheckInterval {
			info.LatestVersion = cache.LatestVersion
			info.DownloadURL = cache.DownloadURL
			info.ReleaseURL = cache.ReleaseURL
			info.Available = CompareVersions(info.CurrentVersion, cache.LatestVersion) < 0
			info.Cached = true
			return info, nil
		}
	}

	release, err := c.fetchLatestRelease(ctx)
	if err != nil {
		updateLog.Warn("update_check_failed", slog.String("error", err.Error()))
		return info, err
	}

	info.LatestVersion = strings.TrimPrefix(release.TagName, "v")
	info.DownloadURL = assetURL(release)
	info.ReleaseURL = release.HTMLURL
	info.Available = CompareVersions(info.CurrentVersion, info.LatestVersion) < 0

	if err := c.saveCache(&Cache{
		CheckedAt:      c.now(),
		LatestVersion:  info.LatestVersion,
		CurrentVersion: info.CurrentVersion,
		DownloadURL:    info.DownloadURL,
		ReleaseURL:     info.ReleaseURL,
	}); err != nil {
		updateLog.Warn("update_cache_save_failed", slog.String("error", err.Error()))
	}
	updateLog.Info("update_checked",
		slog.String("current", info.CurrentVersion),
		slog.String("latest", info.LatestVersion),
		slog.Bool("available", info.Available))
	return info, nil
}

// Run checks once per interval until ctx is done. onAvailable is called for
// each check that finds a newer release.
func (c *Checker) Run(ctx context.Context, onAvailable func(Info)) {
	check := func() {
		info, err := c.Check(ctx, false)
		if err == nil && info.Available && onAvailable != nil {
			onAvailable(info)
		}
	}
	check()
	t := time.NewTicker(c.opts.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}

// Install downloads the archive at downloadURL and replaces the executable at
// execPath with the binary inside it.
func (c *Checker) Install(ctx context.Context, downloadURL, execPath string) error {
	if downloadURL == "" {
		return fmt.Errorf("update: no download available for %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	resolved, err := filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("update: resolve %s: %w", execPath, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return fmt.Errorf("update: build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("update: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update: download failed with status %d", resp.StatusCode)
	}

	binary, err := extractBinary(resp.Body)
	if err != nil {
		return fmt.Errorf("update: extract: %w", err)
	}

	newPath := resolved + ".new"
	if err := os.WriteFile(newPath, binary, 0o755); err != nil {
		return fmt.Errorf("update: write new binary: %w", err)
	}
	oldPath := resolved + ".old"
	if err := os.Rename(resolved, oldPath); err != nil {
		os.Remove(newPath)
		return fmt.Errorf("update: backup old binary: %w", err)
	}
	if err := os.Rename(newPath, resolved); err != nil {
		_ = os.Rename(oldPath, resolved)
		return fmt.Errorf("update: install new binary: %w", err)
	}
	os.Remove(oldPath)
	updateLog.Info("update_installed", slog.String("path", resolved))
	return nil
}

// extractBinary reads BinaryName out of a gzipped tar stream.
func extractBinary(r io.Reader) ([]byte, error) {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag == tar.TypeReg && filepath.Base(header.Name) == BinaryName {
			return io.ReadAll(io.LimitReader(tr, 256<<20))
		}
	}
	return nil, fmt.Errorf("%s binary not found in archive", BinaryName)
}
