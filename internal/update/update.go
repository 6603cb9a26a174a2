// Package update checks GitHub for newer stratum releases.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pthm/stratum/internal/version"
)

const (
	defaultReleaseURL = "https://api.github.com/repos/pthm/stratum/releases/latest"
	cacheTTL          = 24 * time.Hour
	cacheFile         = "update-check.json"
	maxAttempts       = 3
)

// Info contains update check results
type Info struct {
	LatestVersion   string    `json:"latest_version"`
	CurrentVersion  string    `json:"current_version"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
	UpdateAvailable bool      `json:"update_available"`
}

// githubRelease represents the GitHub API response
type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Checker queries a release endpoint, caching the answer for a day.
type Checker struct {
	// URL is the GitHub "latest release" endpoint.
	URL    string
	Client *http.Client
	// CacheDir overrides the cache location; see DefaultCacheDir.
	CacheDir string
	// Backoff controls retries of failed requests.
	Backoff func() backoff.BackOff
}

// NewChecker returns a Checker for the stratum repository.
func NewChecker() *Checker {
	return &Checker{
		URL:    defaultReleaseURL,
		Client: &http.Client{Timeout: 5 * time.Second},
		Backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			return backoff.WithMaxRetries(b, maxAttempts-1)
		},
	}
}

// CheckWithCache checks for updates using the default checker.
func CheckWithCache(ctx context.Context) (*Info, error) {
	return NewChecker().CheckWithCache(ctx)
}

// CheckWithCache checks for updates using cache when available
func (c *Checker) CheckWithCache(ctx context.Context) (*Info, error) {
	// Try to load from cache first
	info, err := c.loadCache()
	if err == nil && time.Since(info.CheckedAt) < cacheTTL {
		// Cache is valid, update current version for comparison
		info.CurrentVersion = version.Version
		info.UpdateAvailable = compareVersions(info.CurrentVersion, info.LatestVersion) < 0
		return info, nil
	}

	// Cache miss or expired, fetch from GitHub
	info, err = c.Check(ctx)
	if err != nil {
		return nil, err
	}

	// Save to cache (ignore errors)
	_ = c.saveCache(info)

	return info, nil
}

// Check fetches the latest release, retrying transient failures.
func (c *Checker) Check(ctx context.Context) (*Info, error) {
	var release githubRelease
	fetch := func() error {
		r, err := c.fetch(ctx)
		if err != nil {
			return err
		}
		release = *r
		return nil
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if c.Backoff != nil {
		b = c.Backoff()
	}
	if err := backoff.Retry(fetch, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}

	latestVersion := strings.TrimPrefix(release.TagName, "v")
	currentVersion := version.Version

	return &Info{
		LatestVersion:   latestVersion,
		CurrentVersion:  currentVersion,
		ReleaseURL:      release.HTMLURL,
		CheckedAt:       time.Now(),
		UpdateAvailable: compareVersions(currentVersion, latestVersion) < 0,
	}, nil
}

func (c *Checker) fetch(ctx context.Context) (*githubRelease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, http.NoBody)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "stratum/"+version.Version)

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("GitHub API returned status %d", resp.StatusCode))
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, backoff.Permanent(err)
	}
	if release.TagName == "" {
		return nil, backoff.Permanent(errors.New("GitHub API returned a release without a tag"))
	}
	return &release, nil
}

// DefaultCacheDir returns $XDG_CACHE_HOME/stratum, or ~/.cache/stratum.
func DefaultCacheDir() (string, error) {
	cacheHome := os.Getenv("XDG_CACHE_HOME")
	if cacheHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		cacheHome = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheHome, "stratum"), nil
}

func (c *Checker) cacheDir() (string, error) {
	if c.CacheDir != "" {
		return c.CacheDir, nil
	}
	return DefaultCacheDir()
}

// loadCache loads the cached update info
func (c *Checker) loadCache() (*Info, error) {
	dir, err := c.cacheDir()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, cacheFile))
	if err != nil {
		return nil, err
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// saveCache saves the update info to cache
func (c *Checker) saveCache(info *Info) error {
	dir, err := c.cacheDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, cacheFile), data, 0o644)
}

// compareVersions compares two semver strings
// Returns -1 if a < b, 0 if a == b, 1 if a > b
func compareVersions(a, b string) int {
	a = strings.TrimPrefix(a, "v")
	b = strings.TrimPrefix(b, "v")

	// dev is always "latest"
	if a == "dev" {
		return 1
	}
	if b == "dev" {
		return -1
	}

	partsA := strings.Split(a, ".")
	partsB := strings.Split(b, ".")

	for i := 0; i < max(len(partsA), len(partsB)); i++ {
		numA, numB := versionPart(partsA, i), versionPart(partsB, i)
		if numA < numB {
			return -1
		}
		if numA > numB {
			return 1
		}
	}

	return 0
}

// versionPart returns the numeric value of parts[i], ignoring pre-release
// suffixes like "0-beta".
func versionPart(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, _ := strconv.Atoi(strings.Split(parts[i], "-")[0])
	return n
}
