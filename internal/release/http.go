package release

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/breeze-rmm/updater/internal/httputil"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/settings"
)

// HTTPSource reads a JSON manifest ({"version","url","checksum"}) from the
// URL in Settings.SourceRepository and downloads the artifact it names.
type HTTPSource struct {
	client *http.Client
	retry  httputil.RetryConfig
}

// NewHTTPSource returns a source using client, or a client with a generous
// timeout when nil.
func NewHTTPSource(client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPSource{client: client, retry: httputil.DefaultRetryConfig()}
}

func (h *HTTPSource) headers(s settings.Settings) http.Header {
	headers := http.Header{}
	if s.AccessToken != "" {
		headers.Set("Authorization", "Bearer "+s.AccessToken)
	}
	return headers
}

// Latest fetches the manifest and returns ErrUpToDate unless it names a
// version newer than s.CurrentVersion.
func (h *HTTPSource) Latest(ctx context.Context, s settings.Settings) (Release, error) {
	manifestURL, ok := s.ManifestURL()
	if !ok {
		return Release{}, fmt.Errorf("%w: %q", ErrNoManifest, s.SourceRepository)
	}

	headers := h.headers(s)
	headers.Set("Accept", "application/json")

	resp, err := httputil.Get(ctx, h.client, manifestURL, headers, h.retry)
	if err != nil {
		return Release{}, fmt.Errorf("fetch release manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Release{}, fmt.Errorf("release manifest request failed with status %d", resp.StatusCode)
	}

	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return Release{}, fmt.Errorf("parse release manifest: %w", err)
	}
	if rel.Version == "" || rel.URL == "" || rel.Checksum == "" {
		return Release{}, fmt.Errorf("release manifest missing version, url or checksum")
	}

	resolved, err := resolve(manifestURL, rel.URL)
	if err != nil {
		return Release{}, err
	}
	rel.URL = resolved

	if !Newer(s.CurrentVersion, rel.Version) {
		return Release{}, fmt.Errorf("%w: current %s, latest %s", ErrUpToDate, s.CurrentVersion, rel.Version)
	}

	log.Info("release found", "version", rel.Version, "url", rel.URL)
	return rel, nil
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid manifest URL: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid artifact URL: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}

// Download streams the artifact into s.DownloadDir. The bearer token is only
// sent when the artifact lives on the manifest host.
func (h *HTTPSource) Download(ctx context.Context, s settings.Settings, r Release) (string, error) {
	if err := os.MkdirAll(s.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	var headers http.Header
	if sameHost(s.SourceRepository, r.URL) {
		headers = h.headers(s)
	}

	resp, err := httputil.Get(ctx, h.client, r.URL, headers, h.retry)
	if err != nil {
		return "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("artifact download failed with status %d", resp.StatusCode)
	}

	out, err := os.CreateTemp(s.DownloadDir, artifactPattern(r))
	if err != nil {
		return "", err
	}

	start := time.Now()
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		out.Close()
		os.Remove(out.Name())
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if r.Size > 0 && n != r.Size {
		os.Remove(out.Name())
		return "", fmt.Errorf("artifact size mismatch: expected %d bytes, got %d", r.Size, n)
	}

	log.Info("artifact downloaded",
		"version", r.Version,
		"size", humanize.Bytes(uint64(n)),
		"path", out.Name(),
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)
	return out.Name(), nil
}

func artifactPattern(r Release) string {
	name := "update"
	if u, err := url.Parse(r.URL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	return filepath.Base(name) + "-" + r.Version + "-*.download"
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Host != "" && ua.Host == ub.Host
}
