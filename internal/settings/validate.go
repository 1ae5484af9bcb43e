package settings

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/mod/semver"
)

var repoRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// Validate checks the settings for suspicious values and returns every
// problem found. Problems are logged as warnings and never prevent a run;
// the pipeline surfaces real failures itself.
func (s Settings) Validate() []error {
	var errs []error

	if strings.TrimSpace(s.SoftwareName) == "" {
		errs = append(errs, fmt.Errorf("softwareName is empty"))
	}

	if !semver.IsValid(CanonicalVersion(s.CurrentVersion)) {
		errs = append(errs, fmt.Errorf("currentVersion %q is not a semantic version", s.CurrentVersion))
	}

	if _, isURL := s.ManifestURL(); !isURL && !repoRegex.MatchString(s.SourceRepository) {
		errs = append(errs, fmt.Errorf("githubRepo %q is neither owner/repository nor an http(s) URL", s.SourceRepository))
	}

	for _, r := range s.AccessToken {
		if unicode.IsControl(r) {
			errs = append(errs, fmt.Errorf("githubToken contains control characters"))
			break
		}
	}

	if strings.TrimSpace(s.TargetExecutable) == "" {
		errs = append(errs, fmt.Errorf("targetExecutable is empty"))
	}

	for _, err := range errs {
		slog.Warn("settings validation", "error", err)
	}

	return errs
}

// ManifestURL reports whether the source repository is an http(s) URL
// pointing at a release manifest, and returns it.
func (s Settings) ManifestURL() (string, bool) {
	u, err := url.Parse(s.SourceRepository)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}

// CanonicalVersion adds the "v" prefix golang.org/x/mod/semver expects.
func CanonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
