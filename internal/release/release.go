// Package release locates the newest version of the managed application and
// fetches its artifact.
package release

import (
	"context"
	"errors"

	"golang.org/x/mod/semver"

	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/settings"
)

var log = logging.L("release")

// ErrUpToDate is returned by Latest when the source has nothing newer than
// the configured current version.
var ErrUpToDate = errors.New("already up to date")

// ErrNoManifest is returned when the settings do not name a manifest URL.
var ErrNoManifest = errors.New("source repository is not a release manifest URL")

// Release describes one downloadable version.
type Release struct {
	Version  string `json:"version"`
	URL      string `json:"url"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size,omitempty"`
}

// Source is where the pipeline looks for updates. Latest returns a version
// identifier and where to get it; Download stores the artifact locally and
// returns its path. Both must return promptly once ctx is cancelled.
type Source interface {
	Latest(ctx context.Context, s settings.Settings) (Release, error)
	Download(ctx context.Context, s settings.Settings, r Release) (string, error)
}

// Newer reports whether candidate is a higher semantic version than current.
// An unparseable current version is treated as older than anything valid.
func Newer(current, candidate string) bool {
	cand := settings.CanonicalVersion(candidate)
	if !semver.IsValid(cand) {
		return false
	}
	cur := settings.CanonicalVersion(current)
	if !semver.IsValid(cur) {
		return true
	}
	return semver.Compare(cand, cur) > 0
}

// SimulatedVersion is the version the simulated source always reports.
const SimulatedVersion = "2.6.0"

// Simulated is the default source: it always reports SimulatedVersion and
// downloads nothing.
type Simulated struct{}

func (Simulated) Latest(ctx context.Context, _ settings.Settings) (Release, error) {
	if err := ctx.Err(); err != nil {
		return Release{}, err
	}
	return Release{Version: SimulatedVersion}, nil
}

func (Simulated) Download(ctx context.Context, _ settings.Settings, _ Release) (string, error) {
	return "", ctx.Err()
}
