package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/release"
)

// Installer is what the verify and install stages need from the local
// filesystem side of an update.
type Installer interface {
	Verify(artifact, checksum string) error
	Install(target, artifact string, backup bool) (backupPath string, err error)
}

// DefaultStages is the simulated pipeline: it walks the eight stages against
// release.Simulated and touches nothing on disk.
func DefaultStages() []Stage {
	return Stages(release.Simulated{}, nil)
}

// Stages returns the eight-stage update pipeline. src answers the version
// check and download. With a nil inst the verify and install stages only
// report progress.
func Stages(src release.Source, inst Installer) []Stage {
	stages := []Stage{
		{Progress: 10, Status: "Checking for updates...", Message: "Connecting to update server..."},
		{Progress: 25, Status: "Checking for updates...", Message: "Checking for available updates...",
			Do: func(ctx context.Context, run *Run) error {
				rel, err := src.Latest(ctx, run.Settings)
				if err != nil {
					return err
				}
				run.Release = rel
				return nil
			}},
		{Progress: 35, Status: "Downloading update...", Message: "New version found: {{.Release.Version}} for {{.Settings.SoftwareName}}"},
		{Progress: 50, Status: "Downloading update...", Message: "Downloading update package...",
			Do: func(ctx context.Context, run *Run) error {
				path, err := src.Download(ctx, run.Settings, run.Release)
				if err != nil {
					return err
				}
				run.Artifact = path
				if path != "" {
					run.OnFinish(func() { removeArtifact(path) })
				}
				return nil
			}},
		{Progress: 65, Status: "Verifying files...", Message: "Download complete. Verifying integrity..."},
		{Progress: 80, Status: "Installing update...", Message: "Verification successful"},
		{Progress: 90, Status: "Installing update...", Message: "Installing update files..."},
		{Progress: 100, Status: "Update complete!", Message: "Update completed successfully!"},
	}

	if inst != nil {
		stages[5].Do = func(ctx context.Context, run *Run) error {
			if run.Artifact == "" {
				return errors.New("no artifact was downloaded")
			}
			return inst.Verify(run.Artifact, run.Release.Checksum)
		}
		stages[7].Do = func(ctx context.Context, run *Run) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			backup, err := inst.Install(run.Settings.TargetExecutable, run.Artifact, run.Settings.BackupBeforeUpdate)
			run.Backup = backup
			return err
		}
	}

	return stages
}

// removeArtifact deletes a downloaded file once the run no longer needs it.
func removeArtifact(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("failed to remove downloaded artifact", "path", path, logging.KeyError, err)
		return
	}
	log.Debug("removed downloaded artifact", "path", path)
}
