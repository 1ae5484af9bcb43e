// Package installer verifies a downloaded artifact and swaps it in for the
// target executable, keeping a backup to roll back to.
package installer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("installer")

// ErrChecksumMismatch is returned by Verify when the artifact digest differs
// from the published one.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// BackupSuffix is appended to the target path to name its backup.
const BackupSuffix = ".backup"

// Installer replaces executables on the local filesystem.
type Installer struct{}

// New returns an Installer.
func New() *Installer {
	return &Installer{}
}

// Verify checks the SHA-256 digest of the file at path. expected is hex,
// optionally prefixed with "sha256:".
func (i *Installer) Verify(path, expected string) error {
	expected = strings.ToLower(strings.TrimSpace(expected))
	expected = strings.TrimPrefix(expected, "sha256:")

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return err
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}

// Install copies artifact over target. When backup is set the current
// target is copied to target+BackupSuffix first and restored if the
// replacement fails. A missing target is installed fresh without a backup.
// The returned path is the backup location, or "" when none was taken.
func (i *Installer) Install(target, artifact string, backup bool) (string, error) {
	log.Info("installing update", "target", target, "artifact", artifact, "backup", backup)

	backupPath := ""
	if backup {
		if _, err := os.Stat(target); err == nil {
			backupPath = target + BackupSuffix
			if err := copyFile(target, backupPath); err != nil {
				return "", fmt.Errorf("failed to backup current executable: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}

	if err := i.replace(target, artifact); err != nil {
		if backupPath == "" {
			return "", fmt.Errorf("failed to replace executable: %w", err)
		}
		if rbErr := i.Rollback(target, backupPath); rbErr != nil {
			log.Error("rollback also failed after replace error", "replaceError", err, "rollbackError", rbErr)
			return backupPath, fmt.Errorf("failed to replace executable: %w (rollback also failed: %v)", err, rbErr)
		}
		return backupPath, fmt.Errorf("failed to replace executable (rolled back): %w", err)
	}

	return backupPath, nil
}

// replace writes newPath over target. Windows refuses to overwrite a running
// executable, so the old file is moved aside first.
func (i *Installer) replace(target, newPath string) error {
	if runtime.GOOS == "windows" {
		oldPath := target + ".old"
		os.Remove(oldPath)
		if err := os.Rename(target, oldPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	if err := copyFile(newPath, target); err != nil {
		return err
	}

	if runtime.GOOS != "windows" {
		return os.Chmod(target, 0o755)
	}
	return nil
}

// Rollback restores target from backupPath.
func (i *Installer) Rollback(target, backupPath string) error {
	log.Info("rolling back to previous version", "target", target)

	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup found at %s", backupPath)
	}
	return copyFile(backupPath, target)
}

// copyFile copies src to dst, keeping src's permission bits.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode().Perm())
}
