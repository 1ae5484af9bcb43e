package installer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func checksumOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func TestVerifyValid(t *testing.T) {
	content := []byte("MyApp 2.6.0 build")
	path := filepath.Join(t.TempDir(), "artifact")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	inst := New()
	if err := inst.Verify(path, checksumOf(content)); err != nil {
		t.Fatalf("valid checksum should pass: %v", err)
	}
	if err := inst.Verify(path, "SHA256:"+checksumOf(content)); err != nil {
		t.Fatalf("prefixed checksum should pass: %v", err)
	}
}

func TestVerifyMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact")
	os.WriteFile(path, []byte("actual content"), 0o644)

	err := New().Verify(path, "0000000000000000000000000000000000000000000000000000000000000000")
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestVerifyFileNotFound(t *testing.T) {
	if err := New().Verify("/nonexistent/file", "abc"); err == nil {
		t.Fatal("nonexistent file should return error")
	}
}

func TestInstallWithBackup(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "MyApp")
	artifact := filepath.Join(dir, "MyApp-2.6.0.download")

	os.WriteFile(target, []byte("v1.0.0 binary"), 0o755)
	os.WriteFile(artifact, []byte("v2.6.0 binary"), 0o644)

	backupPath, err := New().Install(target, artifact, true)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if backupPath != target+BackupSuffix {
		t.Fatalf("backupPath = %q", backupPath)
	}

	backup, _ := os.ReadFile(backupPath)
	if string(backup) != "v1.0.0 binary" {
		t.Fatalf("backup content = %q", backup)
	}
	current, _ := os.ReadFile(target)
	if string(current) != "v2.6.0 binary" {
		t.Fatalf("target content = %q", current)
	}

	if runtime.GOOS != "windows" {
		info, _ := os.Stat(target)
		if info.Mode().Perm()&0o111 == 0 {
			t.Fatal("target should be executable after install")
		}
	}
}

func TestInstallWithoutBackup(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "MyApp")
	artifact := filepath.Join(dir, "artifact")

	os.WriteFile(target, []byte("old"), 0o755)
	os.WriteFile(artifact, []byte("new"), 0o644)

	backupPath, err := New().Install(target, artifact, false)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if backupPath != "" {
		t.Fatalf("no backup expected, got %q", backupPath)
	}
	if _, err := os.Stat(target + BackupSuffix); !os.IsNotExist(err) {
		t.Fatal("backup file should not exist")
	}
}

func TestInstallFreshTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "MyApp")
	artifact := filepath.Join(dir, "artifact")
	os.WriteFile(artifact, []byte("fresh"), 0o644)

	backupPath, err := New().Install(target, artifact, true)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if backupPath != "" {
		t.Fatalf("nothing to back up, got %q", backupPath)
	}
	content, _ := os.ReadFile(target)
	if string(content) != "fresh" {
		t.Fatalf("target content = %q", content)
	}
}

func TestInstallMissingArtifactRollsBack(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "MyApp")
	os.WriteFile(target, []byte("good v1.0.0"), 0o755)

	_, err := New().Install(target, filepath.Join(dir, "missing"), true)
	if err == nil {
		t.Fatal("expected install failure")
	}
	content, _ := os.ReadFile(target)
	if string(content) != "good v1.0.0" {
		t.Fatalf("target not restored: %q", content)
	}
}

func TestRollback(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "MyApp")
	backup := target + BackupSuffix

	os.WriteFile(target, []byte("corrupted"), 0o755)
	os.WriteFile(backup, []byte("good v1.0.0"), 0o755)

	if err := New().Rollback(target, backup); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	content, _ := os.ReadFile(target)
	if string(content) != "good v1.0.0" {
		t.Fatalf("rollback didn't restore backup: %q", content)
	}
}

func TestRollbackNoBackup(t *testing.T) {
	dir := t.TempDir()
	if err := New().Rollback(filepath.Join(dir, "MyApp"), filepath.Join(dir, "MyApp.backup")); err == nil {
		t.Fatal("rollback should fail when no backup exists")
	}
}
