package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update-config.json")
	var reported []error
	store := NewStore(path, WithErrorHandler(func(err error) { reported = append(reported, err) }))

	got := store.Load()
	if got != Default() {
		t.Fatalf("Load() = %+v, want defaults %+v", got, Default())
	}
	if len(reported) != 0 {
		t.Fatalf("unexpected errors: %v", reported)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("defaults were not persisted: %v", err)
	}
	var persisted Settings
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("persisted file is not valid JSON: %v", err)
	}
	if persisted != Default() {
		t.Fatalf("persisted = %+v, want defaults", persisted)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}

	again := NewStore(path).Load()
	if again != got {
		t.Fatalf("second Load() = %+v, want %+v", again, got)
	}
}

func TestLoadUsesCamelCaseFileKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update-config.json")
	raw := `{
  "softwareName": "Widget Pro",
  "currentVersion": "2.1.0",
  "githubRepo": "acme/widget",
  "githubToken": "ghp_secret",
  "autoCheck": false,
  "downloadPath": "/tmp/widget",
  "backupBeforeUpdate": false,
  "targetExecutable": "widget"
}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	got := NewStore(path).Load()
	want := Settings{
		SoftwareName:       "Widget Pro",
		CurrentVersion:     "2.1.0",
		SourceRepository:   "acme/widget",
		AccessToken:        "ghp_secret",
		AutoCheck:          false,
		DownloadDir:        "/tmp/widget",
		BackupBeforeUpdate: false,
		TargetExecutable:   "widget",
	}
	if got != want {
		t.Fatalf("Load() = %+v, want %+v", got, want)
	}
}

func TestLoadFillsMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update-config.json")
	if err := os.WriteFile(path, []byte(`{"softwareName": "Partial"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	got := NewStore(path).Load()
	want := Default()
	want.SoftwareName = "Partial"
	if got != want {
		t.Fatalf("Load() = %+v, want %+v", got, want)
	}
}

func TestLoadCorruptFileReturnsDefaultsWithoutOverwriting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update-config.json")
	corrupt := []byte(`{"softwareName": "Broken",`)
	if err := os.WriteFile(path, corrupt, 0o600); err != nil {
		t.Fatal(err)
	}

	var reported []error
	store := NewStore(path, WithErrorHandler(func(err error) { reported = append(reported, err) }))

	got := store.Load()
	if got != Default() {
		t.Fatalf("Load() = %+v, want defaults", got)
	}
	if len(reported) != 1 {
		t.Fatalf("reported %d errors, want 1", len(reported))
	}

	data, _ := os.ReadFile(path)
	if string(data) != string(corrupt) {
		t.Fatalf("corrupt file was overwritten: %q", data)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update-config.json")
	t.Setenv("UPDATER_SOFTWARENAME", "From Env")

	got := NewStore(path).Load()
	if got.SoftwareName != "From Env" {
		t.Fatalf("SoftwareName = %q, want env override", got.SoftwareName)
	}
}

func TestSaveFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	var reported []error
	store := NewStore(filepath.Join(blocker, "update-config.json"),
		WithErrorHandler(func(err error) { reported = append(reported, err) }))

	if err := store.Save(Default()); err == nil {
		t.Fatal("expected Save to fail under a regular file")
	}
	if len(reported) != 1 {
		t.Fatalf("reported %d errors, want 1", len(reported))
	}

	// Load still yields a usable record.
	if got := store.Load(); got != Default() {
		t.Fatalf("Load() = %+v, want defaults", got)
	}
}

func TestSaveReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "update-config.json")
	store := NewStore(path)

	cfg := Default()
	cfg.CurrentVersion = "1.2.3"
	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cfg.CurrentVersion = "1.2.4"
	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the settings file, found %d entries", len(entries))
	}
	if got := store.Load(); got.CurrentVersion != "1.2.4" {
		t.Fatalf("CurrentVersion = %q, want 1.2.4", got.CurrentVersion)
	}
}

func TestWatchReportsExternalChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update-config.json")
	store := NewStore(path)
	store.Load()

	changed := make(chan Settings, 4)
	if err := store.Watch(func(s Settings) { changed <- s }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	next := Default()
	next.SoftwareName = "Renamed"
	if err := NewStore(path).Save(next); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-changed:
			if s.SoftwareName == "Renamed" {
				return
			}
		case <-deadline:
			t.Fatal("no change notification for rewritten settings file")
		}
	}
}

func TestWatchRequiresLoad(t *testing.T) {
	if err := NewStore(filepath.Join(t.TempDir(), "x.json")).Watch(func(Settings) {}); err == nil {
		t.Fatal("expected error when watching before Load")
	}
}

func TestRedacted(t *testing.T) {
	s := Default()
	if s.Redacted().AccessToken != "" {
		t.Fatal("empty token should stay empty")
	}
	s.AccessToken = "secret"
	if s.Redacted().AccessToken == "secret" {
		t.Fatal("token should be masked")
	}
	if s.AccessToken != "secret" {
		t.Fatal("Redacted must not modify the receiver")
	}
}
