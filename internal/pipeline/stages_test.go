package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/breeze-rmm/updater/internal/installer"
	"github.com/breeze-rmm/updater/internal/release"
	"github.com/breeze-rmm/updater/internal/settings"
)

func TestDefaultStagesTable(t *testing.T) {
	stages := DefaultStages()
	wantStatus := []string{
		"Checking for updates...", "Checking for updates...",
		"Downloading update...", "Downloading update...",
		"Verifying files...",
		"Installing update...", "Installing update...",
		"Update complete!",
	}
	if len(stages) != len(wantStatus) {
		t.Fatalf("len = %d", len(stages))
	}
	for i, st := range stages {
		if st.Status != wantStatus[i] {
			t.Errorf("stage %d status = %q, want %q", i+1, st.Status, wantStatus[i])
		}
	}
}

type liveFixture struct {
	settings settings.Settings
	artifact []byte
}

func newLiveFixture(t *testing.T, checksum func([]byte) string) liveFixture {
	t.Helper()
	artifact := []byte("MyApp 2.7.0")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/latest.json":
			json.NewEncoder(w).Encode(release.Release{
				Version:  "2.7.0",
				URL:      "/files/MyApp",
				Checksum: checksum(artifact),
			})
		case "/files/MyApp":
			w.Write(artifact)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	target := filepath.Join(dir, "MyApp")
	if err := os.WriteFile(target, []byte("MyApp 1.0.0"), 0o755); err != nil {
		t.Fatal(err)
	}

	s := settings.Default()
	s.SourceRepository = server.URL + "/latest.json"
	s.DownloadDir = filepath.Join(dir, "updates")
	s.TargetExecutable = target
	return liveFixture{settings: s, artifact: artifact}
}

func assertNoDownloads(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("download directory not cleaned up: %v", names)
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestLiveStagesInstallRelease(t *testing.T) {
	fx := newLiveFixture(t, sha256Hex)
	e := newFastEngine(t, Stages(release.NewHTTPSource(nil), installer.New()))

	r := drain(t, e.Start(context.Background(), fx.settings), nil)

	if r.terminal.Outcome != Completed {
		t.Fatalf("outcome = %s (%s)", r.terminal.Outcome, r.terminal.Reason)
	}
	if want := []int{10, 25, 35, 50, 65, 80, 90, 100}; !reflect.DeepEqual(r.percents(), want) {
		t.Fatalf("percents = %v", r.percents())
	}
	if got := r.progress[2].Message; got != "New version found: 2.7.0 for My Application" {
		t.Fatalf("35%% message = %q", got)
	}

	installed, _ := os.ReadFile(fx.settings.TargetExecutable)
	if string(installed) != string(fx.artifact) {
		t.Fatalf("target content = %q", installed)
	}
	backup, _ := os.ReadFile(fx.settings.TargetExecutable + installer.BackupSuffix)
	if string(backup) != "MyApp 1.0.0" {
		t.Fatalf("backup content = %q", backup)
	}
	assertNoDownloads(t, fx.settings.DownloadDir)
}

func TestLiveStagesChecksumMismatchFails(t *testing.T) {
	fx := newLiveFixture(t, func([]byte) string { return strings.Repeat("0", 64) })
	e := newFastEngine(t, Stages(release.NewHTTPSource(nil), installer.New()))

	r := drain(t, e.Start(context.Background(), fx.settings), nil)

	if r.terminal.Outcome != Failed || !errors.Is(r.terminal.Err, installer.ErrChecksumMismatch) {
		t.Fatalf("terminal = %+v", r.terminal)
	}
	if want := []int{10, 25, 35, 50, 65}; !reflect.DeepEqual(r.percents(), want) {
		t.Fatalf("percents = %v", r.percents())
	}
	untouched, _ := os.ReadFile(fx.settings.TargetExecutable)
	if string(untouched) != "MyApp 1.0.0" {
		t.Fatalf("target modified after failed verification: %q", untouched)
	}
	assertNoDownloads(t, fx.settings.DownloadDir)
}

func TestLiveStagesCancelledAfterDownloadRemovesArtifact(t *testing.T) {
	fx := newLiveFixture(t, sha256Hex)
	stages := Stages(release.NewHTTPSource(nil), installer.New())

	downloaded := make(chan string, 1)
	stages[4].Do = func(ctx context.Context, run *Run) error {
		downloaded <- run.Artifact
		<-ctx.Done()
		return ctx.Err()
	}
	e := newFastEngine(t, stages)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-downloaded
		cancel()
	}()

	r := drain(t, e.Start(ctx, fx.settings), nil)
	if r.terminal.Outcome != Cancelled {
		t.Fatalf("outcome = %s (%s)", r.terminal.Outcome, r.terminal.Reason)
	}
	assertNoDownloads(t, fx.settings.DownloadDir)
}

func TestLiveStagesUpToDateFails(t *testing.T) {
	fx := newLiveFixture(t, sha256Hex)
	fx.settings.CurrentVersion = "2.7.0"
	e := newFastEngine(t, Stages(release.NewHTTPSource(nil), installer.New()))

	r := drain(t, e.Start(context.Background(), fx.settings), nil)

	if r.terminal.Outcome != Failed || !errors.Is(r.terminal.Err, release.ErrUpToDate) {
		t.Fatalf("terminal = %+v", r.terminal)
	}
	if want := []int{10}; !reflect.DeepEqual(r.percents(), want) {
		t.Fatalf("percents = %v", r.percents())
	}
}
