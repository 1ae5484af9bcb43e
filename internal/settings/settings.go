// Package settings loads and saves the flat updater settings record.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("settings")

// DefaultPath is where the settings file lives, relative to the working
// directory.
const DefaultPath = "update-config.json"

const envPrefix = "UPDATER"

// Settings is the complete configuration for one update run. It is passed by
// value so a run keeps its own snapshot.
type Settings struct {
	SoftwareName       string `mapstructure:"softwareName" json:"softwareName" yaml:"softwareName"`
	CurrentVersion     string `mapstructure:"currentVersion" json:"currentVersion" yaml:"currentVersion"`
	SourceRepository   string `mapstructure:"githubRepo" json:"githubRepo" yaml:"githubRepo"`
	AccessToken        string `mapstructure:"githubToken" json:"githubToken" yaml:"githubToken"`
	AutoCheck          bool   `mapstructure:"autoCheck" json:"autoCheck" yaml:"autoCheck"`
	DownloadDir        string `mapstructure:"downloadPath" json:"downloadPath" yaml:"downloadPath"`
	BackupBeforeUpdate bool   `mapstructure:"backupBeforeUpdate" json:"backupBeforeUpdate" yaml:"backupBeforeUpdate"`
	TargetExecutable   string `mapstructure:"targetExecutable" json:"targetExecutable" yaml:"targetExecutable"`
}

// Default returns the built-in settings used when the file or a field is
// absent.
func Default() Settings {
	return Settings{
		SoftwareName:       "My Application",
		CurrentVersion:     "1.0.0",
		SourceRepository:   "owner/repository",
		AccessToken:        "",
		AutoCheck:          true,
		DownloadDir:        "./updates",
		BackupBeforeUpdate: true,
		TargetExecutable:   "MyApp.exe",
	}
}

// Redacted returns a copy with the access token masked, for display.
func (s Settings) Redacted() Settings {
	if s.AccessToken != "" {
		s.AccessToken = "********"
	}
	return s
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("softwareName", d.SoftwareName)
	v.SetDefault("currentVersion", d.CurrentVersion)
	v.SetDefault("githubRepo", d.SourceRepository)
	v.SetDefault("githubToken", d.AccessToken)
	v.SetDefault("autoCheck", d.AutoCheck)
	v.SetDefault("downloadPath", d.DownloadDir)
	v.SetDefault("backupBeforeUpdate", d.BackupBeforeUpdate)
	v.SetDefault("targetExecutable", d.TargetExecutable)
}

// Option configures a Store.
type Option func(*Store)

// WithErrorHandler routes recoverable load/save errors to fn in addition to
// the structured log. The controller uses it to surface them in the activity
// log.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Store) {
		s.onError = fn
	}
}

// Store reads and writes Settings at a fixed path.
type Store struct {
	path    string
	onError func(error)

	mu    sync.Mutex
	viper *viper.Viper
}

// NewStore returns a store for path. An empty path means DefaultPath.
func NewStore(path string, opts ...Option) *Store {
	if path == "" {
		path = DefaultPath
	}
	s := &Store{path: path}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the settings file location.
func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted settings. A missing file is created with the
// defaults. An unreadable or corrupt file is reported and left untouched;
// the defaults are returned in its place.
func (s *Store) Load() Settings {
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		log.Info("settings file not found, writing defaults", "path", s.path)
		if err := s.Save(Default()); err != nil {
			return Default()
		}
	}

	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		s.report(fmt.Errorf("error loading config: %w", err))
		return Default()
	}

	cfg, err := decode(v)
	if err != nil {
		s.report(fmt.Errorf("error loading config: %w", err))
		return Default()
	}

	s.mu.Lock()
	s.viper = v
	s.mu.Unlock()

	cfg.Validate()
	return cfg
}

func decode(v *viper.Viper) (Settings, error) {
	var cfg Settings
	if err := v.Unmarshal(&cfg); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON. The file is written to a temporary name
// in the same directory and renamed into place, so readers never observe a
// partial record.
func (s *Store) Save(cfg Settings) error {
	if err := writeAtomic(s.path, cfg); err != nil {
		err = fmt.Errorf("error saving config: %w", err)
		s.report(err)
		return err
	}
	log.Debug("settings saved", "path", s.path)
	return nil
}

func writeAtomic(path string, cfg Settings) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// The record carries the access token.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Watch calls onChange with the re-read settings whenever the file changes
// on disk. Load must have succeeded first. Runs already in flight keep the
// snapshot they started with.
func (s *Store) Watch(onChange func(Settings)) error {
	s.mu.Lock()
	v := s.viper
	s.mu.Unlock()
	if v == nil {
		return errors.New("settings not loaded from disk")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		log.Debug("settings file changed", "op", e.Op.String(), "file", e.Name)
		cfg, err := decode(v)
		if err != nil {
			s.report(fmt.Errorf("error reloading config: %w", err))
			return
		}
		cfg.Validate()
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func (s *Store) report(err error) {
	log.Error("settings error", logging.KeyError, err, "path", s.path)
	if s.onError != nil {
		s.onError(err)
	}
}
