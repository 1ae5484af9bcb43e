package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/updater/internal/settings"
)

var (
	showFormat  string
	showSecrets bool
	initForce   bool
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect or create the settings file",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := settings.NewStore(cfgFile, settings.WithErrorHandler(func(err error) {
			fmt.Fprintln(cmd.ErrOrStderr(), err)
		}))
		cfg := store.Load()
		for _, w := range cfg.Validate() {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", w)
		}
		if !showSecrets {
			cfg = cfg.Redacted()
		}
		return writeSettings(cmd.OutOrStdout(), cfg, showFormat)
	},
}

var settingsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a settings file with default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgFile); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgFile)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", cfgFile, err)
		}

		if err := settings.NewStore(cfgFile).Save(settings.Default()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote default settings to %s\n", cfgFile)
		return nil
	},
}

func init() {
	settingsShowCmd.Flags().StringVar(&showFormat, "format", "json", "output format (json, yaml)")
	settingsShowCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print the access token instead of masking it")
	settingsInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")

	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsInitCmd)
}

func writeSettings(w io.Writer, cfg settings.Settings, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal settings: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("marshal settings: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want json or yaml)", format)
	}
}
