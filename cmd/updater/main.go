package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/updater/internal/activity"
	"github.com/breeze-rmm/updater/internal/controller"
	"github.com/breeze-rmm/updater/internal/installer"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/pipeline"
	"github.com/breeze-rmm/updater/internal/release"
	"github.com/breeze-rmm/updater/internal/settings"
	"github.com/breeze-rmm/updater/internal/tui"
)

var log = logging.L("cmd")

var (
	version    = "0.1.0"
	cfgFile    string
	logLevel   string
	logFormat  string
	logFile    string
	live       bool
	stageDelay time.Duration
	holdFor    time.Duration

	logCloser io.Closer
)

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "updater",
	Short: "Application self-updater",
	Long:  `Updater - checks for a newer release, downloads, verifies and installs it with live progress and cancellation`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd.Name() == "ui")
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			if err := logCloser.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
			}
		}
	},
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an update without the interactive screen",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHeadless(cmd.Context(), cmd.OutOrStdout())
	},
}

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Open the interactive updater",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUI(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Updater v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", settings.DefaultPath, "settings file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write structured logs to this file (rotated)")

	for _, cmd := range []*cobra.Command{runCmd, uiCmd} {
		cmd.Flags().BoolVar(&live, "live", false, "fetch and install a real release from the manifest URL in githubRepo")
		cmd.Flags().DurationVar(&stageDelay, "stage-delay", pipeline.DefaultDelay, "pause between stages")
		cmd.Flags().DurationVar(&holdFor, "hold", pipeline.DefaultHold, "how long a completed update stays on screen")
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(uiCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging routes structured logs to the rotating log file when one is
// given. Without one the interactive screen discards them.
func setupLogging(interactive bool) error {
	if logFile != "" {
		rw, err := logging.NewRotatingWriter(logFile, 10, 3)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logCloser = rw
		logging.Init(logFormat, logLevel, rw)
		return nil
	}
	if interactive {
		logging.Discard()
		return nil
	}
	logging.Init(logFormat, logLevel, os.Stderr)
	return nil
}

func newEngine() (*pipeline.Engine, error) {
	stages := pipeline.DefaultStages()
	if live {
		stages = pipeline.Stages(release.NewHTTPSource(nil), installer.New())
	}
	return pipeline.New(stages, pipeline.WithDelay(stageDelay), pipeline.WithHold(holdFor))
}

// newController wires the settings store, activity log and engine. Settings
// errors are recorded in the activity log rather than aborting.
func newController(activityLog *activity.Log) (*controller.Controller, *settings.Store, error) {
	engine, err := newEngine()
	if err != nil {
		return nil, nil, err
	}
	store := settings.NewStore(cfgFile, settings.WithErrorHandler(func(err error) {
		activityLog.Append(userMessage(err), activity.Error)
	}))
	return controller.New(store, activityLog, engine), store, nil
}

// userMessage renders err as a sentence for the activity log.
func userMessage(err error) string {
	msg := err.Error()
	r, size := utf8.DecodeRuneInString(msg)
	if r == utf8.RuneError {
		return msg
	}
	return string(unicode.ToUpper(r)) + msg[size:]
}

// closeController cancels any run and waits up to timeout for it to stop.
func closeController(ctrl *controller.Controller, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ctrl.Close(ctx); err != nil {
		log.Warn("update did not stop before shutdown", "timeout", timeout, logging.KeyError, err)
		return fmt.Errorf("waiting for update to stop: %w", err)
	}
	return nil
}

func runHeadless(ctx context.Context, out io.Writer) error {
	activityLog := activity.New()
	unsubscribe := activityLog.Subscribe(func(e activity.Entry) {
		fmt.Fprintln(out, e.Formatted())
	})
	defer unsubscribe()

	ctrl, _, err := newController(activityLog)
	if err != nil {
		return err
	}
	defer closeController(ctrl, shutdownTimeout)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(); err != nil {
		return err
	}

	done := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		return ctrl.Wait(context.Background())
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			if ctrl.CanCancel() {
				return ctrl.Cancel()
			}
		case <-done:
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, controller.ErrNotRunning) {
		return err
	}

	switch ctrl.State() {
	case controller.Cancelled:
		return errors.New("update cancelled")
	case controller.Failed:
		return errors.New("update failed")
	}
	return nil
}

func runUI(ctx context.Context) error {
	activityLog := activity.New()
	ctrl, store, err := newController(activityLog)
	if err != nil {
		return err
	}

	if err := store.Watch(func(cfg settings.Settings) {
		ctrl.UpdateSettings(cfg)
		activityLog.Append("Settings reloaded", activity.System)
	}); err != nil {
		activityLog.Append(fmt.Sprintf("Settings will not be reloaded: %v", err), activity.Warning)
	}

	uiErr := tui.Run(ctx, ctrl, activityLog, ctrl.Settings().AutoCheck)

	if err := closeController(ctrl, shutdownTimeout); err != nil {
		return err
	}
	return uiErr
}
