package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/updraft-io/updraft/config"
	"github.com/updraft-io/updraft/controller"
	"github.com/updraft-io/updraft/util"
)

var (
	configPath             string
	logLevel               string
	logFile                string
	updateURL              string
	scopeKey               string
	runtimeVersion         string
	dataDir                string
	embeddedDir            string
	maxConcurrentDownloads int

	rootCmd = &cobra.Command{
		Use:          "updraft",
		Short:        "Updraft keeps application bundles up to date",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultConfigPath := "/etc/updraft/config.json"
	defaultLogFile := "/var/log/updraft/agent.log"
	if util.FileExists("updraft.json") {
		defaultConfigPath = "updraft.json"
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Updraft config file location")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets Updraft log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", defaultLogFile, "sets Updraft log path. If console is specified the log will be output to stdout")
	rootCmd.PersistentFlags().StringVarP(&updateURL, "update-url", "u", "", "URL of the update manifest endpoint")
	rootCmd.PersistentFlags().StringVarP(&scopeKey, "scope-key", "k", "", "scope key isolating this deployment's updates")
	rootCmd.PersistentFlags().StringVarP(&runtimeVersion, "runtime-version", "r", "", "native runtime version updates must be compatible with")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "directory holding the update database and downloaded assets")
	rootCmd.PersistentFlags().StringVar(&embeddedDir, "embedded-dir", "", "directory of the build-time embedded update bundle")
	rootCmd.PersistentFlags().IntVar(&maxConcurrentDownloads, "max-downloads", 0, "maximum concurrent asset downloads, 0 keeps the stored setting")
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(sweepCmd)
}

// SetupCloseHandler cancels the command context on SIGTERM or interrupt so
// in-flight downloads stop without leaving partial files behind.
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-termCh:
			cancel()
		case <-ctx.Done():
		}
	}()
}

func configInput() config.Input {
	input := config.Input{
		ConfigPath: configPath,
		UpdateURL:  updateURL,
	}
	if scopeKey != "" {
		input.ScopeKey = &scopeKey
	}
	if runtimeVersion != "" {
		input.RuntimeVersion = &runtimeVersion
	}
	if dataDir != "" {
		input.DataDir = &dataDir
	}
	if embeddedDir != "" {
		input.EmbeddedDir = &embeddedDir
	}
	if maxConcurrentDownloads > 0 {
		input.MaxConcurrentDownloads = &maxConcurrentDownloads
	}
	return input
}

// newController reads the config, initializes logging and wires the update
// subsystem. Callers own the returned controller and must Close it.
func newController(ctx context.Context) (*controller.Controller, error) {
	if err := util.InitLog(logLevel, logFile); err != nil {
		return nil, err
	}

	cfg, err := config.ReadConfig(configInput())
	if err != nil {
		return nil, err
	}

	return controller.New(ctx, cfg)
}
