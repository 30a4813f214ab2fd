// Package main is the entry point for the yrunner command.
package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lemonberrylabs/yrunner/pkg/config"
	"github.com/lemonberrylabs/yrunner/pkg/runtime"
	"github.com/lemonberrylabs/yrunner/pkg/store"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "yrunner",
	Short: "Run YAML automation scripts",
	Long: `yrunner executes YAML scripts: ordered commands that set variables,
branch, loop, sleep, log and make HTTP requests over one shared set of
variables. Scripts can be run once from the command line or stored and
run on demand or on a schedule by the server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = versionString()
	rootCmd.SetVersionTemplate("yrunner version {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "TOML config file (env YRUNNER_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")

	rootCmd.AddCommand(runCmd, checkCmd, serveCmd, versionCmd)
}

// exitError ends the process with a specific code and no message.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	err := rootCmd.Execute()
	var ee *exitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		os.Exit(ee.code)
	default:
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "yrunner version %s\n", versionString())
	},
}

func versionString() string {
	return version + " (commit=" + commit + ", built=" + date + ")"
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, cfg.Validate()
}

// newLogger builds the process logger on stderr.
func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	var w io.Writer = os.Stderr
	if cfg.Log.Format == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// engineOptions turns the runner and HTTP settings into engine options.
func engineOptions(cfg *config.Config) []runtime.Option {
	return []runtime.Option{
		runtime.WithMaxSteps(cfg.Runner.MaxSteps),
		runtime.WithHTTPClient(&http.Client{Timeout: cfg.HTTP.Timeout.Duration}),
		runtime.WithUserAgent(cfg.HTTP.UserAgent),
		runtime.WithMaxResponseSize(cfg.HTTP.MaxResponseBytes),
	}
}

// openStore opens the configured store.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.OpenSQLite(cfg.Store.Path, cfg.Store.MaxRuns)
	default:
		return store.NewMemory(cfg.Store.MaxRuns), nil
	}
}
