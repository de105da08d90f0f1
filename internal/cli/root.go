package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shayne-snap/llmshrink/internal/config"
	"github.com/shayne-snap/llmshrink/internal/logging"
)

// Version is set by main from ldflags or "dev". Used for --version / -v.
var Version string

var (
	globalJSON     bool
	globalConfig   string
	globalSettings string
	globalLogLevel string
	globalLogJSON  bool
	showVersion    bool
)

// env is what every command needs after flags are parsed.
type env struct {
	cfg      config.Config
	log      zerolog.Logger
	closeLog func() error
}

var current *env

var rootCmd = &cobra.Command{
	Use:           "llmshrink",
	Short:         "Convert pretrained checkpoints into 4-bit NF4/FP4 artifacts",
	Long:          "llmshrink resolves a model's architecture family, plans an NF4/FP4 quantization and device placement that fits your hardware, then quantizes the weights and writes a sharded bnb4 artifact.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			if Version == "" {
				Version = "dev"
			}
			fmt.Println(Version)
			os.Exit(0)
		}
		e, err := setup(os.Getenv)
		if err != nil {
			return err
		}
		current = e
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if current != nil && current.closeLog != nil {
			return current.closeLog()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&globalJSON, "json", false, "Output results as JSON")
	rootCmd.PersistentFlags().StringVar(&globalConfig, "config", "", "Config file (.toml, .yaml or .json)")
	rootCmd.PersistentFlags().StringVar(&globalSettings, "settings", "", "Settings file (default <config dir>/llmshrink/settings.toml)")
	rootCmd.PersistentFlags().StringVar(&globalLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&globalLogJSON, "log-json", false, "Write logs as JSON lines")
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Print version and exit")

	rootCmd.AddCommand(convertCmd, resolveCmd, planCmd, systemCmd, familiesCmd, catalogCmd, settingsCmd, serveCmd)
}

// Execute runs the root command. Returns error for exit code handling.
func Execute() error {
	return rootCmd.Execute()
}

// setup resolves config (file, env, then flags) and builds the logger.
func setup(getenv func(string) string) (*env, error) {
	cfg, err := config.Resolve(globalConfig, getenv)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if globalLogLevel != "" {
		cfg.LogLevel = globalLogLevel
	}
	if globalLogJSON {
		cfg.LogJSON = true
	}
	log, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, File: cfg.LogFile})
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, closeLog: closeLog}, nil
}
