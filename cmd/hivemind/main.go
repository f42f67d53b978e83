package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/steemit/hivemind-go/internal/config"
	"github.com/steemit/hivemind-go/internal/telemetry"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfgFile    string
	dbFlag     string
	logLevel   string
	logFile    string
	jsonOutput bool

	// logger is handed to every component. logLevelVar backs its handler
	// so a config reload can change verbosity without a restart.
	logger      *slog.Logger
	logLevelVar = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "hivemind",
	Short: "hivemind - Steem social state indexer",
	Long: `Consumes the steemd block stream and maintains the social state tables
(posts, follows, reblogs, feeds, communities) that power Steem apps.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("hivemind version %s (%s)\n", Version, Build)
			return
		}
		// No subcommand - show help
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := config.Initialize(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		applyFlagOverrides(cmd)
		setupLogger()
		watchConfig()
		if err := telemetry.Init(cmd.Context(), "hivemind", Version); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry init failed: %v\n", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		telemetry.Shutdown(cmd.Context())
	},
}

// applyFlagOverrides pushes changed persistent flags into the config
// layer so flags outrank file and environment values.
func applyFlagOverrides(cmd *cobra.Command) {
	if cmd.Flags().Changed("db") {
		config.Set(config.KeyDB, dbFlag)
	}
	if cmd.Flags().Changed("log-level") {
		config.Set(config.KeyLogLevel, logLevel)
	}
	if cmd.Flags().Changed("log-file") {
		config.Set(config.KeyLogFile, logFile)
	}
	if cmd.Flags().Changed("json") {
		config.Set(config.KeyJSON, jsonOutput)
	}
	jsonOutput = config.GetBool(config.KeyJSON)
}

// setupLogger builds the process logger: text to stderr by default, a
// rotating file sink when log.file is set, JSON records in json mode.
func setupLogger() {
	logLevelVar.Set(config.GetLogLevel())

	var w io.Writer = os.Stderr
	if path := config.GetString(config.KeyLogFile); path != "" {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
	}

	opts := &slog.HandlerOptions{Level: logLevelVar}
	if jsonOutput {
		logger = slog.New(slog.NewJSONHandler(w, opts))
	} else {
		logger = slog.New(slog.NewTextHandler(w, opts))
	}
	slog.SetDefault(logger)
}

// watchConfig adjusts the log level when the config file changes.
func watchConfig() {
	config.Watch(func(e fsnotify.Event) {
		logLevelVar.Set(config.GetLogLevel())
		logger.Info("config reloaded", "path", e.Name)
	})
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./hivemind.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "Store connection (sqlite path or mysql:// URL)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to a rotating file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	rootCmd.Flags().BoolP("version", "v", false, "Print version information")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
