package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/LdDl/mot-visitors/config"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	logPath    string
	// Closed by Execute once the command returns
	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:   "visitors",
	Short: "Count and re-identify visitors in camera streams",
	Long: `Visitors detects faces in camera frames, follows them with visual trackers
and keeps a persistent history of entry and exit events per unique visitor.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel, logFormat, logPath)
	},
}

func Execute() {
	err := rootCmd.Execute()
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration (defaults + VISITORS_* env when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: console or json")
	rootCmd.PersistentFlags().StringVar(&logPath, "log-file", "", "Also append JSON log lines to this file")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// setupLogging configures the global logger. When path is set, every record is
// also appended to that file as JSON, whatever the console format is.
func setupLogging(level, format, path string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("bad --log-level '%s': %w", level, err)
	}
	var out io.Writer
	switch format {
	case "console":
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	case "json":
		out = os.Stderr
	default:
		return fmt.Errorf("bad --log-format '%s': expected console or json", format)
	}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening --log-file '%s': %w", path, err)
		}
		if logFile != nil {
			logFile.Close()
		}
		logFile = f
		out = zerolog.MultiLevelWriter(out, f)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}
