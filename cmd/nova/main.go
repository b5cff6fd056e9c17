package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/nova-chat/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgPath string

	cfg    config
	logger *slog.Logger
)

const errLoggerKey = "err"

var rootCmd = &cobra.Command{
	Use:   "nova",
	Short: "Nova, an AI health assistant chat",
	Long: `Nova serves a streaming health assistant chat: an OpenAI-style completion proxy, a browser
interface and a terminal client.

Examples:
  nova serve                      # run the server
  nova chat                       # chat from the terminal with a running server
  nova history list               # list your stored conversations
  nova history delete <id>        # delete one of them`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	SilenceUsage:      true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		var err error
		cfg, err = loadConfig(cfgPath)
		if err != nil {
			return err
		}

		logger, err = logging.Init(cfg.Log)
		if err != nil {
			logger.Warn("Failed to set up log file, logging to stderr", slog.String(errLoggerKey, err.Error()))
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "Path to the config file")
	rootCmd.AddCommand(serveCmd, chatCmd, historyCmd)
}

func defaultConfigPath() string {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(cfgDir, "nova", "config.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
