package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Chat/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Multi-room chat server with WebSocket and long-poll delivery",
	Long: `chat serves rooms over WebSocket and HTTP long-poll.

  chat serve                 Run the server (default)
  chat migrate               Apply database migrations
  chat rooms create ROOM     Create a persistent static room`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: config/config.$CONFIG_ENV.yaml)")
	rootCmd.AddCommand(serveCmd, migrateCmd, roomsCmd)
}

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config and applies its logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Mode == "release" {
		// JSON lines in production
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return cfg, nil
}
