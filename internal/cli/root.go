package cli

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"quiz-room-engine/internal/config"
	"quiz-room-engine/internal/logging"
)

var (
	port       string
	configPath string
)

// Execute runs the CLI.
func Execute() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Warn().Err(err).Msg("could not load .env")
	}
	err := newRootCmd().Execute()
	if err != nil {
		log.Error().Err(err).Msg("command failed")
	}
	return err
}

func newRootCmd() *cobra.Command {
	envPort := os.Getenv("PORT")
	envConfig := os.Getenv("CONFIG_PATH")
	if envConfig == "" {
		envConfig = "config/config.yaml"
	}

	cmd := &cobra.Command{
		Use:           "quiz-room-engine",
		Short:         "Real-time multiplayer quiz room engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&port, "port", envPort, "port to listen on")
	cmd.PersistentFlags().StringVar(&configPath, "config", envConfig, "path to YAML config")
	cmd.AddCommand(NewStartCmd(&configPath, &port))
	cmd.AddCommand(NewRoomsCmd(&configPath, &port))
	cmd.AddCommand(NewMigrateCmd(&configPath))
	return cmd
}

// loadConfig reads the config file, tolerating its absence, and sets up logging from it.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return cfg, err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	return cfg, nil
}

func resolvePort(flag string, cfg config.Config, fallback string) string {
	if flag != "" {
		return flag
	}
	if cfg.Server.Port != "" {
		return cfg.Server.Port
	}
	return fallback
}
