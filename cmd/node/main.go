// Command node runs a braid dungeon: maze authority, state-channel sessions,
// dispute resolution and the embedded settlement ledger.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tolelom/braid/config"
)

// passwordEnv names the variable holding the keystore password. Flags would
// leak it through the process list.
const passwordEnv = "BRAID_PASSWORD"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:           "node",
		Short:         "braid dungeon node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "config.json", "path to config file")
	root.PersistentFlags().String("key", "dungeon.key", "path to keystore file")
	root.PersistentFlags().String("env", "", "optional .env file with BRAID_* overrides")

	root.AddCommand(newGenKeyCmd(), newGenCertsCmd(), newRunCmd())
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("node")
	}
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist, then applies environment overrides and the log level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("config file not found, using defaults")
		cfg, err = config.DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}

	envFile, _ := cmd.Flags().GetString("env")
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	if err := config.ApplyEnv(cfg, files...); err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}

func password() string {
	pw := os.Getenv(passwordEnv)
	if pw == "" {
		log.Warn().Str("env", passwordEnv).Msg("keystore password not set, using an empty password")
	}
	return pw
}
