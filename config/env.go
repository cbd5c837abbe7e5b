package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ApplyEnv loads envFiles (".env" when none are given) and overrides cfg
// with any BRAID_* variables that are set. Missing files are not an error.
func ApplyEnv(cfg *Config, envFiles ...string) error {
	if err := godotenv.Load(envFiles...); err != nil {
		log.Debug().Str("component", "config").Err(err).Msg(".env file not loaded")
	}

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("BRAID_NODE_ID", &cfg.NodeID)
	str("BRAID_DATA_DIR", &cfg.DataDir)
	str("BRAID_LOG_LEVEL", &cfg.LogLevel)
	str("BRAID_KEY_DIR", &cfg.Prover.KeyDir)
	str("BRAID_RPC_AUTH_TOKEN", &cfg.RPCAuthToken)

	if err := envInt("BRAID_RPC_PORT", &cfg.RPCPort); err != nil {
		return err
	}
	if err := envInt("BRAID_P2P_PORT", &cfg.P2PPort); err != nil {
		return err
	}
	if err := envInt("BRAID_MAZE_RETRY_BUDGET", &cfg.Maze.RetryBudget); err != nil {
		return err
	}
	if err := envDuration("BRAID_BLOCK_INTERVAL", &cfg.Ledger.BlockInterval); err != nil {
		return err
	}
	if err := envDuration("BRAID_LIVENESS_TIMEOUT", &cfg.Dispute.LivenessTimeout); err != nil {
		return err
	}
	return envDuration("BRAID_RESPONSE_WINDOW", &cfg.Dispute.ResponseWindow)
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(err, "environment variable %s must be an integer", key)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.Wrapf(err, "environment variable %s must be a duration", key)
	}
	*dst = Duration(d)
	return nil
}
