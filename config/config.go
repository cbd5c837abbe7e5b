package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/tolelom/braid/core"
)

// Duration is a time.Duration that reads and writes as "30s" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// GenesisConfig describes the ledger's initial state.
type GenesisConfig struct {
	ChainID string            `json:"chain_id"`
	Alloc   map[string]uint64 `json:"alloc"` // pubkey hex → initial balance
}

// LedgerConfig controls the embedded ledger and how the node talks to it.
type LedgerConfig struct {
	BlockInterval Duration `json:"block_interval"`
	MaxBlockTxs   int      `json:"max_block_txs"` // max transactions per block; 0 → 500
	Validators    []string `json:"validators"`    // authorised proposer pubkey hexes
	AwaitPoll     Duration `json:"await_poll"`
	RetryTries    uint     `json:"retry_tries"`
	RetryInitial  Duration `json:"retry_initial"`
	RetryMax      Duration `json:"retry_max"`
}

// GameConfig holds the per-session rules a dungeon offers.
type GameConfig struct {
	Width            uint32   `json:"width"`
	Height           uint32   `json:"height"`
	MaxPlayers       int      `json:"max_players"`
	Ante             uint64   `json:"ante"`
	Bond             uint64   `json:"bond"`
	MaxTurns         uint64   `json:"max_turns"`
	GraceTurns       uint64   `json:"grace_turns"` // 0 → max_turns/2
	DecayPerTurn     uint64   `json:"decay_per_turn"`
	GracePeriod      Duration `json:"grace_period"`
	DecayInterval    Duration `json:"decay_interval"`
	DecayPerInterval uint64   `json:"decay_per_interval"`
	RevealRadius     int      `json:"reveal_radius"`
	RevealSolution   bool     `json:"reveal_solution"`
}

// Decay returns the treasure decay schedule the game rules describe.
func (g GameConfig) Decay() core.DecaySchedule {
	grace := g.GraceTurns
	if grace == 0 {
		grace = g.MaxTurns / 2
	}
	return core.DecaySchedule{
		GraceTurns:  grace,
		PerTurn:     g.DecayPerTurn,
		GracePeriod: g.GracePeriod.D(),
		Interval:    g.DecayInterval.D(),
		PerInterval: g.DecayPerInterval,
	}
}

// DisputeConfig sets challenge timing and penalties.
type DisputeConfig struct {
	LivenessTimeout Duration `json:"liveness_timeout"`
	ResponseWindow  Duration `json:"response_window"`
	ForfeitPercent  uint64   `json:"forfeit_percent"` // share of the dungeon bond lost per upheld liveness challenge
}

// ProverConfig controls the proof gateway.
type ProverConfig struct {
	KeyDir      string `json:"key_dir"`
	Parallelism int64  `json:"parallelism"`
	MaxPath     int    `json:"max_path"` // 0 → width*height
}

// MazeConfig controls the maze authority.
type MazeConfig struct {
	RetryBudget int    `json:"retry_budget"`
	Bond        uint64 `json:"bond"`
}

// TLSConfig holds PEM paths for mutually authenticated wire connections.
// Leaving every path empty keeps the wire protocol on plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`
	NodeCert string `json:"node_cert"`
	NodeKey  string `json:"node_key"`
}

// Config holds all node configuration.
type Config struct {
	NodeID       string        `json:"node_id"`
	DataDir      string        `json:"data_dir"`
	RPCPort      int           `json:"rpc_port"`
	P2PPort      int           `json:"p2p_port"`
	RPCAuthToken string        `json:"rpc_auth_token,omitempty"` // empty disables bearer auth
	LogLevel     string        `json:"log_level"`
	TLS          *TLSConfig    `json:"tls,omitempty"`
	Ledger       LedgerConfig  `json:"ledger"`
	Game         GameConfig    `json:"game"`
	Dispute      DisputeConfig `json:"dispute"`
	Prover       ProverConfig  `json:"prover"`
	Maze         MazeConfig    `json:"maze"`
	Genesis      GenesisConfig `json:"genesis"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:   "dungeon0",
		DataDir:  "./data",
		RPCPort:  8545,
		P2PPort:  30303,
		LogLevel: "info",
		Ledger: LedgerConfig{
			BlockInterval: Duration(2 * time.Second),
			MaxBlockTxs:   500,
			AwaitPoll:     Duration(200 * time.Millisecond),
			RetryTries:    5,
			RetryInitial:  Duration(250 * time.Millisecond),
			RetryMax:      Duration(5 * time.Second),
		},
		Game: GameConfig{
			Width:        8,
			Height:       8,
			MaxPlayers:   4,
			Ante:         100,
			Bond:         1000,
			MaxTurns:     200,
			DecayPerTurn: 1,
			RevealRadius: 1,
		},
		Dispute: DisputeConfig{
			LivenessTimeout: Duration(30 * time.Second),
			ResponseWindow:  Duration(time.Minute),
			ForfeitPercent:  10,
		},
		Prover: ProverConfig{
			KeyDir:      "./data/keys",
			Parallelism: 2,
		},
		Maze: MazeConfig{
			RetryBudget: 3,
			Bond:        1000,
		},
		Genesis: GenesisConfig{
			ChainID: "braid-dev",
			Alloc:   map[string]uint64{},
		},
	}
}

// Load reads a JSON config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
