package config_test

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/braid/config"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/crypto"
	"github.com/tolelom/braid/crypto/certgen"
	"github.com/tolelom/braid/internal/testutil"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.DefaultConfig()
	cfg.Dispute.ResponseWindow = config.Duration(90 * time.Second)
	require.NoError(t, config.Save(cfg, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"response_window": "1m30s"`)

	got, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, got.Dispute.ResponseWindow.D())
}

func TestDecayDefaultsToHalfTurnLimit(t *testing.T) {
	g := config.DefaultConfig().Game
	assert.Equal(t, g.MaxTurns/2, g.Decay().GraceTurns)
	g.GraceTurns = 7
	assert.Equal(t, uint64(7), g.Decay().GraceTurns)
}

func TestApplyEnvOverrides(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("BRAID_RPC_PORT=9999\nBRAID_RESPONSE_WINDOW=5s\n"), 0600))
	t.Setenv("BRAID_DATA_DIR", "/tmp/braid")
	t.Cleanup(func() {
		os.Unsetenv("BRAID_RPC_PORT")
		os.Unsetenv("BRAID_RESPONSE_WINDOW")
	})

	cfg := config.DefaultConfig()
	require.NoError(t, config.ApplyEnv(cfg, envFile))
	assert.Equal(t, 9999, cfg.RPCPort)
	assert.Equal(t, 5*time.Second, cfg.Dispute.ResponseWindow.D())
	assert.Equal(t, "/tmp/braid", cfg.DataDir)

	t.Setenv("BRAID_P2P_PORT", "not-a-port")
	assert.Error(t, config.ApplyEnv(cfg, envFile))
}

func TestGenesisCreditsAlloc(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	cfg.Genesis.Alloc[pub.Hex()] = 500

	state := testutil.NewStateDB()
	block, err := cfg.Genesis.Build(state, priv, time.Unix(100, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(0), block.Header.Height)
	assert.Equal(t, core.NoParent, block.Header.PrevHash)
	assert.Equal(t, "braid-dev", block.Header.ChainID)
	require.NoError(t, block.VerifySeal(pub))

	acc, err := state.GetAccount(pub.Hex())
	require.NoError(t, err)
	assert.Equal(t, uint64(500), acc.Balance)

	cfg.Genesis.Alloc["not-an-address"] = 1
	_, err = cfg.Genesis.Build(testutil.NewStateDB(), priv, time.Unix(100, 0))
	assert.Error(t, err)
}

func TestLoadTLSConfig(t *testing.T) {
	tlsCfg, err := config.LoadTLSConfig(nil)
	require.NoError(t, err)
	assert.Nil(t, tlsCfg)
	tlsCfg, err = config.LoadTLSConfig(&config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, tlsCfg)

	files, err := certgen.GenerateAll(t.TempDir(), "dungeon0", nil)
	require.NoError(t, err)

	_, err = config.LoadTLSConfig(&config.TLSConfig{NodeCert: files.NodeCert})
	assert.Error(t, err)

	tlsCfg, err = config.LoadTLSConfig(&config.TLSConfig{CACert: files.CACert, NodeCert: files.NodeCert, NodeKey: files.NodeKey})
	require.NoError(t, err)
	require.NotNil(t, tlsCfg)
	assert.Len(t, tlsCfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), tlsCfg.MinVersion)

	// A key file in place of the CA certificate holds no certificate.
	_, err = config.LoadTLSConfig(&config.TLSConfig{CACert: files.CAKey, NodeCert: files.NodeCert, NodeKey: files.NodeKey})
	assert.Error(t, err)
}
