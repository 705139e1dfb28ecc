package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultEnclaveConfigIsValid(t *testing.T) {
	cfg := DefaultEnclaveConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.FlushInterval)
	assert.EqualValues(t, 9001, cfg.VsockPort)
}

func TestLoadEnclaveConfigFromPath_FileAndEnv(t *testing.T) {
	path := writeFile(t, "enclave.yaml", `
mode: simulation
listen_address: 127.0.0.1:7001
flush_interval: 2s
max_batch_size: 32
`)
	t.Setenv("SEQ_MAX_CONNS", "8")

	cfg, err := LoadEnclaveConfigFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7001", cfg.ListenAddress)
	assert.Equal(t, 2*time.Second, cfg.FlushInterval)
	assert.Equal(t, 32, cfg.MaxBatchSize)
	assert.Equal(t, 8, cfg.MaxConns)
	// untouched defaults survive
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
}

func TestLoadEnclaveConfigFromPath_Invalid(t *testing.T) {
	path := writeFile(t, "enclave.yaml", "mode: sgx\n")
	_, err := LoadEnclaveConfigFromPath(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")

	_, err = LoadEnclaveConfigFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEnclaveConfigValidate(t *testing.T) {
	cases := map[string]func(c *EnclaveConfig){
		"no flush interval": func(c *EnclaveConfig) { c.FlushInterval = 0 },
		"no batch size":     func(c *EnclaveConfig) { c.MaxBatchSize = 0 },
		"no conns":          func(c *EnclaveConfig) { c.MaxConns = -1 },
		"hardware no port":  func(c *EnclaveConfig) { c.Mode = ModeHardware; c.VsockPort = 0 },
		"no enclave id":     func(c *EnclaveConfig) { c.EnclaveID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultEnclaveConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadHostConfigFromPath(t *testing.T) {
	path := writeFile(t, "host.yaml", `
http_address: ":9090"
enclave:
  mode: hardware
  cid: 21
  port: 5005
timeouts:
  swap: 3s
chain:
  rpc_url: http://localhost:8545
  chain_id: 31337
  settlement_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
`)
	t.Setenv("HOST_RELAY_KEY", "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")

	cfg, err := LoadHostConfigFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddress)
	assert.EqualValues(t, 21, cfg.Enclave.CID)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Swap)
	assert.Equal(t, 8*time.Second, cfg.Timeouts.Attestation)
	assert.True(t, cfg.Chain.Enabled())
	assert.EqualValues(t, 31337, cfg.Chain.ChainID)
	assert.NotEmpty(t, cfg.Chain.RelayKeyHex)
}

func TestHostConfigRequiresRelayKeyWhenChainEnabled(t *testing.T) {
	cfg := DefaultHostConfig()
	require.NoError(t, cfg.Validate())

	cfg.Chain.RPCURL = "http://localhost:8545"
	cfg.Chain.SettlementAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	assert.Error(t, cfg.Validate())

	cfg.Chain.RelayKeyHex = "aa"
	assert.NoError(t, cfg.Validate())

	cfg.Chain.SettlementAddress = "not-an-address"
	assert.Error(t, cfg.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "SEQ_TEST_DOTENV_VALUE=from-file\n")
	t.Setenv("SEQ_TEST_DOTENV_VALUE", "")
	require.NoError(t, os.Unsetenv("SEQ_TEST_DOTENV_VALUE"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "absent.env")))
	assert.Equal(t, "from-file", os.Getenv("SEQ_TEST_DOTENV_VALUE"))
}
