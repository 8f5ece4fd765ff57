package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/toefl-cert-ledger/internal/ledger"
)

func newFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newFlagSet(t), "")
	require.NoError(t, err)

	require.Equal(t, ":50051", cfg.GRPCAddr)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, "certificates.db", cfg.DBPath)
	require.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	require.Equal(t, "https://ipfs.io", cfg.GatewayURL)
	require.Equal(t, float64(10), cfg.VerifyRPS)
	require.Equal(t, 20, cfg.VerifyBurst)
}

func TestLoadPrecedence(t *testing.T) {
	t.Setenv("CERTLEDGER_HTTP", ":9090")
	t.Setenv("CERTLEDGER_RPC_URL", "http://env:8545")
	t.Setenv("CERTLEDGER_RECONCILE_INTERVAL", "1m")

	cfg, err := Load(newFlagSet(t, "--rpc-url", "http://flag:8545"), "")
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.HTTPAddr)
	require.Equal(t, "http://flag:8545", cfg.RPCURL)
	require.Equal(t, time.Minute, cfg.ReconcileInterval)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CERTLEDGER_CHAIN_ID=1337\nCERTLEDGER_DB=dotenv.db\n"), 0o600))
	t.Setenv("CERTLEDGER_DB", "env.db")
	t.Cleanup(func() { os.Unsetenv("CERTLEDGER_CHAIN_ID") })

	cfg, err := Load(newFlagSet(t), path)
	require.NoError(t, err)

	require.Equal(t, int64(1337), cfg.ChainID)
	require.Equal(t, "env.db", cfg.DBPath)
}

func TestLoadMissingDotEnv(t *testing.T) {
	_, err := Load(newFlagSet(t), filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			KillSwitchAPIKey:  "kill",
			KillRestartAPIKey: "restart",
			ContractAddress:   "0x5FbDB2315678afecb367f032d93F642f64180aa3",
			ReconcileInterval: time.Second,
			LogLevel:          "info",
		}
	}
	require.NoError(t, valid().Validate())

	// clef picks its first account when none is named
	clef := valid()
	clef.ClefURL = "http://localhost:8550"
	clef.ChainID = 1337
	require.NoError(t, clef.Validate())
	clef.SignerAccount = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	require.NoError(t, clef.Validate())

	tests := map[string]func(c *Config){
		"no kill key":    func(c *Config) { c.KillSwitchAPIKey = "" },
		"no restart key": func(c *Config) { c.KillRestartAPIKey = "" },
		"bad contract":   func(c *Config) { c.ContractAddress = "0x123" },
		"two signers":    func(c *Config) { c.KeystorePath = "key.json"; c.ClefURL = "http://localhost:8550" },
		"bad signer account": func(c *Config) {
			c.ClefURL = "http://localhost:8550"
			c.ChainID = 1337
			c.SignerAccount = "alice"
		},
		"signer no chain":  func(c *Config) { c.KeystorePath = "key.json" },
		"zero interval":    func(c *Config) { c.ReconcileInterval = 0 },
		"unknown loglevel": func(c *Config) { c.LogLevel = "chatty" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestWalletClefWithoutAccount(t *testing.T) {
	fs := newFlagSet(t, "--clef-url=http://localhost:8550", "--chain-id=1337", "--kill-switch-api-key=k", "--kill-restart-api-key=r")
	cfg, err := Load(fs, "")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	w, err := cfg.Wallet()
	require.NoError(t, err)
	require.IsType(t, &ledger.ClefWallet{}, w)
}
