// Package config loads service settings from flags, CERTLEDGER_ environment
// variables and an optional .env file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "CERTLEDGER"

type Config struct {
	GRPCAddr          string
	HTTPAddr          string
	DBPath            string
	ReconcileInterval time.Duration

	KillSwitchAPIKey  string
	KillRestartAPIKey string
	IssuerAPIKey      string

	RPCURL          string
	WriteRPCURL     string
	ContractAddress string
	ChainID         int64

	KeystorePath       string
	KeystorePassphrase string
	ClefURL            string
	SignerAccount      string

	GatewayURL     string
	IPFSAPIURL     string
	ContentTimeout time.Duration

	VerifyRPS   float64
	VerifyBurst int

	LogLevel  string
	LogFormat string
}

// Flags registers every setting on fs.
func Flags(fs *pflag.FlagSet) {
	fs.String("grpc", ":50051", "gRPC server address")
	fs.String("http", ":8080", "HTTP server address")
	fs.String("db", "certificates.db", "SQLite database path")
	fs.Duration("reconcile-interval", 30*time.Second, "How often to reconcile unsettled submissions (e.g., 30s, 1m)")

	fs.String("kill-switch-api-key", "", "API key for kill switch endpoint")
	fs.String("kill-restart-api-key", "", "API key for restart endpoint")
	fs.String("issuer-api-key", "", "API key for certificate and record writes")

	fs.String("rpc-url", "", "JSON-RPC endpoint used for ledger reads")
	fs.String("write-rpc-url", "", "JSON-RPC endpoint used for ledger writes (defaults to rpc-url)")
	fs.String("contract", "", "Address of the certificate record store contract")
	fs.Int64("chain-id", 0, "Chain ID writes are signed for")

	fs.String("keystore", "", "Path to an encrypted keystore file for the issuing account")
	fs.String("keystore-passphrase", "", "Passphrase for the keystore file")
	fs.String("clef-url", "", "Clef endpoint used instead of a keystore")
	fs.String("signer-account", "", "Account to sign with through Clef; empty selects the first account Clef exposes")

	fs.String("gateway-url", "https://ipfs.io", "IPFS HTTP gateway used to read certificates")
	fs.String("ipfs-api-url", "", "IPFS node API used to publish certificates")
	fs.Duration("content-timeout", 30*time.Second, "Timeout for content gateway requests")

	fs.Float64("verify-rps", 10, "Public verification requests per second (0 disables the limit)")
	fs.Int("verify-burst", 20, "Burst size for public verification requests")

	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("log-format", "text", "Log format (text, json)")
}

// Load reads the settings registered by Flags. Values in dotEnvPath are
// applied only when the variable is not already set; a missing file is
// ignored.
func Load(fs *pflag.FlagSet, dotEnvPath string) (*Config, error) {
	if dotEnvPath != "" {
		if _, err := os.Stat(dotEnvPath); err == nil {
			if err := godotenv.Load(dotEnvPath); err != nil {
				return nil, fmt.Errorf("config: load %s: %w", dotEnvPath, err)
			}
			slog.Debug("loaded environment file", "path", dotEnvPath)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", dotEnvPath, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	return &Config{
		GRPCAddr:          v.GetString("grpc"),
		HTTPAddr:          v.GetString("http"),
		DBPath:            v.GetString("db"),
		ReconcileInterval: v.GetDuration("reconcile-interval"),

		KillSwitchAPIKey:  v.GetString("kill-switch-api-key"),
		KillRestartAPIKey: v.GetString("kill-restart-api-key"),
		IssuerAPIKey:      v.GetString("issuer-api-key"),

		RPCURL:          v.GetString("rpc-url"),
		WriteRPCURL:     v.GetString("write-rpc-url"),
		ContractAddress: v.GetString("contract"),
		ChainID:         v.GetInt64("chain-id"),

		KeystorePath:       v.GetString("keystore"),
		KeystorePassphrase: v.GetString("keystore-passphrase"),
		ClefURL:            v.GetString("clef-url"),
		SignerAccount:      v.GetString("signer-account"),

		GatewayURL:     v.GetString("gateway-url"),
		IPFSAPIURL:     v.GetString("ipfs-api-url"),
		ContentTimeout: v.GetDuration("content-timeout"),

		VerifyRPS:   v.GetFloat64("verify-rps"),
		VerifyBurst: v.GetInt("verify-burst"),

		LogLevel:  v.GetString("log-level"),
		LogFormat: v.GetString("log-format"),
	}, nil
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.KillSwitchAPIKey == "" {
		errs = append(errs, errors.New("no kill switch API key provided"))
	}
	if c.KillRestartAPIKey == "" {
		errs = append(errs, errors.New("no kill restart API key provided"))
	}
	if c.ContractAddress != "" && !common.IsHexAddress(c.ContractAddress) {
		errs = append(errs, fmt.Errorf("invalid contract address %q", c.ContractAddress))
	}
	if c.KeystorePath != "" && c.ClefURL != "" {
		errs = append(errs, errors.New("keystore and clef-url are mutually exclusive"))
	}
	if c.SignerAccount != "" && !common.IsHexAddress(c.SignerAccount) {
		errs = append(errs, errors.New("signer-account must be a hex address"))
	}
	if (c.KeystorePath != "" || c.ClefURL != "") && c.ChainID <= 0 {
		errs = append(errs, errors.New("chain-id is required when a signer is configured"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid reconcile interval %s", c.ReconcileInterval))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c *Config) Logger() *slog.Logger {
	level, _ := c.Level()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
