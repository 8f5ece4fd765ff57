package config

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/toefl-cert-ledger/internal/content"
	"github.com/gateway-fm/toefl-cert-ledger/internal/ledger"
)

// Wallet returns the configured signer, or nil when neither a keystore
// nor Clef is configured and the ledger is read-only.
func (c *Config) Wallet() (ledger.Wallet, error) {
	chainID := big.NewInt(c.ChainID)
	switch {
	case c.KeystorePath != "":
		w, err := ledger.LoadKeystoreWallet(c.KeystorePath, c.KeystorePassphrase, chainID, c.WriteRPCURL)
		if err != nil {
			return nil, err
		}
		return w, nil
	case c.ClefURL != "":
		return ledger.NewClefWallet(c.ClefURL, common.HexToAddress(c.SignerAccount), chainID, c.WriteRPCURL), nil
	default:
		return nil, nil
	}
}

// Network returns the record store binding.
func (c *Config) Network() *ledger.EthNetwork {
	var contract common.Address
	if common.IsHexAddress(c.ContractAddress) {
		contract = common.HexToAddress(c.ContractAddress)
	}
	return ledger.NewEthNetwork(contract, c.RPCURL, c.WriteRPCURL)
}

// LedgerClient builds a ledger client from the network and wallet settings.
func (c *Config) LedgerClient() (*ledger.Client, error) {
	wallet, err := c.Wallet()
	if err != nil {
		return nil, err
	}
	return ledger.NewClient(c.Network(), wallet), nil
}

// ContentGateway builds the IPFS gateway client.
func (c *Config) ContentGateway() *content.Gateway {
	return content.NewGateway(c.GatewayURL, c.IPFSAPIURL, c.ContentTimeout)
}
