package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RecordStoreABI is the interface of the on-chain certificate record store.
// storeRecord reverts when the hash is already present.
const RecordStoreABI = `[
	{"type":"function","name":"storeRecord","stateMutability":"nonpayable",
	 "inputs":[{"name":"certificateHash","type":"bytes32"},{"name":"contentId","type":"string"}],
	 "outputs":[]},
	{"type":"function","name":"getRecord","stateMutability":"view",
	 "inputs":[{"name":"certificateHash","type":"bytes32"}],
	 "outputs":[{"name":"contentId","type":"string"}]},
	{"type":"event","name":"RecordStored","anonymous":false,
	 "inputs":[{"name":"certificateHash","type":"bytes32","indexed":true},{"name":"contentId","type":"string","indexed":false}]}
]`

const receiptPollInterval = 2 * time.Second

var recordStoreABI = mustParseABI(RecordStoreABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid record store ABI: %v", err))
	}
	return parsed
}

// EthNetwork binds the record store contract on an EVM chain.
type EthNetwork struct {
	contract common.Address
	readURL  string
	writeURL string
}

// NewEthNetwork creates a network binding. readURL serves public reads;
// writeURL is used for writes when the signer does not bring its own
// endpoint. Missing values surface as ErrMisconfiguredEndpoint on dial.
func NewEthNetwork(contract common.Address, readURL, writeURL string) *EthNetwork {
	return &EthNetwork{
		contract: contract,
		readURL:  readURL,
		writeURL: writeURL,
	}
}

// Contract returns the configured record store address.
func (n *EthNetwork) Contract() common.Address {
	return n.contract
}

func (n *EthNetwork) DialReader(ctx context.Context) (RecordReader, error) {
	if n.contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: contract address not set", ErrMisconfiguredEndpoint)
	}
	if n.readURL == "" {
		return nil, fmt.Errorf("%w: read RPC URL not set", ErrMisconfiguredEndpoint)
	}
	return n.dial(ctx, n.readURL, nil)
}

func (n *EthNetwork) DialWriter(ctx context.Context, signer *Signer) (RecordWriter, error) {
	if n.contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: contract address not set", ErrMisconfiguredEndpoint)
	}
	if signer == nil || signer.SignTx == nil {
		return nil, ErrSignerUnavailable
	}
	url := signer.Endpoint
	if url == "" {
		url = n.writeURL
	}
	if url == "" {
		url = n.readURL
	}
	if url == "" {
		return nil, fmt.Errorf("%w: write RPC URL not set", ErrMisconfiguredEndpoint)
	}

	conn, err := n.dial(ctx, url, signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	if signer.ChainID != nil {
		chainID, err := conn.client.ChainID(ctx)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: query chain id: %v", ErrSignerUnavailable, err)
		}
		if chainID.Cmp(signer.ChainID) != 0 {
			conn.Close()
			return nil, fmt.Errorf("%w: signer on chain %s, endpoint on chain %s", ErrSignerUnavailable, signer.ChainID, chainID)
		}
	}
	return conn, nil
}

func (n *EthNetwork) dial(ctx context.Context, url string, signer *Signer) (*ethConn, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrMisconfiguredEndpoint, url, err)
	}
	return &ethConn{
		client:   client,
		contract: bind.NewBoundContract(n.contract, recordStoreABI, client, client, client),
		signer:   signer,
	}, nil
}

type ethConn struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	signer   *Signer
}

func (c *ethConn) Close() {
	c.client.Close()
}

func (c *ethConn) GetRecord(ctx context.Context, hash Hash) (string, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getRecord", [32]byte(hash)); err != nil {
		return "", Classify(err)
	}
	if len(out) == 0 {
		return "", ErrNotFound
	}
	contentID, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("ledger: unexpected getRecord result %T", out[0])
	}
	if contentID == "" {
		return "", ErrNotFound
	}
	return contentID, nil
}

func (c *ethConn) StoreRecord(ctx context.Context, hash Hash, contentID string) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, ErrSignerUnavailable
	}
	tx, err := c.contract.Transact(c.signer.TransactOpts(ctx), "storeRecord", [32]byte(hash), contentID)
	if err != nil {
		return common.Hash{}, Classify(err)
	}
	return tx.Hash(), nil
}

func (c *ethConn) WaitConfirmed(ctx context.Context, tx common.Hash) (uint64, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for {
		r, err := c.client.TransactionReceipt(ctx, tx)
		if err == nil {
			receipt = r
			break
		}
		if !errors.Is(err, ethereum.NotFound) {
			slog.Debug("receipt not yet available", "tx", tx.Hex(), "err", err)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return 0, ErrReverted
	}

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		// the receipt itself proves one confirmation
		slog.Warn("failed to read chain head", "tx", tx.Hex(), "err", err)
		return 1, nil
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return 1, nil
	}
	return head - mined + 1, nil
}
