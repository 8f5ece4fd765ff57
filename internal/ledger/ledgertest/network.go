// Package ledgertest provides an in-memory record store and wallet for tests.
package ledgertest

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/toefl-cert-ledger/internal/ledger"
)

type pendingTx struct {
	hash      ledger.Hash
	contentID string
}

// Network is an in-memory ledger.Network. Stores are checked against
// committed state when submitted and applied when mined, so two racing
// writers behave like they would on chain: one lands, the other reverts.
type Network struct {
	mu      sync.Mutex
	records map[ledger.Hash]string
	pending map[common.Hash]pendingTx
	landed  map[common.Hash]bool
	mined   chan struct{}
	nonce   uint64

	// Stall keeps WaitConfirmed blocked until its context ends or Mine is
	// called, leaving the write pending in the meantime.
	Stall bool
	// Misconfigured makes every dial fail like a missing endpoint.
	Misconfigured bool
	// ReadErr and WriteErr are returned from GetRecord / StoreRecord.
	ReadErr  error
	WriteErr error

	Dials  int
	Closes int
}

func NewNetwork() *Network {
	return &Network{
		records: make(map[ledger.Hash]string),
		pending: make(map[common.Hash]pendingTx),
		landed:  make(map[common.Hash]bool),
		mined:   make(chan struct{}),
	}
}

// Put commits a record directly, bypassing the write path.
func (n *Network) Put(hash ledger.Hash, contentID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records[hash] = contentID
}

// Record returns the committed value for hash.
func (n *Network) Record(hash ledger.Hash) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.records[hash]
	return v, ok
}

// Mine applies every pending write that does not conflict with state.
func (n *Network) Mine() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for tx, p := range n.pending {
		_, exists := n.records[p.hash]
		if !exists {
			n.records[p.hash] = p.contentID
		}
		n.landed[tx] = !exists
		delete(n.pending, tx)
	}
	close(n.mined)
	n.mined = make(chan struct{})
}

func (n *Network) DialReader(_ context.Context) (ledger.RecordReader, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Misconfigured {
		return nil, ledger.ErrMisconfiguredEndpoint
	}
	n.Dials++
	return &conn{net: n}, nil
}

func (n *Network) DialWriter(_ context.Context, signer *ledger.Signer) (ledger.RecordWriter, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Misconfigured {
		return nil, ledger.ErrMisconfiguredEndpoint
	}
	if signer == nil {
		return nil, ledger.ErrSignerUnavailable
	}
	n.Dials++
	return &conn{net: n, signer: signer}, nil
}

type conn struct {
	net    *Network
	signer *ledger.Signer
}

func (c *conn) Close() {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.Closes++
}

func (c *conn) GetRecord(_ context.Context, hash ledger.Hash) (string, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.net.ReadErr != nil {
		return "", ledger.Classify(c.net.ReadErr)
	}
	v, ok := c.net.records[hash]
	if !ok {
		return "", ledger.ErrNotFound
	}
	return v, nil
}

func (c *conn) StoreRecord(_ context.Context, hash ledger.Hash, contentID string) (common.Hash, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.net.WriteErr != nil {
		return common.Hash{}, ledger.Classify(c.net.WriteErr)
	}
	// gas estimation runs against committed state
	if _, exists := c.net.records[hash]; exists {
		return common.Hash{}, ledger.Classify(errors.New("execution reverted: record already exists"))
	}
	c.net.nonce++
	tx := crypto.Keccak256Hash(hash.Bytes(), []byte(contentID), new(big.Int).SetUint64(c.net.nonce).Bytes())
	c.net.pending[tx] = pendingTx{hash: hash, contentID: contentID}
	return tx, nil
}

func (c *conn) WaitConfirmed(ctx context.Context, tx common.Hash) (uint64, error) {
	c.net.mu.Lock()
	stall, mined := c.net.Stall, c.net.mined
	c.net.mu.Unlock()
	if stall {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-mined:
		}
		c.net.mu.Lock()
		defer c.net.mu.Unlock()
		landed, ok := c.net.landed[tx]
		switch {
		case !ok:
			return 0, errors.New("unknown transaction")
		case !landed:
			return 0, ledger.ErrReverted
		}
		return 1, nil
	}

	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	p, ok := c.net.pending[tx]
	if !ok {
		return 0, errors.New("unknown transaction")
	}
	delete(c.net.pending, tx)
	if _, exists := c.net.records[p.hash]; exists {
		return 0, ledger.ErrReverted
	}
	c.net.records[p.hash] = p.contentID
	return 1, nil
}

// userRejected mimics the EIP-1193 error a browser wallet returns.
type userRejected struct{}

func (userRejected) Error() string  { return "User rejected the request." }
func (userRejected) ErrorCode() int { return 4001 }

// Wallet is a ledger.Wallet backed by a throwaway key.
type Wallet struct {
	Key *ecdsa.PrivateKey
	// Unavailable fails every connect; Reject declines every signature.
	Unavailable bool
	Reject      bool

	mu       sync.Mutex
	Messages [][]byte
}

func NewWallet() *Wallet {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return &Wallet{Key: key}
}

func (w *Wallet) Address() common.Address {
	return crypto.PubkeyToAddress(w.Key.PublicKey)
}

func (w *Wallet) Connect(_ context.Context) (common.Address, error) {
	if w.Unavailable {
		return common.Address{}, errors.New("no wallet connected")
	}
	return w.Address(), nil
}

func (w *Wallet) ConnectAndSign(ctx context.Context, message []byte) (*ledger.Signer, error) {
	addr, err := w.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if w.Reject {
		return nil, userRejected{}
	}
	sig, err := ledger.SignMessage(w.Key, message)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.Messages = append(w.Messages, message)
	w.mu.Unlock()
	return &ledger.Signer{
		Address:   addr,
		Signature: sig,
		ChainID:   big.NewInt(1337),
		SignTx: func(_ common.Address, tx *types.Transaction) (*types.Transaction, error) {
			return tx, nil
		},
	}, nil
}
