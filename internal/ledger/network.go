package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Signer is a connected signing identity able to authorise one write.
type Signer struct {
	Address common.Address
	// Signature over the connect message, proving control of Address.
	Signature []byte
	ChainID   *big.Int
	// Endpoint is the RPC URL the wallet submits through. Empty means the
	// network's default write endpoint.
	Endpoint string
	SignTx   bind.SignerFn
}

// TransactOpts builds go-ethereum transaction options bound to ctx.
func (s *Signer) TransactOpts(ctx context.Context) *bind.TransactOpts {
	return &bind.TransactOpts{
		From:    s.Address,
		Signer:  s.SignTx,
		Context: ctx,
	}
}

// Wallet is the signing identity collaborator.
type Wallet interface {
	Connect(ctx context.Context) (common.Address, error)
	ConnectAndSign(ctx context.Context, message []byte) (*Signer, error)
}

// RecordReader is a read-only connection to the record store.
type RecordReader interface {
	// GetRecord returns the stored content id or ErrNotFound.
	GetRecord(ctx context.Context, hash Hash) (string, error)
	Close()
}

// RecordWriter is a signer-bound connection to the record store.
type RecordWriter interface {
	RecordReader
	// StoreRecord submits the write and returns its transaction hash
	// without waiting for it to be mined.
	StoreRecord(ctx context.Context, hash Hash, contentID string) (common.Hash, error)
	// WaitConfirmed blocks until tx is mined and returns the number of
	// confirmations observed. A mined but failed tx yields ErrReverted.
	WaitConfirmed(ctx context.Context, tx common.Hash) (uint64, error)
}

// Network opens scoped connections to the ledger. Implementations return
// errors already classified into this package's taxonomy.
type Network interface {
	DialReader(ctx context.Context) (RecordReader, error)
	DialWriter(ctx context.Context, signer *Signer) (RecordWriter, error)
}
