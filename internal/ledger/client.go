package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ConfirmationTimeout bounds how long Store waits for the write to be mined.
const ConfirmationTimeout = 120 * time.Second

// Receipt describes a confirmed store.
type Receipt struct {
	TransactionID common.Hash
	Confirmations uint64
}

// Client reads and writes certificate records. Reads need no wallet;
// writes connect the wallet once per call.
type Client struct {
	network        Network
	wallet         Wallet
	confirmTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithConfirmTimeout overrides ConfirmationTimeout.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.confirmTimeout = d
		}
	}
}

// NewClient creates a ledger client. wallet may be nil for read-only use,
// in which case Store fails with ErrSignerUnavailable.
func NewClient(network Network, wallet Wallet, opts ...Option) *Client {
	c := &Client{
		network:        network,
		wallet:         wallet,
		confirmTimeout: ConfirmationTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the content id stored for hash.
func (c *Client) Get(ctx context.Context, hash Hash) (string, error) {
	if c.network == nil {
		return "", ErrMisconfiguredEndpoint
	}
	reader, err := c.network.DialReader(ctx)
	if err != nil {
		return "", Classify(err)
	}
	defer reader.Close()

	contentID, err := reader.GetRecord(ctx, hash)
	if err != nil {
		return "", Classify(err)
	}
	return contentID, nil
}

// Ping checks that the read endpoint answers. An absent record is a
// healthy answer.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Get(ctx, Hash{})
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Store writes hash -> contentID and waits up to ConfirmationTimeout for the
// transaction to be mined. Store never retries: a timed out write may still
// land, and resubmitting it is the caller's decision.
//
// Once the transaction is submitted the wait no longer follows ctx
// cancellation, only the confirmation timeout. Every error returned after
// submission is a *TxError carrying the transaction hash.
func (c *Client) Store(ctx context.Context, hash Hash, contentID string) (Receipt, error) {
	if contentID == "" {
		return Receipt{}, errors.New("ledger: empty content id")
	}
	if c.network == nil {
		return Receipt{}, ErrMisconfiguredEndpoint
	}
	if c.wallet == nil {
		return Receipt{}, ErrSignerUnavailable
	}

	signer, err := c.wallet.ConnectAndSign(ctx, StoreMessage(hash, contentID))
	if err != nil {
		return Receipt{}, classifySignerErr(err)
	}

	writer, err := c.network.DialWriter(ctx, signer)
	if err != nil {
		return Receipt{}, Classify(err)
	}
	defer writer.Close()

	txHash, err := writer.StoreRecord(ctx, hash, contentID)
	if err != nil {
		err = Classify(err)
		// nodes often drop the revert reason during gas estimation
		if !errors.Is(err, ErrDuplicateRecord) && isRevert(err) {
			if _, getErr := writer.GetRecord(ctx, hash); getErr == nil {
				return Receipt{}, fmt.Errorf("%w: %v", ErrDuplicateRecord, err)
			}
		}
		return Receipt{}, err
	}
	slog.Info("certificate record submitted", "hash", hash.Hex(), "cid", contentID, "tx", txHash.Hex(), "signer", signer.Address.Hex())

	// the write is out; dropping the request must not drop its outcome
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.confirmTimeout)
	defer cancel()

	confirmations, err := writer.WaitConfirmed(waitCtx, txHash)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(waitCtx.Err(), context.DeadlineExceeded):
		slog.Warn("certificate record not confirmed in time", "hash", hash.Hex(), "tx", txHash.Hex(), "timeout", c.confirmTimeout)
		return Receipt{}, &TxError{Err: ErrTimeout, TxHash: txHash}
	case errors.Is(err, ErrReverted):
		// a concurrent writer may have stored the hash between our
		// submission and inclusion
		if _, getErr := writer.GetRecord(context.WithoutCancel(ctx), hash); getErr == nil {
			return Receipt{}, &TxError{Err: ErrDuplicateRecord, TxHash: txHash}
		}
		return Receipt{}, &TxError{Err: ErrReverted, TxHash: txHash}
	default:
		return Receipt{}, &TxError{Err: Classify(err), TxHash: txHash}
	}

	slog.Info("certificate record confirmed", "hash", hash.Hex(), "tx", txHash.Hex(), "confirmations", confirmations)
	return Receipt{TransactionID: txHash, Confirmations: confirmations}, nil
}

// Address returns the wallet's account without requesting a signature.
func (c *Client) Address(ctx context.Context) (common.Address, error) {
	if c.wallet == nil {
		return common.Address{}, ErrSignerUnavailable
	}
	addr, err := c.wallet.Connect(ctx)
	if err != nil {
		return common.Address{}, classifySignerErr(err)
	}
	return addr, nil
}

// StoreMessage is the text the wallet signs to authorise a store.
func StoreMessage(hash Hash, contentID string) []byte {
	return []byte(fmt.Sprintf("Store certificate record\nhash: %s\ncid: %s", hash.Hex(), contentID))
}

func classifySignerErr(err error) error {
	err = Classify(err)
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrSignerUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
}
