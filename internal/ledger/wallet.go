package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/external"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyWallet signs with an in-process private key.
type KeyWallet struct {
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	endpoint string
}

func NewKeyWallet(key *ecdsa.PrivateKey, chainID *big.Int, endpoint string) *KeyWallet {
	return &KeyWallet{key: key, chainID: chainID, endpoint: endpoint}
}

func (w *KeyWallet) Connect(_ context.Context) (common.Address, error) {
	if w.key == nil {
		return common.Address{}, ErrSignerUnavailable
	}
	return crypto.PubkeyToAddress(w.key.PublicKey), nil
}

func (w *KeyWallet) ConnectAndSign(ctx context.Context, message []byte) (*Signer, error) {
	addr, err := w.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if w.chainID == nil {
		return nil, fmt.Errorf("%w: chain id not set", ErrSignerUnavailable)
	}
	sig, err := SignMessage(w.key, message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}

	txSigner := types.LatestSignerForChainID(w.chainID)
	key := w.key
	return &Signer{
		Address:   addr,
		Signature: sig,
		ChainID:   w.chainID,
		Endpoint:  w.endpoint,
		SignTx: func(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if from != addr {
				return nil, bind.ErrNotAuthorized
			}
			return types.SignTx(tx, txSigner, key)
		},
	}, nil
}

// KeystoreWallet unlocks an encrypted go-ethereum keystore file on every
// connect so the decrypted key is not held between operations.
type KeystoreWallet struct {
	keyJSON    []byte
	passphrase string
	chainID    *big.Int
	endpoint   string
}

func NewKeystoreWallet(keyJSON []byte, passphrase string, chainID *big.Int, endpoint string) *KeystoreWallet {
	return &KeystoreWallet{
		keyJSON:    keyJSON,
		passphrase: passphrase,
		chainID:    chainID,
		endpoint:   endpoint,
	}
}

// LoadKeystoreWallet reads a keystore file from disk.
func LoadKeystoreWallet(path, passphrase string, chainID *big.Int, endpoint string) (*KeystoreWallet, error) {
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore %s: %w", path, err)
	}
	return NewKeystoreWallet(keyJSON, passphrase, chainID, endpoint), nil
}

func (w *KeystoreWallet) unlock() (*KeyWallet, error) {
	if len(w.keyJSON) == 0 {
		return nil, fmt.Errorf("%w: no keystore configured", ErrSignerUnavailable)
	}
	key, err := keystore.DecryptKey(w.keyJSON, w.passphrase)
	if err != nil {
		if errors.Is(err, keystore.ErrDecrypt) {
			return nil, fmt.Errorf("%w: wrong keystore passphrase", ErrSignerUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	return NewKeyWallet(key.PrivateKey, w.chainID, w.endpoint), nil
}

func (w *KeystoreWallet) Connect(ctx context.Context) (common.Address, error) {
	kw, err := w.unlock()
	if err != nil {
		return common.Address{}, err
	}
	return kw.Connect(ctx)
}

func (w *KeystoreWallet) ConnectAndSign(ctx context.Context, message []byte) (*Signer, error) {
	kw, err := w.unlock()
	if err != nil {
		return nil, err
	}
	return kw.ConnectAndSign(ctx, message)
}

// ClefWallet delegates signing to an external clef instance, which may
// prompt an operator and decline.
type ClefWallet struct {
	clefURL  string
	account  common.Address
	chainID  *big.Int
	endpoint string
}

// NewClefWallet connects to clef at clefURL. A zero account selects the
// first account clef exposes.
func NewClefWallet(clefURL string, account common.Address, chainID *big.Int, endpoint string) *ClefWallet {
	return &ClefWallet{
		clefURL:  clefURL,
		account:  account,
		chainID:  chainID,
		endpoint: endpoint,
	}
}

func (w *ClefWallet) open() (*external.ExternalSigner, accounts.Account, error) {
	if w.clefURL == "" {
		return nil, accounts.Account{}, fmt.Errorf("%w: clef endpoint not set", ErrSignerUnavailable)
	}
	signer, err := external.NewExternalSigner(w.clefURL)
	if err != nil {
		return nil, accounts.Account{}, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	accts := signer.Accounts()
	if len(accts) == 0 {
		return nil, accounts.Account{}, fmt.Errorf("%w: clef exposes no accounts", ErrSignerUnavailable)
	}
	if w.account == (common.Address{}) {
		return signer, accts[0], nil
	}
	for _, a := range accts {
		if a.Address == w.account {
			return signer, a, nil
		}
	}
	return nil, accounts.Account{}, fmt.Errorf("%w: account %s not available in clef", ErrSignerUnavailable, w.account.Hex())
}

func (w *ClefWallet) Connect(_ context.Context) (common.Address, error) {
	_, acct, err := w.open()
	if err != nil {
		return common.Address{}, err
	}
	return acct.Address, nil
}

func (w *ClefWallet) ConnectAndSign(_ context.Context, message []byte) (*Signer, error) {
	if w.chainID == nil {
		return nil, fmt.Errorf("%w: chain id not set", ErrSignerUnavailable)
	}
	signer, acct, err := w.open()
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignText(acct, message)
	if err != nil {
		return nil, Classify(err)
	}

	chainID := w.chainID
	return &Signer{
		Address:   acct.Address,
		Signature: sig,
		ChainID:   chainID,
		Endpoint:  w.endpoint,
		SignTx: func(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if from != acct.Address {
				return nil, bind.ErrNotAuthorized
			}
			return signer.SignTx(acct, tx, chainID)
		},
	}, nil
}

// SignMessage produces an EIP-191 personal signature with v in {27, 28}.
func SignMessage(key *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced an EIP-191 signature.
func RecoverSigner(message, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
