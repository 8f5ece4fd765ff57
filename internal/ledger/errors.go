package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound              = errors.New("ledger: record not found")
	ErrDuplicateRecord       = errors.New("ledger: record already stored")
	ErrSignerUnavailable     = errors.New("ledger: signing identity unavailable")
	ErrRejected              = errors.New("ledger: operation rejected by signer")
	ErrInsufficientResources = errors.New("ledger: insufficient funds for operation")
	ErrTimeout               = errors.New("ledger: confirmation timeout")
	ErrMisconfiguredEndpoint = errors.New("ledger: endpoint not configured")
	ErrReverted              = errors.New("ledger: transaction reverted")
)

// TxError ties a taxonomy error to the transaction it concerns. A timed out
// store may still be mined, so callers need the hash to follow it up.
type TxError struct {
	Err    error
	TxHash common.Hash
}

func (e *TxError) Error() string {
	return fmt.Sprintf("%v (tx %s)", e.Err, e.TxHash.Hex())
}

func (e *TxError) Unwrap() error { return e.Err }

// TxHashOf returns the transaction hash carried by err, if any.
func TxHashOf(err error) (common.Hash, bool) {
	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr.TxHash, true
	}
	return common.Hash{}, false
}

// JSON-RPC / EIP-1193 error codes surfaced by wallets and nodes.
const (
	codeUserRejected = 4001
	codeUnauthorized = 4100
	codeServerError  = -32000
)

type rpcCoded interface {
	ErrorCode() int
}

// Classify maps a low-level transport, signer or contract error onto the
// ledger taxonomy. Errors that already belong to the taxonomy are returned
// unchanged; anything unrecognised is wrapped as-is.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrNotFound, ErrDuplicateRecord, ErrSignerUnavailable, ErrRejected,
		ErrInsufficientResources, ErrTimeout, ErrMisconfiguredEndpoint, ErrReverted,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, bind.ErrNoCode) {
		return fmt.Errorf("%w: no contract code at configured address", ErrMisconfiguredEndpoint)
	}

	var coded rpcCoded
	if errors.As(err, &coded) {
		switch coded.ErrorCode() {
		case codeUserRejected:
			return fmt.Errorf("%w: %v", ErrRejected, err)
		case codeUnauthorized:
			return fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "already stored", "already exists", "record exists", "duplicate"):
		return fmt.Errorf("%w: %v", ErrDuplicateRecord, err)
	case containsAny(msg, "record not found", "no record"):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case containsAny(msg, "insufficient funds", "gas required exceeds allowance", "exceeds balance"):
		return fmt.Errorf("%w: %v", ErrInsufficientResources, err)
	case containsAny(msg, "user rejected", "user denied", "request denied", "declined"):
		return fmt.Errorf("%w: %v", ErrRejected, err)
	case containsAny(msg, "no such host", "connection refused", "unsupported protocol scheme"):
		return fmt.Errorf("%w: %v", ErrMisconfiguredEndpoint, err)
	}

	if errors.As(err, &coded) && coded.ErrorCode() == codeServerError {
		return fmt.Errorf("ledger: node error: %w", err)
	}
	return err
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// isRevert reports whether err is an EVM revert, with or without a reason.
func isRevert(err error) bool {
	return errors.Is(err, ErrReverted) || strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
