package ledger

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Hash is the 32 byte key a certificate record is stored under.
type Hash = common.Hash

var ErrEmptyHash = errors.New("ledger: empty certificate hash")

// ParseHash reads a certificate hash as printed on a certificate or encoded
// in its QR code. A 0x-prefixed 32 byte hex string is taken verbatim, any
// other identifier is keyed by its keccak256 digest.
func ParseHash(s string) (Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Hash{}, ErrEmptyHash
	}
	if has0xPrefix(s) && len(s) == 2+2*common.HashLength {
		b, err := hex.DecodeString(s[2:])
		if err == nil {
			return common.BytesToHash(b), nil
		}
	}
	return crypto.Keccak256Hash([]byte(s)), nil
}

// DeriveHash computes the certificate hash from the published certificate
// content and the issuing account.
func DeriveHash(content []byte, issuer common.Address) Hash {
	var data []byte
	data = append(data, content...)
	data = append(data, issuer.Bytes()...)
	return crypto.Keccak256Hash(data)
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}
