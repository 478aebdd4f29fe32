// Package chain knows which payment networks are accepted and how to check
// a USDC transfer on the EVM ones.
package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrUnsupportedNetwork = errors.New("unsupported payment network")
	ErrInvalidTxHash      = errors.New("transaction hash is malformed for network")
)

// Network is a payment network tag.
type Network string

const (
	Ethereum Network = "ethereum"
	Base     Network = "base"
	Polygon  Network = "polygon"
	Arbitrum Network = "arbitrum"
	Optimism Network = "optimism"
	Solana   Network = "solana"
)

// Networks lists every accepted network.
var Networks = []Network{Ethereum, Base, Polygon, Arbitrum, Optimism, Solana}

// ParseNetwork normalizes s and checks it is supported.
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Networks {
		if n == known {
			return n, nil
		}
	}
	return "", ErrUnsupportedNetwork
}

// IsEVM reports whether n uses Ethereum-style transactions.
func (n Network) IsEVM() bool {
	switch n {
	case Ethereum, Base, Polygon, Arbitrum, Optimism:
		return true
	}
	return false
}

// NormalizeTxHash validates hash for n and returns its canonical form
// (lower-case hex for EVM networks, unchanged base58 for Solana).
func NormalizeTxHash(n Network, hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	switch {
	case n.IsEVM():
		if len(hash) != 66 || !strings.HasPrefix(hash, "0x") {
			return "", ErrInvalidTxHash
		}
		b, err := hexutil.Decode(strings.ToLower(hash))
		if err != nil || len(b) != 32 {
			return "", ErrInvalidTxHash
		}
		return hexutil.Encode(b), nil
	case n == Solana:
		if len(hash) < 43 || len(hash) > 88 || !isBase58(hash) {
			return "", ErrInvalidTxHash
		}
		return hash, nil
	}
	return "", ErrUnsupportedNetwork
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func isBase58(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune(base58Alphabet, r) {
			return false
		}
	}
	return true
}
