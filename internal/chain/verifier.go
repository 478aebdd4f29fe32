package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/mbd888/bookingescrow/internal/usdc"
)

var (
	ErrNoClient       = errors.New("no RPC client configured for network")
	ErrInvalidAddress = errors.New("invalid address")
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TxStatus is what the chain says about a payment transaction.
type TxStatus int

const (
	TxPending   TxStatus = iota // not mined yet
	TxConfirmed                 // succeeded and pays the platform enough USDC
	TxFailed                    // reverted, or pays the wrong recipient/amount
)

func (s TxStatus) String() string {
	switch s {
	case TxConfirmed:
		return "confirmed"
	case TxFailed:
		return "failed"
	}
	return "pending"
}

// EthClient is the subset of ethclient.Client the verifier needs.
type EthClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// EVMConfig configures one EVM network.
type EVMConfig struct {
	RPCURL       string
	USDCContract string
}

// EVMVerifier checks USDC Transfer logs in transaction receipts.
type EVMVerifier struct {
	clients   map[Network]EthClient
	contracts map[Network]common.Address
	platform  common.Address
	logger    *slog.Logger
}

// DialEVM connects to every configured network.
func DialEVM(ctx context.Context, networks map[Network]EVMConfig, platformAddr string, logger *slog.Logger) (*EVMVerifier, error) {
	clients := make(map[Network]EthClient, len(networks))
	contracts := make(map[Network]string, len(networks))
	for n, cfg := range networks {
		c, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			for _, open := range clients {
				open.Close()
			}
			return nil, fmt.Errorf("dial %s rpc: %w", n, err)
		}
		clients[n] = c
		contracts[n] = cfg.USDCContract
	}
	return NewEVMVerifier(clients, contracts, platformAddr, logger)
}

// NewEVMVerifier builds a verifier from ready clients.
func NewEVMVerifier(clients map[Network]EthClient, contracts map[Network]string, platformAddr string, logger *slog.Logger) (*EVMVerifier, error) {
	if !common.IsHexAddress(platformAddr) {
		return nil, fmt.Errorf("%w: platform %q", ErrInvalidAddress, platformAddr)
	}
	v := &EVMVerifier{
		clients:   clients,
		contracts: make(map[Network]common.Address, len(contracts)),
		platform:  common.HexToAddress(platformAddr),
		logger:    logger,
	}
	for n, addr := range contracts {
		if !n.IsEVM() {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, n)
		}
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("%w: %s usdc contract %q", ErrInvalidAddress, n, addr)
		}
		v.contracts[n] = common.HexToAddress(addr)
	}
	return v, nil
}

// Supports reports whether n has a client and a contract configured.
func (v *EVMVerifier) Supports(n Network) bool {
	_, hasClient := v.clients[n]
	_, hasContract := v.contracts[n]
	return hasClient && hasContract
}

// VerifyTransfer reports whether txHash on n is a successful USDC transfer
// of at least minAmount to the platform address.
func (v *EVMVerifier) VerifyTransfer(ctx context.Context, n Network, txHash string, minAmount decimal.Decimal) (TxStatus, error) {
	client, ok := v.clients[n]
	contract, hasContract := v.contracts[n]
	if !ok || !hasContract {
		return TxPending, fmt.Errorf("%w: %s", ErrNoClient, n)
	}
	want, err := usdc.ToUnits(minAmount)
	if err != nil {
		return TxPending, err
	}

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return TxPending, nil
	}
	if err != nil {
		return TxPending, fmt.Errorf("get receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return TxFailed, nil
	}

	for _, lg := range receipt.Logs {
		if lg.Address != contract || len(lg.Topics) < 3 || lg.Topics[0] != transferTopic {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		amount := new(big.Int).SetBytes(lg.Data)
		if to == v.platform && amount.Cmp(want) >= 0 {
			return TxConfirmed, nil
		}
	}

	v.logger.Warn("receipt has no matching USDC transfer",
		"network", n, "txHash", strings.ToLower(txHash), "minAmount", usdc.Format(minAmount))
	return TxFailed, nil
}

// Close closes every RPC client.
func (v *EVMVerifier) Close() {
	for _, c := range v.clients {
		c.Close()
	}
}
