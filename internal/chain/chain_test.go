package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNetwork(t *testing.T) {
	n, err := ParseNetwork(" Base ")
	require.NoError(t, err)
	assert.Equal(t, Base, n)
	assert.True(t, n.IsEVM())

	_, err = ParseNetwork("bitcoin")
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)
	assert.False(t, Solana.IsEVM())
}

func TestNormalizeTxHash(t *testing.T) {
	evm := "0x" + strings.Repeat("Ab", 32)
	sol := strings.Repeat("3", 44)

	tests := []struct {
		name    string
		network Network
		hash    string
		want    string
		err     error
	}{
		{"evm mixed case", Polygon, evm, strings.ToLower(evm), nil},
		{"evm missing prefix", Ethereum, strings.Repeat("ab", 33), "", ErrInvalidTxHash},
		{"evm short", Ethereum, "0xabc", "", ErrInvalidTxHash},
		{"evm non hex", Base, "0x" + strings.Repeat("zz", 32), "", ErrInvalidTxHash},
		{"solana", Solana, sol, sol, nil},
		{"solana with zero", Solana, strings.Repeat("0", 44), "", ErrInvalidTxHash},
		{"solana too short", Solana, "3", "", ErrInvalidTxHash},
		{"unknown network", Network("tron"), evm, "", ErrUnsupportedNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeTxHash(tt.network, tt.hash)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeClient struct {
	receipt *types.Receipt
	err     error
	closed  bool
}

func (f *fakeClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return f.receipt, f.err
}

func (f *fakeClient) Close() { f.closed = true }

const (
	usdcContract = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	platform     = "0x1111111111111111111111111111111111111111"
	txHash       = "0x0000000000000000000000000000000000000000000000000000000000000abc"
)

func transferLog(contract, to string, units int64) *types.Log {
	return &types.Log{
		Address: common.HexToAddress(contract),
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(common.HexToAddress("0x2222222222222222222222222222222222222222").Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(units).Bytes(), 32),
	}
}

func newVerifier(t *testing.T, c *fakeClient) *EVMVerifier {
	t.Helper()
	v, err := NewEVMVerifier(
		map[Network]EthClient{Base: c},
		map[Network]string{Base: usdcContract},
		platform, slog.Default())
	require.NoError(t, err)
	return v
}

func TestVerifyTransfer(t *testing.T) {
	amount := decimal.RequireFromString("100")

	tests := []struct {
		name   string
		client *fakeClient
		want   TxStatus
	}{
		{"not mined", &fakeClient{err: ethereum.NotFound}, TxPending},
		{"reverted", &fakeClient{receipt: &types.Receipt{Status: types.ReceiptStatusFailed}}, TxFailed},
		{"exact amount", &fakeClient{receipt: &types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			Logs:   []*types.Log{transferLog(usdcContract, platform, 100_000_000)},
		}}, TxConfirmed},
		{"underpaid", &fakeClient{receipt: &types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			Logs:   []*types.Log{transferLog(usdcContract, platform, 99_999_999)},
		}}, TxFailed},
		{"wrong recipient", &fakeClient{receipt: &types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			Logs:   []*types.Log{transferLog(usdcContract, "0x3333333333333333333333333333333333333333", 100_000_000)},
		}}, TxFailed},
		{"wrong token", &fakeClient{receipt: &types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			Logs:   []*types.Log{transferLog("0x4444444444444444444444444444444444444444", platform, 100_000_000)},
		}}, TxFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newVerifier(t, tt.client).VerifyTransfer(context.Background(), Base, txHash, amount)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, got.String())
		})
	}
}

func TestVerifyTransfer_RPCError(t *testing.T) {
	v := newVerifier(t, &fakeClient{err: errors.New("connection reset")})
	status, err := v.VerifyTransfer(context.Background(), Base, txHash, decimal.NewFromInt(1))
	assert.Error(t, err)
	assert.Equal(t, TxPending, status)
}

func TestVerifyTransfer_UnconfiguredNetwork(t *testing.T) {
	v := newVerifier(t, &fakeClient{})
	assert.False(t, v.Supports(Polygon))
	_, err := v.VerifyTransfer(context.Background(), Polygon, txHash, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrNoClient)
}

func TestNewEVMVerifier_Validation(t *testing.T) {
	_, err := NewEVMVerifier(nil, nil, "not-an-address", slog.Default())
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = NewEVMVerifier(nil, map[Network]string{Solana: usdcContract}, platform, slog.Default())
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)
}

func TestClose(t *testing.T) {
	c := &fakeClient{}
	newVerifier(t, c).Close()
	assert.True(t, c.closed)
}
