package chain

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestWaitForReceiptConfirmedAfterPolling(t *testing.T) {
	var calls atomic.Int32
	fetch := func(context.Context, common.Hash) (*types.Receipt, error) {
		if calls.Add(1) < 3 {
			return nil, ethereum.NotFound
		}
		return &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(42),
			GasUsed:     21_000,
		}, nil
	}

	r, err := waitForReceipt(context.Background(), fetch, common.Hash{1}, time.Second, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, ReceiptConfirmed, r.Status)
	require.Equal(t, uint64(42), r.BlockNumber)
	require.Equal(t, int32(3), calls.Load())
}

func TestWaitForReceiptReverted(t *testing.T) {
	fetch := func(context.Context, common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(7)}, nil
	}

	r, err := waitForReceipt(context.Background(), fetch, common.Hash{2}, time.Second, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, ReceiptFailed, r.Status)
}

func TestWaitForReceiptTimesOut(t *testing.T) {
	fetch := func(context.Context, common.Hash) (*types.Receipt, error) {
		return nil, errors.New("connection refused")
	}

	r, err := waitForReceipt(context.Background(), fetch, common.Hash{3}, 20*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, ReceiptTimedOut, r.Status)
}

func TestWaitForReceiptCallerCancelled(t *testing.T) {
	fetch := func(context.Context, common.Hash) (*types.Receipt, error) {
		return nil, ethereum.NotFound
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := waitForReceipt(ctx, fetch, common.Hash{4}, time.Second, time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, ReceiptTimedOut, r.Status)
}

func TestParsePrivateKey(t *testing.T) {
	key, err := parsePrivateKey("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	require.NotNil(t, key)

	_, err = parsePrivateKey("zz")
	require.Error(t, err)
}

func TestNewEthClientRequiresRPCURL(t *testing.T) {
	_, err := NewEthClient(context.Background(), EthClientConfig{}, nil)
	require.Error(t, err)
}
