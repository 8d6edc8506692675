package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/bridge-core/bridgeCore/chains/common"
	"github.com/pushchain/bridge-core/bridgeCore/config"
	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
)

const testChainID = "eip155:11155111"

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) ChainID(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *mockBackend) BlockNumber(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockBackend) SyncProgress(ctx context.Context) (*ethereum.SyncProgress, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ethereum.SyncProgress), args.Error(1)
}

func (m *mockBackend) BalanceAt(ctx context.Context, account ethcommon.Address, blockNumber *big.Int) (*big.Int, error) {
	args := m.Called(ctx, account, blockNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *mockBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	args := m.Called(ctx, msg, blockNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return m.Called(ctx, tx).Error(0)
}

func (m *mockBackend) TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error) {
	args := m.Called(ctx, txHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Receipt), args.Error(1)
}

func (m *mockBackend) TransactionByHash(ctx context.Context, hash ethcommon.Hash) (*types.Transaction, bool, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*types.Transaction), args.Bool(1), args.Error(2)
}

func (m *mockBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *mockBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Log), args.Error(1)
}

func (m *mockBackend) Close() {}

func testDeps() common.AdapterDeps {
	return common.AdapterDeps{
		Logger: zerolog.Nop(),
		Retry: &common.RetryConfig{
			MaxRetries:    2,
			InitialDelay:  time.Millisecond,
			MaxDelay:      2 * time.Millisecond,
			BackoffFactor: 2,
		},
		Breaker: config.CircuitBreakerConfig{ConsecutiveFailures: 50},
	}
}

func newInitializedAdapter(t *testing.T) (*Adapter, *mockBackend) {
	t.Helper()
	backend := new(mockBackend)
	backend.On("ChainID", mock.Anything).Return(big.NewInt(11155111), nil).Once()

	a := NewAdapterWithBackend(testChainID, testDeps(), backend)
	poll := 5
	ok, err := a.Initialize(context.Background(), &config.ChainSpecificConfig{
		Family:          config.FamilyEVM,
		ExpectedChainID: 11155111,
		PollIntervalMs:  &poll,
	})
	require.NoError(t, err)
	require.True(t, ok)
	return a, backend
}

func signedTx(t *testing.T, to *ethcommon.Address) ([]byte, *types.Transaction, ethcommon.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	var inner types.TxData = &types.LegacyTx{
		Nonce:    7,
		To:       to,
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: big.NewInt(1_000_000_000),
	}
	tx, err := types.SignTx(types.NewTx(inner), types.LatestSignerForChainID(big.NewInt(11155111)), key)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw, tx, crypto.PubkeyToAddress(key.PublicKey)
}

func TestInitialize(t *testing.T) {
	t.Run("once", func(t *testing.T) {
		a, _ := newInitializedAdapter(t)
		ok, err := a.Initialize(context.Background(), &config.ChainSpecificConfig{})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, testChainID, a.GetChainID())
		assert.Equal(t, common.FamilyEVM, a.Family())
	})

	t.Run("chain id mismatch", func(t *testing.T) {
		backend := new(mockBackend)
		backend.On("ChainID", mock.Anything).Return(big.NewInt(1), nil)
		a := NewAdapterWithBackend(testChainID, testDeps(), backend)
		_, err := a.Initialize(context.Background(), &config.ChainSpecificConfig{ExpectedChainID: 11155111})
		assert.True(t, bcerrors.Is(err, bcerrors.ErrInvalidInput))
		assert.False(t, a.IsInitialized())
	})

	t.Run("missing rpc urls", func(t *testing.T) {
		a := NewAdapter(testChainID, testDeps())
		_, err := a.Initialize(context.Background(), &config.ChainSpecificConfig{})
		assert.True(t, bcerrors.Is(err, bcerrors.ErrInvalidInput))
	})

	t.Run("calls before initialize fail", func(t *testing.T) {
		a := NewAdapterWithBackend(testChainID, testDeps(), new(mockBackend))
		_, err := a.GetCurrentBlockHeight(context.Background())
		assert.True(t, bcerrors.Is(err, bcerrors.ErrInvalidState))
	})
}

func TestGetBalance_Native(t *testing.T) {
	a, backend := newInitializedAdapter(t)
	addr := "0x00000000000000000000000000000000000000a1"

	wei, _ := new(big.Int).SetString("10500000000000000000", 10)
	backend.On("BalanceAt", mock.Anything, ethcommon.HexToAddress(addr), (*big.Int)(nil)).
		Return(nil, errors.New("connection reset by peer")).Once()
	backend.On("BalanceAt", mock.Anything, ethcommon.HexToAddress(addr), (*big.Int)(nil)).
		Return(wei, nil).Once()

	bal, err := a.GetBalance(context.Background(), addr, "")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("10.5")), bal.String())
	backend.AssertExpectations(t)

	_, err = a.GetBalance(context.Background(), "nope", "")
	assert.True(t, bcerrors.Is(err, bcerrors.ErrInvalidInput))
}

func TestGetBalance_ERC20(t *testing.T) {
	a, backend := newInitializedAdapter(t)
	addr := "0x00000000000000000000000000000000000000a1"
	token := "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"

	backend.On("CallContract", mock.Anything, mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return len(msg.Data) == 4
	}), (*big.Int)(nil)).Return(ethcommon.LeftPadBytes([]byte{6}, 32), nil)
	backend.On("CallContract", mock.Anything, mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return len(msg.Data) == 36
	}), (*big.Int)(nil)).Return(ethcommon.LeftPadBytes(big.NewInt(2_500_000).Bytes(), 32), nil)

	bal, err := a.GetBalance(context.Background(), addr, token)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("2.5")), bal.String())
}

func TestGetBalances_Stream(t *testing.T) {
	a, backend := newInitializedAdapter(t)
	addr := "0x00000000000000000000000000000000000000a1"
	backend.On("BalanceAt", mock.Anything, mock.Anything, mock.Anything).Return(big.NewInt(1e18), nil)

	results := map[string]common.AssetBalance{}
	for b := range a.GetBalances(context.Background(), addr, []string{"native", "not-a-token"}) {
		results[b.AssetID] = b
	}
	require.Len(t, results, 2)
	assert.NoError(t, results["native"].Err)
	assert.True(t, results["native"].Balance.Equal(decimal.NewFromInt(1)))
	assert.True(t, bcerrors.Is(results["not-a-token"].Err, bcerrors.ErrInvalidInput))
}

func TestSendTransaction(t *testing.T) {
	a, backend := newInitializedAdapter(t)
	to := ethcommon.HexToAddress("0x00000000000000000000000000000000000000b2")
	raw, tx, _ := signedTx(t, &to)

	backend.On("SendTransaction", mock.Anything, mock.MatchedBy(func(s *types.Transaction) bool {
		return s.Hash() == tx.Hash()
	})).Return(nil).Once()

	res, err := a.SendTransaction(context.Background(), &common.Transaction{RawData: raw}, nil)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash().Hex(), res.TxHash)

	_, err = a.SendTransaction(context.Background(), &common.Transaction{RawData: []byte{0x01, 0x02}}, nil)
	assert.True(t, bcerrors.Is(err, bcerrors.ErrInvalidInput))

	backend.On("SendTransaction", mock.Anything, mock.Anything).Return(errors.New("nonce too low")).Once()
	_, err = a.SendTransaction(context.Background(), &common.Transaction{RawData: raw}, nil)
	assert.True(t, bcerrors.Is(err, bcerrors.ErrChainRejected))
}

func TestGetTransactionStatus(t *testing.T) {
	a, backend := newInitializedAdapter(t)
	hash := ethcommon.HexToHash("0x01")

	backend.On("TransactionReceipt", mock.Anything, hash).
		Return(&types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}, nil)
	backend.On("BlockNumber", mock.Anything).Return(uint64(111), nil)

	st, err := a.GetTransactionStatus(context.Background(), hash.Hex())
	require.NoError(t, err)
	assert.Equal(t, common.TxStateConfirmed, st.State)
	assert.Equal(t, uint64(12), st.Confirmations)

	missing := ethcommon.HexToHash("0x02")
	backend.On("TransactionReceipt", mock.Anything, missing).Return(nil, ethereum.NotFound)
	backend.On("TransactionByHash", mock.Anything, missing).Return(nil, false, ethereum.NotFound)
	st, err = a.GetTransactionStatus(context.Background(), missing.Hex())
	require.NoError(t, err)
	assert.Equal(t, common.TxStateNotFound, st.State)

	_, err = a.GetTransactionStatus(context.Background(), "0xzz")
	assert.True(t, bcerrors.Is(err, bcerrors.ErrInvalidInput))
}

func TestWaitForConfirmation(t *testing.T) {
	a, backend := newInitializedAdapter(t)
	hash := ethcommon.HexToHash("0x03")

	t.Run("reverted receipt is rejected", func(t *testing.T) {
		backend.On("TransactionReceipt", mock.Anything, hash).
			Return(&types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(10)}, nil)
		backend.On("BlockNumber", mock.Anything).Return(uint64(20), nil)

		_, err := a.WaitForConfirmation(context.Background(), hash.Hex(), 1, time.Second)
		assert.True(t, bcerrors.Is(err, bcerrors.ErrChainRejected))
	})

	t.Run("pending times out", func(t *testing.T) {
		pending := ethcommon.HexToHash("0x04")
		backend.On("TransactionReceipt", mock.Anything, pending).Return(nil, ethereum.NotFound)
		backend.On("TransactionByHash", mock.Anything, pending).Return(nil, true, nil)

		_, err := a.WaitForConfirmation(context.Background(), pending.Hex(), 1, 40*time.Millisecond)
		assert.True(t, bcerrors.Is(err, bcerrors.ErrTimeout))
	})
}

func TestEstimateTransactionFee(t *testing.T) {
	a, backend := newInitializedAdapter(t)
	backend.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(21000), nil)
	backend.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(2_000_000_000), nil)

	fee, err := a.EstimateTransactionFee(context.Background(), &common.Transaction{
		From:  "0x00000000000000000000000000000000000000a1",
		To:    "0x00000000000000000000000000000000000000b2",
		Value: decimal.RequireFromString("10.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(21000), fee.GasLimit)
	assert.True(t, fee.Fee.Equal(decimal.RequireFromString("0.000042")), fee.Fee.String())
}

func TestValidateAddress(t *testing.T) {
	a := NewAdapter(testChainID, testDeps())

	tests := []struct {
		address string
		valid   bool
	}{
		{"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", true},
		{"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", true},
		{"0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED", true},
		{"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD", false},
		{"0x1234", false},
		{"not an address", false},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			res, err := a.ValidateAddress(tt.address)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid, res.Reason)
		})
	}
}

func TestDeployContract(t *testing.T) {
	a, backend := newInitializedAdapter(t)
	raw, tx, sender := signedTx(t, nil)
	backend.On("SendTransaction", mock.Anything, mock.Anything).Return(nil)

	res, err := a.DeployContract(context.Background(), &common.ContractDeployment{RawData: raw})
	require.NoError(t, err)
	assert.Equal(t, tx.Hash().Hex(), res.TxHash)
	assert.Equal(t, crypto.CreateAddress(sender, 7).Hex(), res.ContractAddress)

	to := ethcommon.HexToAddress("0x00000000000000000000000000000000000000b2")
	raw, _, _ = signedTx(t, &to)
	_, err = a.DeployContract(context.Background(), &common.ContractDeployment{RawData: raw})
	assert.True(t, bcerrors.Is(err, bcerrors.ErrInvalidInput))
}

func TestGetHistoricalEvents(t *testing.T) {
	a, backend := newInitializedAdapter(t)
	contract := ethcommon.HexToAddress("0x00000000000000000000000000000000000000c3")
	topic := ethcommon.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

	backend.On("FilterLogs", mock.Anything, mock.MatchedBy(func(q ethereum.FilterQuery) bool {
		return len(q.Addresses) == 1 && q.Addresses[0] == contract && q.FromBlock.Uint64() == 5
	})).Return([]types.Log{{
		Address:     contract,
		Topics:      []ethcommon.Hash{topic},
		Data:        []byte{0x01},
		BlockNumber: 6,
		TxHash:      ethcommon.HexToHash("0x05"),
	}}, nil)

	evs, err := a.GetHistoricalEvents(context.Background(), &common.EventFilter{
		Addresses: []string{contract.Hex()},
		Topics:    []string{topic.Hex()},
		FromBlock: 5,
	})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, topic.Hex(), evs[0].Name)
	assert.Equal(t, uint64(6), evs[0].BlockHeight)
	assert.Equal(t, "0x01", evs[0].Data["data"])
}

func TestSubscribeToEvents(t *testing.T) {
	a, backend := newInitializedAdapter(t)
	backend.On("BlockNumber", mock.Anything).Return(uint64(10), nil)
	backend.On("FilterLogs", mock.Anything, mock.Anything).Return([]types.Log{{BlockNumber: 10}}, nil).Once()
	backend.On("FilterLogs", mock.Anything, mock.Anything).Return([]types.Log{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := a.SubscribeToEvents(ctx, &common.EventFilter{})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, uint64(10), ev.BlockHeight)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	cancel()
	for range ch {
	}
}
