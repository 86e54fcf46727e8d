package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txflow/pkg/chain"
	"txflow/pkg/classify"
	"txflow/pkg/txn"
	"txflow/pkg/types"
)

type fakeBackend struct {
	nonce     uint64
	gasPrice  *big.Int
	tip       *big.Int
	tipErr    error
	estimate  uint64
	estimated []ethereum.CallMsg
	sent      []*gethtypes.Transaction
	sendErr   error
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return f.tip, f.tipErr
}

func (f *fakeBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.estimated = append(f.estimated, msg)
	return f.estimate, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return f.sendErr
}

func newTestLocalSigner(t *testing.T, backend *fakeBackend) (*LocalSigner, common.Address) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	registry := chain.NewRegistry()
	registry.SetRPC(1, "http://localhost:8545")
	registry.SetRPC(42161, "http://localhost:8546")

	s, err := NewLocalSigner(hexutil.Encode(crypto.FromECDSA(key)), registry, 1,
		WithBackendDialer(func(context.Context, chain.Descriptor) (ChainBackend, error) {
			return backend, nil
		}))
	require.NoError(t, err)
	return s, crypto.PubkeyToAddress(key.PublicKey)
}

func TestLocalSignerFillsMissingFields(t *testing.T) {
	backend := &fakeBackend{
		nonce:    7,
		gasPrice: big.NewInt(100),
		tip:      big.NewInt(10),
		estimate: 50_000,
	}
	s, addr := newTestLocalSigner(t, backend)

	hash, err := s.SendTransaction(context.Background(), txn.ExecutableTx{
		To:      "0x1111111111111111111111111111111111111111",
		Data:    "0xa9059cbb",
		Value:   "0x0de0b6b3a7640000",
		ChainID: 1,
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, uint8(gethtypes.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(60_000), tx.Gas())
	assert.Equal(t, big.NewInt(10), tx.GasTipCap())
	assert.Equal(t, big.NewInt(132), tx.GasFeeCap())
	assert.Equal(t, "1000000000000000000", tx.Value().String())
	assert.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, tx.Data())
	assert.Equal(t, big.NewInt(1), tx.ChainId())

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, addr, sender)

	require.Len(t, backend.estimated, 1)
	assert.Equal(t, addr, backend.estimated[0].From)
}

func TestLocalSignerKeepsProvidedFields(t *testing.T) {
	backend := &fakeBackend{nonce: 99, gasPrice: big.NewInt(1), tip: big.NewInt(1), estimate: 1}
	s, _ := newTestLocalSigner(t, backend)

	_, err := s.SendTransaction(context.Background(), txn.ExecutableTx{
		To:                   "0x1111111111111111111111111111111111111111",
		Data:                 "0x",
		Gas:                  "0x5208",
		MaxFeePerGas:         "0x77359400",
		MaxPriorityFeePerGas: "0x3b9aca00",
		Nonce:                "0x3",
		ChainID:              1,
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, uint64(3), tx.Nonce())
	assert.Equal(t, uint64(21000), tx.Gas())
	assert.Equal(t, big.NewInt(2_000_000_000), tx.GasFeeCap())
	assert.Equal(t, big.NewInt(1_000_000_000), tx.GasTipCap())
	assert.Empty(t, backend.estimated)
}

func TestLocalSignerDerivesTipWhenUnsupported(t *testing.T) {
	backend := &fakeBackend{gasPrice: big.NewInt(1000), tipErr: errors.New("method not found"), estimate: 21000}
	s, _ := newTestLocalSigner(t, backend)

	_, err := s.SendTransaction(context.Background(), txn.ExecutableTx{
		To:      "0x1111111111111111111111111111111111111111",
		Data:    "0x",
		ChainID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), backend.sent[0].GasTipCap())
	assert.Equal(t, big.NewInt(1320), backend.sent[0].GasFeeCap())
}

func TestLocalSignerLostReplyCarriesHash(t *testing.T) {
	for _, sendErr := range []error{
		fmt.Errorf("post: %w", context.DeadlineExceeded),
		errors.New("already known"),
	} {
		backend := &fakeBackend{sendErr: sendErr}
		s, _ := newTestLocalSigner(t, backend)

		_, err := s.SendTransaction(context.Background(), txn.ExecutableTx{
			To:                   "0x1111111111111111111111111111111111111111",
			Data:                 "0x",
			Nonce:                "0x3",
			Gas:                  "0x5208",
			MaxFeePerGas:         "0x77359400",
			MaxPriorityFeePerGas: "0x5f5e100",
			ChainID:              1,
		})
		require.Error(t, err)
		require.Len(t, backend.sent, 1)

		ce := classify.Classify(err)
		assert.True(t, ce.Recovered(), sendErr.Error())
		assert.Equal(t, strings.ToLower(backend.sent[0].Hash().Hex()), ce.RecoveredTxHash)
	}
}

func TestLocalSignerRejectedSendHasNoHash(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("insufficient funds for gas * price + value")}
	s, _ := newTestLocalSigner(t, backend)

	_, err := s.SendTransaction(context.Background(), txn.ExecutableTx{
		To:                   "0x1111111111111111111111111111111111111111",
		Data:                 "0x",
		Nonce:                "0x3",
		Gas:                  "0x5208",
		MaxFeePerGas:         "0x77359400",
		MaxPriorityFeePerGas: "0x5f5e100",
		ChainID:              1,
	})
	require.Error(t, err)

	ce := classify.Classify(err)
	assert.False(t, ce.Recovered())
	assert.True(t, ce.NeedsFunds)
}

func TestLocalSignerRejectsChainMismatch(t *testing.T) {
	backend := &fakeBackend{}
	s, _ := newTestLocalSigner(t, backend)

	_, err := s.SendTransaction(context.Background(), txn.ExecutableTx{
		To:      "0x1111111111111111111111111111111111111111",
		Data:    "0x",
		ChainID: 42161,
	})
	require.Error(t, err)
	assert.Empty(t, backend.sent)
	assert.Equal(t, classify.CategoryBlocked, classify.Classify(err).Category)
	assert.Equal(t, classify.CodeWrongNetwork, classify.Classify(err).Code)
}

func TestLocalSignerSwitchAndAddChain(t *testing.T) {
	s, _ := newTestLocalSigner(t, &fakeBackend{})
	ctx := context.Background()

	require.NoError(t, s.SwitchChain(ctx, 42161))
	id, err := s.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ChainID(42161), id)

	err = s.SwitchChain(ctx, 777)
	require.Error(t, err)
	assert.True(t, classify.IsUnknownChain(err))

	require.NoError(t, s.AddChain(ctx, chain.Descriptor{ID: 777, Name: "Devnet", RPCURLs: []string{"http://localhost:8547"}}))
	require.NoError(t, s.SwitchChain(ctx, 777))
	id, err = s.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ChainID(777), id)

	assert.Error(t, s.AddChain(ctx, chain.Descriptor{ID: 778}))
}

func TestLocalSignerSignMessage(t *testing.T) {
	s, addr := newTestLocalSigner(t, &fakeBackend{})
	msg := []byte("hello")

	sigHex, err := s.SignMessage(context.Background(), msg)
	require.NoError(t, err)

	sig, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	require.NoError(t, err)
	assert.Equal(t, addr, crypto.PubkeyToAddress(*pub))
}

func TestNewLocalSignerRejectsBadKey(t *testing.T) {
	_, err := NewLocalSigner("0xnothex", chain.NewRegistry(), 1)
	assert.Error(t, err)
}
