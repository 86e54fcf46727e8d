package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"txflow/pkg/chain"
	"txflow/pkg/classify"
	"txflow/pkg/txn"
	"txflow/pkg/types"
)

// ChainBackend is the part of an EVM client a local key needs; *ethclient.Client implements it
type ChainBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// BackendDialer opens a ChainBackend for a chain
type BackendDialer func(ctx context.Context, d chain.Descriptor) (ChainBackend, error)

// LocalSigner signs EIP-1559 transactions with a private key and broadcasts
// them through the chain's RPC endpoint. It behaves like a wallet: it has an
// active chain and only knows chains with a configured endpoint.
type LocalSigner struct {
	registry   *chain.Registry
	privateKey *ecdsa.PrivateKey
	address    common.Address
	dial       BackendDialer

	mu      sync.Mutex
	active  types.ChainID
	clients map[types.ChainID]ChainBackend
}

// LocalOption configures a LocalSigner
type LocalOption func(*LocalSigner)

// WithBackendDialer replaces the ethclient dialer
func WithBackendDialer(d BackendDialer) LocalOption {
	return func(s *LocalSigner) {
		s.dial = d
	}
}

// NewLocalSigner creates a signer for privateKeyHex starting on chain initial
func NewLocalSigner(privateKeyHex string, registry *chain.Registry, initial types.ChainID, opts ...LocalOption) (*LocalSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	s := &LocalSigner{
		registry:   registry,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		dial:       dialBackend,
		active:     initial,
		clients:    make(map[types.ChainID]ChainBackend),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func dialBackend(ctx context.Context, d chain.Descriptor) (ChainBackend, error) {
	var lastErr error
	for _, url := range d.RPCURLs {
		client, err := ethclient.DialContext(ctx, url)
		if err == nil {
			return client, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", lastErr)
}

// Address returns the key's address
func (s *LocalSigner) Address(context.Context) (common.Address, error) {
	return s.address, nil
}

// ChainID returns the active chain
func (s *LocalSigner) ChainID(context.Context) (types.ChainID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func (s *LocalSigner) reachable(id types.ChainID) bool {
	d, ok := s.registry.Get(id)
	return ok && len(d.RPCURLs) > 0
}

// SwitchChain makes id the active chain. Chains without an RPC endpoint are
// reported as unrecognized, like a browser wallet would.
func (s *LocalSigner) SwitchChain(_ context.Context, id types.ChainID) error {
	if !s.reachable(id) {
		return &ProviderError{
			Code:    classify.CodeUnrecognizedChain,
			Message: fmt.Sprintf("Unrecognized chain ID %q. Try adding the chain using wallet_addEthereumChain first.", id.Hex()),
		}
	}

	s.mu.Lock()
	s.active = id
	s.mu.Unlock()
	return nil
}

// AddChain registers the descriptor's RPC endpoints
func (s *LocalSigner) AddChain(_ context.Context, d chain.Descriptor) error {
	if d.ID <= 0 || len(d.RPCURLs) == 0 {
		return &ProviderError{Code: -32602, Message: "invalid chain parameters: chainId and rpcUrls are required"}
	}
	s.registry.Merge(d)
	return nil
}

func (s *LocalSigner) backend(ctx context.Context, id types.ChainID) (ChainBackend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[id]; ok {
		return c, nil
	}
	d, ok := s.registry.Get(id)
	if !ok || len(d.RPCURLs) == 0 {
		return nil, fmt.Errorf("no RPC endpoint configured for chain %d", id)
	}
	c, err := s.dial(ctx, d)
	if err != nil {
		return nil, err
	}
	s.clients[id] = c
	return c, nil
}

// SendTransaction signs and broadcasts tx on the active chain
func (s *LocalSigner) SendTransaction(ctx context.Context, tx txn.ExecutableTx) (string, error) {
	active, _ := s.ChainID(ctx)
	if tx.ChainID != active {
		return "", &ProviderError{
			Code:    -32000,
			Message: fmt.Sprintf("The current chain of the wallet (id: %d) does not match the target chain for the transaction (id: %d)", active, tx.ChainID),
		}
	}

	client, err := s.backend(ctx, active)
	if err != nil {
		return "", err
	}

	unsigned, err := s.buildTx(ctx, client, tx)
	if err != nil {
		return "", err
	}

	signed, err := gethtypes.SignTx(unsigned, gethtypes.LatestSignerForChainID(big.NewInt(int64(active))), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		if classify.MayHaveBroadcast(err) {
			hash := signed.Hash().Hex()
			return "", &ProviderError{
				Code:    -32000,
				Message: fmt.Sprintf("failed to send transaction %s: %v", hash, err),
				Data:    hash,
			}
		}
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	log.Debug().
		Str("component", "signer").
		Str("hash", signed.Hash().Hex()).
		Uint64("nonce", signed.Nonce()).
		Uint64("gas", signed.Gas()).
		Msg("transaction broadcast")
	return signed.Hash().Hex(), nil
}

// buildTx fills the fields the executable transaction left to the signer
func (s *LocalSigner) buildTx(ctx context.Context, client ChainBackend, tx txn.ExecutableTx) (*gethtypes.Transaction, error) {
	to := common.HexToAddress(tx.To)

	data, err := hexutil.Decode(tx.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}

	value, err := parseHexBig("value", tx.Value)
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = new(big.Int)
	}

	var nonce uint64
	if tx.Nonce != "" {
		n, err := parseHexBig("nonce", tx.Nonce)
		if err != nil {
			return nil, err
		}
		nonce = n.Uint64()
	} else {
		nonce, err = client.PendingNonceAt(ctx, s.address)
		if err != nil {
			return nil, fmt.Errorf("failed to get nonce: %w", err)
		}
	}

	tip, err := parseHexBig("maxPriorityFeePerGas", tx.MaxPriorityFeePerGas)
	if err != nil {
		return nil, err
	}
	maxFee, err := parseHexBig("maxFeePerGas", tx.MaxFeePerGas)
	if err != nil {
		return nil, err
	}
	if tip == nil || maxFee == nil {
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gas price: %w", err)
		}
		if tip == nil {
			if tip, err = client.SuggestGasTipCap(ctx); err != nil {
				tip = new(big.Int).Div(gasPrice, big.NewInt(10))
			}
		}
		if maxFee == nil {
			maxFee = chain.MaxFee(gasPrice, tip)
		}
	}
	if maxFee.Cmp(tip) < 0 {
		maxFee = new(big.Int).Set(tip)
	}

	gasLimit, err := parseHexBig("gas", tx.Gas)
	if err != nil {
		return nil, err
	}
	var gas uint64
	if gasLimit != nil {
		gas = gasLimit.Uint64()
	} else {
		estimated, err := client.EstimateGas(ctx, ethereum.CallMsg{
			From:      s.address,
			To:        &to,
			Value:     value,
			Data:      data,
			GasFeeCap: maxFee,
			GasTipCap: tip,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		gas = estimated * 120 / 100 // Add 20% buffer
	}

	return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(int64(tx.ChainID)),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), nil
}

// SignMessage produces an EIP-191 personal signature
func (s *LocalSigner) SignMessage(_ context.Context, msg []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
