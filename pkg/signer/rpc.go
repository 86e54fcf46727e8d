package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"txflow/pkg/chain"
	"txflow/pkg/txn"
	"txflow/pkg/types"
)

// ErrNoAccount is returned when the wallet exposes no account
var ErrNoAccount = errors.New("wallet exposed no account")

// caller is the part of *rpc.Client the signer uses
type caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// RPCSigner talks to a wallet that follows the injected-provider convention
// over JSON-RPC (for example a desktop wallet's local RPC bridge).
type RPCSigner struct {
	client caller

	mu      sync.Mutex
	account common.Address
}

// DialRPC connects to a wallet JSON-RPC endpoint
func DialRPC(ctx context.Context, url string) (*RPCSigner, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to wallet: %w", err)
	}
	return NewRPCSigner(client), nil
}

// NewRPCSigner wraps an existing JSON-RPC client
func NewRPCSigner(client caller) *RPCSigner {
	return &RPCSigner{client: client}
}

// Address returns the first wallet account, requesting access if needed
func (s *RPCSigner) Address(ctx context.Context) (common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.account != (common.Address{}) {
		return s.account, nil
	}

	var accounts []common.Address
	if err := s.client.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return common.Address{}, err
	}
	if len(accounts) == 0 {
		if err := s.client.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
			return common.Address{}, err
		}
	}
	if len(accounts) == 0 {
		return common.Address{}, ErrNoAccount
	}

	s.account = accounts[0]
	return s.account, nil
}

// ChainID reads the wallet's active chain
func (s *RPCSigner) ChainID(ctx context.Context) (types.ChainID, error) {
	var id hexutil.Big
	if err := s.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return 0, err
	}
	return types.ChainID(id.ToInt().Int64()), nil
}

type switchChainParams struct {
	ChainID string `json:"chainId"`
}

// SwitchChain asks the wallet to change its active chain
func (s *RPCSigner) SwitchChain(ctx context.Context, id types.ChainID) error {
	return s.client.CallContext(ctx, nil, "wallet_switchEthereumChain", switchChainParams{ChainID: id.Hex()})
}

// AddChain asks the wallet to learn a new chain
func (s *RPCSigner) AddChain(ctx context.Context, d chain.Descriptor) error {
	return s.client.CallContext(ctx, nil, "wallet_addEthereumChain", d.AddChainParams())
}

// SendTransaction hands the transaction to the wallet and returns its hash
func (s *RPCSigner) SendTransaction(ctx context.Context, tx txn.ExecutableTx) (string, error) {
	if tx.From == "" {
		from, err := s.Address(ctx)
		if err != nil {
			return "", err
		}
		tx.From = from.Hex()
	}

	params := map[string]string{
		"from":    tx.From,
		"to":      tx.To,
		"data":    tx.Data,
		"chainId": tx.ChainID.Hex(),
	}
	optional := map[string]string{
		"value":                tx.Value,
		"gas":                  tx.Gas,
		"maxFeePerGas":         tx.MaxFeePerGas,
		"maxPriorityFeePerGas": tx.MaxPriorityFeePerGas,
		"nonce":                tx.Nonce,
	}
	for k, v := range optional {
		if v != "" {
			params[k] = v
		}
	}

	var raw json.RawMessage
	if err := s.client.CallContext(ctx, &raw, "eth_sendTransaction", params); err != nil {
		return "", err
	}
	return decodeTxHash(raw)
}

// decodeTxHash accepts a bare hash or a {transactionHash} / {hash} object
func decodeTxHash(raw json.RawMessage) (string, error) {
	var hash string
	if err := json.Unmarshal(raw, &hash); err == nil {
		return strings.TrimSpace(hash), nil
	}

	var obj struct {
		TransactionHash string `json:"transactionHash"`
		Hash            string `json:"hash"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("unexpected eth_sendTransaction result %s", string(raw))
	}
	if obj.TransactionHash != "" {
		return obj.TransactionHash, nil
	}
	return obj.Hash, nil
}

// SignMessage signs msg with personal_sign
func (s *RPCSigner) SignMessage(ctx context.Context, msg []byte) (string, error) {
	from, err := s.Address(ctx)
	if err != nil {
		return "", err
	}

	var sig hexutil.Bytes
	if err := s.client.CallContext(ctx, &sig, "personal_sign", hexutil.Encode(msg), from); err != nil {
		return "", err
	}
	return sig.String(), nil
}

// Close releases the underlying connection when it supports closing
func (s *RPCSigner) Close() {
	if c, ok := s.client.(interface{ Close() }); ok {
		c.Close()
	}
}
