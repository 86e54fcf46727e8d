// Package signer defines the wallet boundary of the engine and two
// implementations: an injected-provider JSON-RPC wallet and a local key.
package signer

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"txflow/pkg/chain"
	"txflow/pkg/txn"
	"txflow/pkg/types"
)

// Signer holds keys and executes signing and sending on the user's behalf.
// The active chain is wallet state that other clients may change at any time.
type Signer interface {
	Address(ctx context.Context) (common.Address, error)
	ChainID(ctx context.Context) (types.ChainID, error)
	SwitchChain(ctx context.Context, id types.ChainID) error
	AddChain(ctx context.Context, d chain.Descriptor) error
	SendTransaction(ctx context.Context, tx txn.ExecutableTx) (string, error)
	SignMessage(ctx context.Context, msg []byte) (string, error)
}

// ProviderError is a wallet error carrying an EIP-1193 / JSON-RPC code
type ProviderError struct {
	Code    int
	Message string
	Data    interface{}
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// ErrorCode returns the provider code
func (e *ProviderError) ErrorCode() int {
	return e.Code
}

// ErrorData returns the provider payload
func (e *ProviderError) ErrorData() interface{} {
	return e.Data
}

// parseHexBig parses a 0x quantity, tolerating leading zeros
func parseHexBig(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("invalid %s %q", field, s)
	}
	return v, nil
}
