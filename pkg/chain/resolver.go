package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"txflow/pkg/metrics"
	"txflow/pkg/types"
)

// GasSource tells whether gas parameters came from the network or from defaults
type GasSource string

const (
	GasFromNetwork  GasSource = "network"
	GasFromFallback GasSource = "fallback"
)

var (
	gwei = big.NewInt(1_000_000_000)

	// Standard chains: 1.5 gwei tip, 30 gwei cap
	standardTip    = new(big.Int).Div(new(big.Int).Mul(big.NewInt(15), gwei), big.NewInt(10))
	standardMaxFee = new(big.Int).Mul(big.NewInt(30), gwei)

	// Low-fee rollups: 0.01 gwei tip, 0.5 gwei cap
	lowFeeTip    = new(big.Int).Div(gwei, big.NewInt(100))
	lowFeeMaxFee = new(big.Int).Div(gwei, big.NewInt(2))
)

// GasParams is an EIP-1559 fee pair
type GasParams struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Source               GasSource
}

// Reader is the subset of an EVM RPC client the resolver needs
type Reader interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// receiptReader is implemented by *ethclient.Client
type receiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
}

// Dialer opens a Reader for a chain
type Dialer func(ctx context.Context, d Descriptor) (Reader, error)

// Resolver derives gas parameters and nonces per chain
type Resolver struct {
	registry *Registry
	dial     Dialer
	timeout  time.Duration

	mu      sync.Mutex
	clients map[types.ChainID]Reader
}

// Option configures a Resolver
type Option func(*Resolver)

// WithDialer replaces the ethclient dialer
func WithDialer(d Dialer) Option {
	return func(r *Resolver) {
		r.dial = d
	}
}

// WithTimeout bounds every RPC call
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewResolver creates a resolver backed by the registry's RPC endpoints
func NewResolver(registry *Registry, opts ...Option) *Resolver {
	r := &Resolver{
		registry: registry,
		dial:     DialEthclient,
		timeout:  5 * time.Second,
		clients:  make(map[types.ChainID]Reader),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialEthclient connects to the first reachable RPC endpoint of d
func DialEthclient(ctx context.Context, d Descriptor) (Reader, error) {
	if len(d.RPCURLs) == 0 {
		return nil, fmt.Errorf("no RPC endpoint configured for %s", d.Name)
	}

	var lastErr error
	for _, url := range d.RPCURLs {
		client, err := ethclient.DialContext(ctx, url)
		if err == nil {
			return client, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("component", "resolver").Str("rpc", url).Msg("RPC endpoint unavailable, trying next")
	}
	return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", lastErr)
}

func (r *Resolver) client(ctx context.Context, chainID types.ChainID) (Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[chainID]; ok {
		return c, nil
	}

	d, ok := r.registry.Get(chainID)
	if !ok {
		return nil, fmt.Errorf("chain %d is not configured", chainID)
	}

	c, err := r.dial(ctx, d)
	if err != nil {
		return nil, err
	}
	r.clients[chainID] = c
	return c, nil
}

// ResolveGasParams returns the fee pair for chainID. It never fails:
// when the network cannot be reached it returns the chain class defaults.
func (r *Resolver) ResolveGasParams(ctx context.Context, chainID types.ChainID) GasParams {
	logger := log.With().Str("component", "resolver").Int64("chain_id", int64(chainID)).Logger()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	c, err := r.client(ctx, chainID)
	if err != nil {
		logger.Warn().Err(err).Msg("using fallback gas parameters")
		return r.fallback(chainID)
	}

	gasPrice, err := c.SuggestGasPrice(ctx)
	if err != nil || gasPrice == nil || gasPrice.Sign() <= 0 {
		logger.Warn().Err(err).Msg("gas price unavailable, using fallback gas parameters")
		return r.fallback(chainID)
	}

	tip, err := c.SuggestGasTipCap(ctx)
	if err != nil || tip == nil {
		// 10% of the base gas price
		tip = new(big.Int).Div(gasPrice, big.NewInt(10))
		logger.Debug().Err(err).Str("tip", tip.String()).Msg("priority fee derived from gas price")
	}

	return GasParams{
		MaxFeePerGas:         MaxFee(gasPrice, tip),
		MaxPriorityFeePerGas: tip,
		Source:               GasFromNetwork,
	}
}

// MaxFee is (gasPrice + tip) plus 20% headroom for base-fee drift
func MaxFee(gasPrice, tip *big.Int) *big.Int {
	maxFee := new(big.Int).Add(gasPrice, tip)
	maxFee.Mul(maxFee, big.NewInt(120))
	return maxFee.Div(maxFee, big.NewInt(100))
}

func (r *Resolver) fallback(chainID types.ChainID) GasParams {
	metrics.RecordGasFallback(int64(chainID))
	d, _ := r.registry.Get(chainID)
	return FallbackGasParams(d.LowFee)
}

// FallbackGasParams returns the hardcoded defaults for a chain class
func FallbackGasParams(lowFee bool) GasParams {
	if lowFee {
		return GasParams{
			MaxFeePerGas:         new(big.Int).Set(lowFeeMaxFee),
			MaxPriorityFeePerGas: new(big.Int).Set(lowFeeTip),
			Source:               GasFromFallback,
		}
	}
	return GasParams{
		MaxFeePerGas:         new(big.Int).Set(standardMaxFee),
		MaxPriorityFeePerGas: new(big.Int).Set(standardTip),
		Source:               GasFromFallback,
	}
}

// ResolveNonce reads the account nonce with the pending block tag so that
// transactions already submitted in this run are counted. ok is false when
// the nonce could not be read; the signer then assigns one itself.
func (r *Resolver) ResolveNonce(ctx context.Context, chainID types.ChainID, account common.Address) (nonce uint64, ok bool) {
	logger := log.With().Str("component", "resolver").Int64("chain_id", int64(chainID)).Logger()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	c, err := r.client(ctx, chainID)
	if err != nil {
		logger.Warn().Err(err).Msg("nonce unavailable, leaving it to the signer")
		return 0, false
	}

	nonce, err = c.PendingNonceAt(ctx, account)
	if err != nil {
		logger.Warn().Err(err).Msg("nonce unavailable, leaving it to the signer")
		return 0, false
	}
	return nonce, true
}

// ErrReceiptUnsupported is returned when the chain client cannot fetch receipts
var ErrReceiptUnsupported = errors.New("receipt lookup not supported by this client")

// Receipt fetches a transaction receipt
func (r *Resolver) Receipt(ctx context.Context, chainID types.ChainID, hash string) (*gethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	c, err := r.client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	rr, ok := c.(receiptReader)
	if !ok {
		return nil, ErrReceiptUnsupported
	}

	receipt, err := rr.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction receipt: %w", err)
	}
	return receipt, nil
}
