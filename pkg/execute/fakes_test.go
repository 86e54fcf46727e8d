package execute

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"txflow/pkg/chain"
	"txflow/pkg/retry"
	"txflow/pkg/signer"
	"txflow/pkg/txn"
	"txflow/pkg/types"
)

const (
	chainA types.ChainID = 1
	chainB types.ChainID = 42161

	router = "0x1111111111111111111111111111111111111111"
)

var testAccount = common.HexToAddress("0x2222222222222222222222222222222222222222")

// fakeSigner is an in-memory wallet
type fakeSigner struct {
	mu        sync.Mutex
	chainID   types.ChainID
	known     map[types.ChainID]bool
	switchErr map[types.ChainID]error
	addErr    error
	sendFn    func(s *fakeSigner, tx txn.ExecutableTx) (string, error)

	switches []types.ChainID
	added    []types.ChainID
	sent     []txn.ExecutableTx
}

func newFakeSigner(start types.ChainID) *fakeSigner {
	return &fakeSigner{chainID: start, switchErr: map[types.ChainID]error{}}
}

func (s *fakeSigner) Address(context.Context) (common.Address, error) {
	return testAccount, nil
}

func (s *fakeSigner) ChainID(context.Context) (types.ChainID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chainID, nil
}

func (s *fakeSigner) setChain(id types.ChainID) {
	s.mu.Lock()
	s.chainID = id
	s.mu.Unlock()
}

func (s *fakeSigner) SwitchChain(_ context.Context, id types.ChainID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.switches = append(s.switches, id)
	if err := s.switchErr[id]; err != nil {
		return err
	}
	if s.known != nil && !s.known[id] {
		return &signer.ProviderError{Code: 4902, Message: fmt.Sprintf("Unrecognized chain ID %q", id.Hex())}
	}
	s.chainID = id
	return nil
}

func (s *fakeSigner) AddChain(_ context.Context, d chain.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.added = append(s.added, d.ID)
	if s.addErr != nil {
		return s.addErr
	}
	if s.known != nil {
		s.known[d.ID] = true
	}
	return nil
}

func (s *fakeSigner) SendTransaction(_ context.Context, tx txn.ExecutableTx) (string, error) {
	s.mu.Lock()
	s.sent = append(s.sent, tx)
	n := len(s.sent)
	fn := s.sendFn
	s.mu.Unlock()

	if fn != nil {
		return fn(s, tx)
	}
	return fmt.Sprintf("0x%064x", n), nil
}

func (s *fakeSigner) SignMessage(context.Context, []byte) (string, error) {
	return "0x", nil
}

// fakeResolver returns fixed parameters
type fakeResolver struct {
	noNonce bool
	nonce   uint64
}

func (r *fakeResolver) ResolveGasParams(context.Context, types.ChainID) chain.GasParams {
	return chain.GasParams{
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(100_000_000),
		Source:               chain.GasFromNetwork,
	}
}

func (r *fakeResolver) ResolveNonce(context.Context, types.ChainID, common.Address) (uint64, bool) {
	if r.noNonce {
		return 0, false
	}
	return r.nonce, true
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxAttempts:     4,
	}
}

func newTestDriver(s *fakeSigner, r *fakeResolver, opts ...DriverOption) (*Driver, *[]time.Duration) {
	var sleeps []time.Duration
	opts = append([]DriverOption{WithRetryPolicy(fastPolicy())}, opts...)
	d := NewDriver(s, r, chain.NewRegistry(), opts...)
	d.sleep = func(_ context.Context, delay time.Duration) error {
		sleeps = append(sleeps, delay)
		return nil
	}
	return d, &sleeps
}

func txOn(id types.ChainID) types.PreparedTx {
	return types.PreparedTx{To: router, Data: "0x", Value: types.NewQuantity("0"), ChainID: id}
}

// fakeBackend serves canned quotes, batches and action responses
type fakeBackend struct {
	mu sync.Mutex

	quote      *types.Quote
	quoteErr   error
	batch      *types.PreparedBatch
	actions    []*types.ActionResponse
	status     *types.TxStatus
	notified   [][]types.TxResult
	quoteCalls int
	prepared   []types.PrepareRequest
	actionReqs []types.ActionRequest
}

func (b *fakeBackend) Quote(_ context.Context, req types.QuoteRequest) (*types.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quoteCalls++
	if b.quoteErr != nil {
		return nil, b.quoteErr
	}
	q := *b.quote
	q.Request = req
	return &q, nil
}

func (b *fakeBackend) Prepare(_ context.Context, req types.PrepareRequest) (*types.PreparedBatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prepared = append(b.prepared, req)
	batch := *b.batch
	return &batch, nil
}

func (b *fakeBackend) RequestAction(_ context.Context, req types.ActionRequest) (*types.ActionResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actionReqs = append(b.actionReqs, req)
	if len(b.actions) == 0 {
		return nil, fmt.Errorf("no more canned action responses")
	}
	resp := b.actions[0]
	b.actions = b.actions[1:]
	return resp, nil
}

func (b *fakeBackend) Status(_ context.Context, hash string, chainID types.ChainID) (*types.TxStatus, error) {
	if b.status != nil {
		return b.status, nil
	}
	return &types.TxStatus{Hash: hash, ChainID: chainID, Status: "pending"}, nil
}

// notifyingBackend also accepts deposit notifications
type notifyingBackend struct {
	*fakeBackend
}

func (b notifyingBackend) NotifyDeposit(_ context.Context, _ *types.Quote, results []types.TxResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notified = append(b.notified, results)
	return nil
}
