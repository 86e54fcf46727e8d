// Package execute drives prepared transactions through the user's wallet:
// chain switching, parameter resolution, submission, error recovery and the
// two-step approval protocol.
package execute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"txflow/pkg/chain"
	"txflow/pkg/classify"
	"txflow/pkg/metrics"
	"txflow/pkg/retry"
	"txflow/pkg/signer"
	"txflow/pkg/telemetry"
	"txflow/pkg/txn"
	"txflow/pkg/types"
)

// errEmptyHash is returned when a wallet reports success without a hash
var errEmptyHash = errors.New("wallet returned no transaction hash")

// ParamResolver supplies gas parameters and nonces; *chain.Resolver implements it
type ParamResolver interface {
	ResolveGasParams(ctx context.Context, chainID types.ChainID) chain.GasParams
	ResolveNonce(ctx context.Context, chainID types.ChainID, account common.Address) (uint64, bool)
}

// EventKind names a driver progress event
type EventKind string

const (
	EventSwitching  EventKind = "switching"
	EventSubmitting EventKind = "submitting"
	EventSubmitted  EventKind = "submitted"
	EventRecovered  EventKind = "recovered"
	EventFailed     EventKind = "failed"
)

// Event reports driver progress
type Event struct {
	Kind    EventKind
	Index   int
	Total   int
	ChainID types.ChainID
	Network string
	Step    string
	TxHash  string
	Err     *classify.ClassifiedError
}

// ExecutionContext is the state of one run
type ExecutionContext struct {
	RunID          uuid.UUID
	CurrentChainID types.ChainID
	Position       int
	Results        []types.TxResult
}

// ExecutionError reports a run that stopped at FailedIndex. Completed holds
// the transactions submitted before it; they are never rolled back.
type ExecutionError struct {
	Completed   []types.TxResult
	FailedIndex int
	FailedStep  string
	Err         *classify.ClassifiedError
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.FailedStep != "" {
		return fmt.Sprintf("transaction %d (%s) failed: %s", e.FailedIndex+1, e.FailedStep, e.Err.Error())
	}
	return fmt.Sprintf("transaction %d failed: %s", e.FailedIndex+1, e.Err.Error())
}

// Unwrap exposes the classified cause
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Driver executes a queue of transactions one at a time
type Driver struct {
	signer      signer.Signer
	resolver    ParamResolver
	registry    *chain.Registry
	policy      retry.Policy
	switchDelay time.Duration
	onEvent     func(Event)
	sleep       func(ctx context.Context, d time.Duration) error
	tracer      trace.Tracer
}

// DriverOption configures a Driver
type DriverOption func(*Driver)

// WithRetryPolicy replaces the default submission retry policy
func WithRetryPolicy(p retry.Policy) DriverOption {
	return func(d *Driver) {
		d.policy = p
	}
}

// WithSwitchDelay sets the pause after a chain switch
func WithSwitchDelay(delay time.Duration) DriverOption {
	return func(d *Driver) {
		d.switchDelay = delay
	}
}

// WithEvents registers a progress callback
func WithEvents(fn func(Event)) DriverOption {
	return func(d *Driver) {
		d.onEvent = fn
	}
}

// NewDriver creates a driver
func NewDriver(s signer.Signer, resolver ParamResolver, registry *chain.Registry, opts ...DriverOption) *Driver {
	d := &Driver{
		signer:      s,
		resolver:    resolver,
		registry:    registry,
		policy:      retry.Default(),
		switchDelay: 750 * time.Millisecond,
		sleep:       sleepContext,
		tracer:      telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute submits every transaction of queue in order. The whole queue is
// validated before anything is sent.
func (d *Driver) Execute(ctx context.Context, queue []types.PreparedTx) ([]types.TxResult, error) {
	ec := &ExecutionContext{RunID: uuid.New()}
	logger := log.With().Str("component", "driver").Str("run_id", ec.RunID.String()).Logger()

	ctx, span := d.tracer.Start(ctx, "execute", trace.WithAttributes(
		attribute.String("run_id", ec.RunID.String()),
		attribute.Int("queue.length", len(queue)),
	))
	defer span.End()

	fail := func(index int, step string, ce *classify.ClassifiedError) error {
		telemetry.RecordError(ctx, ce)
		logger.Error().
			Int("index", index).
			Str("step", step).
			Str("category", string(ce.Category)).
			Str("code", ce.Code).
			Msg(ce.Error())
		d.emit(Event{Kind: EventFailed, Index: index, Total: len(queue), Step: step, Err: ce})
		return &ExecutionError{Completed: ec.Results, FailedIndex: index, FailedStep: step, Err: ce}
	}

	if len(queue) == 0 {
		return nil, fail(0, "", classify.Classify(txn.ErrNoTransactions))
	}

	txs := make([]txn.ExecutableTx, len(queue))
	for i, p := range queue {
		tx, err := txn.Normalize(p)
		if err != nil {
			// not scanned for hashes: nothing has been broadcast yet
			return nil, fail(i, p.Step, classify.Fatal(classify.CodeInvalidTransaction, "Invalid transaction",
				fmt.Sprintf("transaction %d: %s", i+1, err.Error()), err))
		}
		txs[i] = tx
	}

	account, err := d.signer.Address(ctx)
	if err != nil {
		return nil, fail(0, txs[0].Step, classify.Classify(err))
	}
	if ec.CurrentChainID, err = d.signer.ChainID(ctx); err != nil {
		return nil, fail(0, txs[0].Step, classify.Classify(err))
	}

	logger.Info().
		Int("transactions", len(txs)).
		Str("account", account.Hex()).
		Int64("chain_id", int64(ec.CurrentChainID)).
		Msg("starting execution")

	for i, tx := range txs {
		ec.Position = i

		if tx.ChainID != ec.CurrentChainID {
			if ce := d.ensureChain(ctx, ec, tx, len(txs), logger); ce != nil {
				return ec.Results, fail(i, tx.Step, ce)
			}
		}

		pinned := d.fillParams(ctx, &tx, account)

		result, ce := d.submit(ctx, tx, i, len(txs), pinned, logger)
		if ce != nil {
			return ec.Results, fail(i, tx.Step, ce)
		}
		ec.Results = append(ec.Results, result)
	}

	logger.Info().Int("submitted", len(ec.Results)).Msg("execution complete")
	return ec.Results, nil
}

// ensureChain moves the wallet to tx's chain. The wallet is asked first
// because the user may already have switched it.
func (d *Driver) ensureChain(ctx context.Context, ec *ExecutionContext, tx txn.ExecutableTx, total int, logger zerolog.Logger) *classify.ClassifiedError {
	target := tx.ChainID
	network := d.registry.Name(target)

	if active, err := d.signer.ChainID(ctx); err == nil && active == target {
		ec.CurrentChainID = target
		return nil
	}

	ctx, span := d.tracer.Start(ctx, "switch_chain", trace.WithAttributes(attribute.Int64("chain_id", int64(target))))
	defer span.End()

	d.emit(Event{Kind: EventSwitching, Index: ec.Position, Total: total, ChainID: target, Network: network, Step: tx.Step})
	logger.Info().Int64("from", int64(ec.CurrentChainID)).Int64("to", int64(target)).Str("network", network).Msg("switching network")

	err := d.signer.SwitchChain(ctx, target)
	if err != nil && !classify.IsUserRejection(err) && classify.IsUnknownChain(err) {
		err = d.addAndSwitch(ctx, target, network, logger)
		if ce, ok := err.(*classify.ClassifiedError); ok {
			metrics.RecordChainSwitch(int64(target), "add_failed")
			return ce
		}
	}

	if err != nil {
		if classify.IsUserRejection(err) {
			metrics.RecordChainSwitch(int64(target), "rejected")
			return &classify.ClassifiedError{
				Category: classify.CategoryUserAction,
				Code:     classify.CodeSwitchRejected,
				Title:    "Network switch declined",
				Message:  fmt.Sprintf("Switch your wallet to %s to continue", network),
				Cause:    err,
			}
		}
		metrics.RecordChainSwitch(int64(target), "failed")
		return classify.Classify(fmt.Errorf("switch to %s: %w", network, err))
	}

	metrics.RecordChainSwitch(int64(target), "switched")
	ec.CurrentChainID = target

	// wallets report the new chain before their RPC follows
	if err := d.sleep(ctx, d.switchDelay); err != nil {
		return classify.Classify(err)
	}
	return nil
}

// addAndSwitch registers an unknown chain with the wallet and retries the
// switch once. A failed add is fatal; a rejected prompt is returned raw.
func (d *Driver) addAndSwitch(ctx context.Context, target types.ChainID, network string, logger zerolog.Logger) error {
	desc, ok := d.registry.Get(target)
	if !ok || len(desc.RPCURLs) == 0 {
		return classify.Fatal(classify.CodeAddChainFailed, "Network not available",
			fmt.Sprintf("Your wallet does not know %s and no RPC endpoint is configured for it. Add the network to your wallet and try again.", network), nil)
	}

	logger.Info().Int64("chain_id", int64(target)).Str("network", network).Msg("adding network to wallet")
	if err := d.signer.AddChain(ctx, desc); err != nil {
		if classify.IsUserRejection(err) {
			return err
		}
		return classify.Fatal(classify.CodeAddChainFailed, "Could not add network",
			fmt.Sprintf("Your wallet could not add %s: %s", network, err.Error()), err)
	}

	if err := d.signer.SwitchChain(ctx, target); err != nil {
		if classify.IsUserRejection(err) {
			return err
		}
		return classify.Fatal(classify.CodeAddChainFailed, "Could not switch network",
			fmt.Sprintf("%s was added to your wallet but the switch failed: %s", network, err.Error()), err)
	}
	return nil
}

// fillParams resolves the nonce and fees the backend left out. It reports
// whether the nonce is pinned, which is what makes a resubmission safe.
func (d *Driver) fillParams(ctx context.Context, tx *txn.ExecutableTx, account common.Address) bool {
	if tx.From == "" {
		tx.From = account.Hex()
	}

	if tx.Nonce == "" {
		if nonce, ok := d.resolver.ResolveNonce(ctx, tx.ChainID, account); ok {
			tx.Nonce = hexutil.EncodeUint64(nonce)
		}
	}

	if tx.MaxFeePerGas == "" || tx.MaxPriorityFeePerGas == "" {
		gas := d.resolver.ResolveGasParams(ctx, tx.ChainID)
		if tx.MaxFeePerGas == "" && gas.MaxFeePerGas != nil {
			tx.MaxFeePerGas = hexutil.EncodeBig(gas.MaxFeePerGas)
		}
		if tx.MaxPriorityFeePerGas == "" && gas.MaxPriorityFeePerGas != nil {
			tx.MaxPriorityFeePerGas = hexutil.EncodeBig(gas.MaxPriorityFeePerGas)
		}
	}

	return tx.Nonce != ""
}

func (d *Driver) submit(ctx context.Context, tx txn.ExecutableTx, index, total int, pinned bool, logger zerolog.Logger) (types.TxResult, *classify.ClassifiedError) {
	ctx, span := d.tracer.Start(ctx, "submit", trace.WithAttributes(
		attribute.Int("index", index),
		attribute.Int64("chain_id", int64(tx.ChainID)),
		attribute.String("step", tx.Step),
	))
	defer span.End()

	policy := d.policy
	if !pinned {
		policy = retry.None()
	}

	d.emit(Event{Kind: EventSubmitting, Index: index, Total: total, ChainID: tx.ChainID, Network: d.registry.Name(tx.ChainID), Step: tx.Step})

	// a consumed nonce on a resend may belong to an earlier attempt
	var prevErr error
	hash, err := retry.DoValue(ctx, policy, func(ctx context.Context) (string, error) {
		hash, err := d.signer.SendTransaction(ctx, tx)
		if err != nil {
			if prevErr != nil && classify.IsNonceConsumed(err) && !classify.IsNonceConsumed(prevErr) {
				return "", classify.NewMaybeSubmitted(err)
			}
			prevErr = err
			return "", err
		}
		if strings.TrimSpace(hash) == "" {
			return "", errEmptyHash
		}
		return strings.TrimSpace(hash), nil
	})

	result := types.TxResult{ChainID: tx.ChainID, Step: tx.Step}
	if err != nil {
		ce := classify.Classify(err)
		if ce.MaybeSubmitted {
			metrics.RecordSubmission(int64(tx.ChainID), "unconfirmed")
			telemetry.RecordError(ctx, ce)
			return result, ce
		}
		if !ce.Recovered() {
			metrics.RecordSubmission(int64(tx.ChainID), "failed")
			telemetry.RecordError(ctx, ce)
			return result, ce
		}

		result.TxHash, result.Recovered = ce.RecoveredTxHash, true
		metrics.RecordSubmission(int64(tx.ChainID), "recovered")
		logger.Warn().
			Int("index", index).
			Str("hash", result.TxHash).
			AnErr("wallet_error", ce.Cause).
			Msg("wallet reported an error after broadcasting; treating transaction as submitted")
		d.emit(Event{Kind: EventRecovered, Index: index, Total: total, ChainID: tx.ChainID, Step: tx.Step, TxHash: result.TxHash})
		return result, nil
	}

	result.TxHash = hash
	span.SetAttributes(attribute.String("tx_hash", hash))
	metrics.RecordSubmission(int64(tx.ChainID), "submitted")
	logger.Info().Int("index", index).Int64("chain_id", int64(tx.ChainID)).Str("hash", hash).Msg("transaction submitted")
	d.emit(Event{Kind: EventSubmitted, Index: index, Total: total, ChainID: tx.ChainID, Step: tx.Step, TxHash: hash})
	return result, nil
}

func (d *Driver) emit(ev Event) {
	if d.onEvent != nil {
		d.onEvent(ev)
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
