package execute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txflow/pkg/classify"
	"txflow/pkg/signer"
	"txflow/pkg/txn"
	"txflow/pkg/types"
)

func TestDriverSwitchesOnlyWhenChainChanges(t *testing.T) {
	s := newFakeSigner(chainA)
	d, sleeps := newTestDriver(s, &fakeResolver{})

	results, err := d.Execute(context.Background(), []types.PreparedTx{txOn(chainA), txOn(chainA), txOn(chainB), txOn(chainA)})
	require.NoError(t, err)

	assert.Equal(t, []types.ChainID{chainB, chainA}, s.switches)
	require.Len(t, results, 4)
	for i, want := range []types.ChainID{chainA, chainA, chainB, chainA} {
		assert.Equal(t, want, results[i].ChainID)
		assert.Equal(t, want, s.sent[i].ChainID)
	}
	assert.Equal(t, []time.Duration{750 * time.Millisecond, 750 * time.Millisecond}, *sleeps)
}

func TestDriverSwitchesAtStartWhenWalletIsElsewhere(t *testing.T) {
	s := newFakeSigner(137)
	d, _ := newTestDriver(s, &fakeResolver{})

	_, err := d.Execute(context.Background(), []types.PreparedTx{txOn(chainA), txOn(chainA), txOn(chainB), txOn(chainA)})
	require.NoError(t, err)
	assert.Equal(t, []types.ChainID{chainA, chainB, chainA}, s.switches)
}

func TestDriverReadsWalletChainBeforeSwitching(t *testing.T) {
	s := newFakeSigner(chainA)
	s.sendFn = func(s *fakeSigner, tx txn.ExecutableTx) (string, error) {
		// the user moves the wallet to B between the two transactions
		if tx.ChainID == chainA {
			s.setChain(chainB)
		}
		return "0x" + strings.Repeat("1", 64), nil
	}
	d, sleeps := newTestDriver(s, &fakeResolver{})

	results, err := d.Execute(context.Background(), []types.PreparedTx{txOn(chainA), txOn(chainB)})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Empty(t, s.switches)
	assert.Empty(t, *sleeps)
}

func TestDriverRejectedSwitchNamesTheNetwork(t *testing.T) {
	s := newFakeSigner(chainA)
	s.switchErr[chainB] = &signer.ProviderError{Code: classify.CodeUserRejected, Message: "User rejected the request."}
	d, _ := newTestDriver(s, &fakeResolver{})

	results, err := d.Execute(context.Background(), []types.PreparedTx{txOn(chainA), txOn(chainB)})

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Len(t, results, 1)
	assert.Len(t, execErr.Completed, 1)
	assert.Equal(t, 1, execErr.FailedIndex)
	assert.Equal(t, classify.CategoryUserAction, execErr.Err.Category)
	assert.Equal(t, classify.CodeSwitchRejected, execErr.Err.Code)
	assert.Equal(t, "Switch your wallet to Arbitrum One to continue", execErr.Err.Message)
	assert.Equal(t, classify.OutcomeCancelled, execErr.Err.Outcome())
	assert.Len(t, s.sent, 1)
}

func TestDriverAddsUnknownChainThenSwitches(t *testing.T) {
	s := newFakeSigner(chainA)
	s.known = map[types.ChainID]bool{chainA: true}
	d, _ := newTestDriver(s, &fakeResolver{})

	results, err := d.Execute(context.Background(), []types.PreparedTx{txOn(8453)})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, []types.ChainID{8453}, s.added)
	assert.Equal(t, []types.ChainID{8453, 8453}, s.switches)
	assert.Equal(t, types.ChainID(8453), s.sent[0].ChainID)
}

func TestDriverFailedAddChainIsFatal(t *testing.T) {
	s := newFakeSigner(chainA)
	s.known = map[types.ChainID]bool{chainA: true}
	s.addErr = errors.New("rpc endpoint unreachable")
	d, _ := newTestDriver(s, &fakeResolver{})

	_, err := d.Execute(context.Background(), []types.PreparedTx{txOn(8453)})

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, classify.CodeAddChainFailed, execErr.Err.Code)
	assert.Equal(t, classify.OutcomeFatal, execErr.Err.Outcome())
	assert.Contains(t, execErr.Err.Message, "Base")
	assert.Len(t, s.switches, 1)
	assert.Empty(t, s.sent)
}

func TestDriverUnknownChainWithoutDescriptorIsFatal(t *testing.T) {
	s := newFakeSigner(chainA)
	s.known = map[types.ChainID]bool{chainA: true}
	d, _ := newTestDriver(s, &fakeResolver{})

	_, err := d.Execute(context.Background(), []types.PreparedTx{txOn(999)})

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, classify.CodeAddChainFailed, execErr.Err.Code)
	assert.Empty(t, s.added)
}

func TestDriverRecoversHashFromThrowingSigner(t *testing.T) {
	hash := "0x" + strings.Repeat("ab", 32)
	s := newFakeSigner(chainA)
	s.sendFn = func(*fakeSigner, txn.ExecutableTx) (string, error) {
		return "", fmt.Errorf("could not decode result data (transactionHash=%q)", hash)
	}

	var events []EventKind
	d, _ := newTestDriver(s, &fakeResolver{}, WithEvents(func(ev Event) { events = append(events, ev.Kind) }))

	results, err := d.Execute(context.Background(), []types.PreparedTx{txOn(chainA)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, hash, results[0].TxHash)
	assert.True(t, results[0].Recovered)
	assert.Len(t, s.sent, 1)
	assert.Equal(t, []EventKind{EventSubmitting, EventRecovered}, events)
}

func TestDriverStopsAtFailureAndKeepsCompleted(t *testing.T) {
	s := newFakeSigner(chainA)
	s.sendFn = func(s *fakeSigner, tx txn.ExecutableTx) (string, error) {
		if len(s.sent) == 2 {
			return "", errors.New("insufficient funds for gas * price + value")
		}
		return fmt.Sprintf("0x%064x", len(s.sent)), nil
	}
	approval, swap, bridge := txOn(chainA), txOn(chainA), txOn(chainA)
	approval.Step, swap.Step, bridge.Step = "approve", "swap", "bridge"
	d, _ := newTestDriver(s, &fakeResolver{})

	results, err := d.Execute(context.Background(), []types.PreparedTx{approval, swap, bridge})

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 1, execErr.FailedIndex)
	assert.Equal(t, "swap", execErr.FailedStep)
	assert.True(t, execErr.Err.NeedsFunds)
	assert.Equal(t, classify.CategoryBlocked, execErr.Err.Category)
	require.Len(t, results, 1)
	assert.Equal(t, "approve", results[0].Step)
	assert.Len(t, s.sent, 2)
	assert.Contains(t, execErr.Error(), "transaction 2 (swap) failed")
}

func TestDriverRejectsMalformedQueueBeforeSubmitting(t *testing.T) {
	s := newFakeSigner(chainA)
	d, _ := newTestDriver(s, &fakeResolver{})

	bad := txOn(chainB)
	bad.To = "0x1234"
	_, err := d.Execute(context.Background(), []types.PreparedTx{txOn(chainA), bad})

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 1, execErr.FailedIndex)
	assert.Equal(t, classify.CodeInvalidTransaction, execErr.Err.Code)
	assert.ErrorIs(t, err, txn.ErrInvalidTransaction)
	assert.Empty(t, s.sent)
	assert.Empty(t, s.switches)
}

func TestDriverEmptyQueue(t *testing.T) {
	d, _ := newTestDriver(newFakeSigner(chainA), &fakeResolver{})
	_, err := d.Execute(context.Background(), nil)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, classify.CodeNoTransactions, execErr.Err.Code)
}

func TestDriverFillsOnlyMissingParameters(t *testing.T) {
	s := newFakeSigner(chainA)
	d, _ := newTestDriver(s, &fakeResolver{nonce: 5})

	tx := txOn(chainA)
	tx.MaxFeePerGas = types.NewQuantity("3000000000")
	_, err := d.Execute(context.Background(), []types.PreparedTx{tx})
	require.NoError(t, err)

	sent := s.sent[0]
	assert.Equal(t, "0x5", sent.Nonce)
	assert.Equal(t, "0xb2d05e00", sent.MaxFeePerGas)
	assert.Equal(t, "0x5f5e100", sent.MaxPriorityFeePerGas)
	assert.Equal(t, testAccount.Hex(), sent.From)
	assert.Equal(t, "0x0", sent.Value)
}

func TestDriverRetriesTemporaryFailureWithPinnedNonce(t *testing.T) {
	s := newFakeSigner(chainA)
	s.sendFn = func(s *fakeSigner, tx txn.ExecutableTx) (string, error) {
		if len(s.sent) == 1 {
			return "", errors.New("header not found")
		}
		return "0x" + strings.Repeat("c", 64), nil
	}
	d, _ := newTestDriver(s, &fakeResolver{nonce: 9})

	results, err := d.Execute(context.Background(), []types.PreparedTx{txOn(chainA)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, s.sent, 2)
	assert.Equal(t, "0x9", s.sent[0].Nonce)
	assert.Equal(t, s.sent[0].Nonce, s.sent[1].Nonce)
}

func TestDriverStopsWhenResendIsAlreadyKnown(t *testing.T) {
	s := newFakeSigner(chainA)
	s.sendFn = func(s *fakeSigner, tx txn.ExecutableTx) (string, error) {
		if len(s.sent) == 1 {
			return "", fmt.Errorf("failed to send transaction: %w", context.DeadlineExceeded)
		}
		return "", errors.New("failed to send transaction: already known")
	}
	d, _ := newTestDriver(s, &fakeResolver{nonce: 3})

	results, err := d.Execute(context.Background(), []types.PreparedTx{txOn(chainA)})

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Empty(t, results)
	assert.Len(t, s.sent, 2)
	assert.True(t, execErr.Err.MaybeSubmitted)
	assert.False(t, execErr.Err.CanRetry)
	assert.Equal(t, classify.OutcomeMaybeSubmitted, execErr.Err.Outcome())
}

func TestDriverTreatsConsumedNonceOnResendAsMaybeSubmitted(t *testing.T) {
	s := newFakeSigner(chainA)
	s.sendFn = func(s *fakeSigner, tx txn.ExecutableTx) (string, error) {
		if len(s.sent) == 1 {
			return "", errors.New("read tcp 10.0.0.1:443: connection reset by peer")
		}
		return "", errors.New("nonce too low: next nonce 4, tx nonce 3")
	}
	d, _ := newTestDriver(s, &fakeResolver{nonce: 3})

	_, err := d.Execute(context.Background(), []types.PreparedTx{txOn(chainA)})

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Len(t, s.sent, 2)
	assert.Equal(t, classify.CodeMaybeSubmitted, execErr.Err.Code)
	assert.Equal(t, classify.OutcomeMaybeSubmitted, execErr.Err.Outcome())
}

func TestDriverStaleNonceOnFirstAttemptIsNotMaybeSubmitted(t *testing.T) {
	s := newFakeSigner(chainA)
	s.sendFn = func(*fakeSigner, txn.ExecutableTx) (string, error) {
		return "", errors.New("nonce too low: next nonce 4, tx nonce 3")
	}
	d, _ := newTestDriver(s, &fakeResolver{nonce: 3})

	_, err := d.Execute(context.Background(), []types.PreparedTx{txOn(chainA)})

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.False(t, execErr.Err.MaybeSubmitted)
	assert.Equal(t, classify.CategoryTemporary, execErr.Err.Category)
}

func TestDriverDoesNotRetryWithoutPinnedNonce(t *testing.T) {
	s := newFakeSigner(chainA)
	s.sendFn = func(*fakeSigner, txn.ExecutableTx) (string, error) {
		return "", errors.New("header not found")
	}
	d, _ := newTestDriver(s, &fakeResolver{noNonce: true})

	_, err := d.Execute(context.Background(), []types.PreparedTx{txOn(chainA)})

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, classify.CategoryTemporary, execErr.Err.Category)
	assert.Len(t, s.sent, 1)
	assert.Empty(t, s.sent[0].Nonce)
}

func TestDriverEscalatesEmptyHash(t *testing.T) {
	s := newFakeSigner(chainA)
	s.sendFn = func(*fakeSigner, txn.ExecutableTx) (string, error) {
		return "  ", nil
	}
	d, _ := newTestDriver(s, &fakeResolver{})

	_, err := d.Execute(context.Background(), []types.PreparedTx{txOn(chainA)})

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, classify.CategoryUnknown, execErr.Err.Category)
	assert.Contains(t, execErr.Err.Message, "no transaction hash")
	// unknown failures get exactly one retry
	assert.Len(t, s.sent, 2)
}

func TestDriverEmitsProgressEvents(t *testing.T) {
	s := newFakeSigner(chainA)
	var events []Event
	d, _ := newTestDriver(s, &fakeResolver{}, WithEvents(func(ev Event) { events = append(events, ev) }))

	_, err := d.Execute(context.Background(), []types.PreparedTx{txOn(chainA), txOn(chainB)})
	require.NoError(t, err)

	kinds := make([]EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventSubmitting, EventSubmitted, EventSwitching, EventSubmitting, EventSubmitted}, kinds)
	assert.Equal(t, "Arbitrum One", events[2].Network)
	assert.Equal(t, 2, events[2].Total)
}
