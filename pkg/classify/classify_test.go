package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txflow/pkg/txn"
	"txflow/pkg/types"
)

var sampleHash = "0x" + strings.Repeat("ab", 32)

type providerErr struct {
	code int
	msg  string
	data interface{}
}

func (e *providerErr) Error() string          { return e.msg }
func (e *providerErr) ErrorCode() int         { return e.code }
func (e *providerErr) ErrorData() interface{} { return e.data }

// cyclicErr references itself through its metadata
type cyclicErr struct {
	msg   string
	cause error
	meta  map[string]interface{}
}

func (e *cyclicErr) Error() string { return e.msg }
func (e *cyclicErr) Unwrap() error { return e.cause }

type opaqueErr struct{}

func (opaqueErr) Error() string { return "[object Object]" }

func TestClassifyRecoversHashFromMessage(t *testing.T) {
	err := fmt.Errorf("could not decode result: transaction %s reverted with unknown selector", sampleHash)

	ce := Classify(err)
	require.NotNil(t, ce)
	assert.True(t, ce.Recovered())
	assert.Equal(t, sampleHash, ce.RecoveredTxHash)
	assert.Equal(t, OutcomeSuccess, ce.Outcome())
}

func TestClassifyRecoversHashFromNestedData(t *testing.T) {
	inner := &providerErr{
		code: -32603,
		msg:  "Internal JSON-RPC error.",
		data: map[string]interface{}{
			"originalError": map[string]interface{}{
				"receipt": []interface{}{"pending", map[string]interface{}{"transactionHash": strings.ToUpper(sampleHash[2:])}},
				"hash":    sampleHash,
			},
		},
	}
	err := fmt.Errorf("send failed: %w", inner)

	ce := Classify(err)
	assert.Equal(t, sampleHash, ce.RecoveredTxHash)
}

func TestClassifyRecoversTypedHashField(t *testing.T) {
	type receiptErr struct {
		error
		txHash common.Hash
	}
	h := common.HexToHash(sampleHash)
	err := receiptErr{error: errors.New("receipt decode failed"), txHash: h}

	ce := Classify(err)
	assert.Equal(t, sampleHash, ce.RecoveredTxHash)
}

func TestClassifyHandlesCycles(t *testing.T) {
	e := &cyclicErr{msg: "loop"}
	inner := &cyclicErr{msg: "inner", meta: map[string]interface{}{"parent": e}}
	e.cause = inner
	e.meta = map[string]interface{}{"self": e, "list": []interface{}{e, inner, e}}

	ce := Classify(e)
	require.NotNil(t, ce)
	assert.False(t, ce.Recovered())
	assert.Equal(t, CategoryUnknown, ce.Category)
	assert.Equal(t, "loop", ce.Message)
}

func TestClassifyIgnoresZeroAndLongHex(t *testing.T) {
	zero := "0x" + strings.Repeat("0", 64)
	revertData := "0x08c379a0" + strings.Repeat("ab", 64)

	for _, msg := range []string{
		"hash " + zero + " is not a transaction",
		"execution reverted: " + revertData,
		"short 0x1234",
	} {
		ce := Classify(errors.New(msg))
		assert.False(t, ce.Recovered(), msg)
	}
}

func TestClassifyUserRejection(t *testing.T) {
	cases := []error{
		&providerErr{code: CodeUserRejected, msg: "MetaMask Tx Signature: User denied transaction signature."},
		&providerErr{code: CodeUserRejected, msg: "rejected"},
		errors.New("user rejected the request"),
		errors.New("ACTION_REJECTED"),
	}
	for _, err := range cases {
		ce := Classify(err)
		assert.Equal(t, CategoryUserAction, ce.Category, err.Error())
		assert.False(t, ce.CanRetry, err.Error())
		assert.Equal(t, OutcomeCancelled, ce.Outcome())
	}
}

func TestClassifyCancellationIsNotAWalletRejection(t *testing.T) {
	ce := Classify(fmt.Errorf("quote: %w", context.Canceled))
	assert.Equal(t, CategoryUserAction, ce.Category)
	assert.Equal(t, CodeCancelled, ce.Code)
	assert.False(t, ce.CanRetry)
	assert.Equal(t, OutcomeCancelled, ce.Outcome())
	assert.NotContains(t, ce.Message, "wallet")
}

func TestClassifyAlreadyKnownIsMaybeSubmitted(t *testing.T) {
	for _, err := range []error{
		errors.New("failed to send transaction: already known"),
		&providerErr{code: -32000, msg: "known transaction: 1f2e"},
	} {
		ce := Classify(err)
		assert.True(t, ce.MaybeSubmitted, err.Error())
		assert.False(t, ce.CanRetry, err.Error())
		assert.Equal(t, CodeMaybeSubmitted, ce.Code)
		assert.Equal(t, OutcomeMaybeSubmitted, ce.Outcome())
	}

	// a hash in the error still wins
	ce := Classify(fmt.Errorf("already known: %s", sampleHash))
	assert.Equal(t, OutcomeSuccess, ce.Outcome())
}

func TestSendFailureHelpers(t *testing.T) {
	assert.True(t, IsNonceConsumed(errors.New("nonce too low: next nonce 5, tx nonce 4")))
	assert.True(t, IsNonceConsumed(errors.New("replacement transaction underpriced")))
	assert.False(t, IsNonceConsumed(errors.New("insufficient funds")))
	assert.False(t, IsNonceConsumed(nil))

	assert.True(t, MayHaveBroadcast(fmt.Errorf("post: %w", context.DeadlineExceeded)))
	assert.True(t, MayHaveBroadcast(context.Canceled))
	assert.True(t, MayHaveBroadcast(errors.New("read tcp: connection reset by peer")))
	assert.True(t, MayHaveBroadcast(errors.New("already known")))
	assert.False(t, MayHaveBroadcast(errors.New("insufficient funds for gas * price + value")))
	assert.False(t, MayHaveBroadcast(nil))
}

func TestClassifyDecodeFailureWithoutHash(t *testing.T) {
	err := errors.New(`Encoded error signature "0x6f9f0a3a" not found on ABI`)

	ce := Classify(err)
	assert.Equal(t, CategoryUnknown, ce.Category)
	assert.Equal(t, CodeSimulationUnavailable, ce.Code)
	assert.False(t, ce.CanRetry)
	assert.Contains(t, ce.Message, "could not simulate")
}

func TestClassifyInsufficientFunds(t *testing.T) {
	ce := Classify(errors.New("insufficient funds for gas * price + value: balance 1, tx cost 2"))
	assert.Equal(t, CategoryBlocked, ce.Category)
	assert.True(t, ce.NeedsFunds)
	assert.False(t, ce.CanRetry)
	assert.Equal(t, OutcomeFatal, ce.Outcome())
}

func TestClassifyWrongNetwork(t *testing.T) {
	ce := Classify(errors.New("The current chain of the wallet (id: 1) does not match the target chain for the transaction (id: 8453)"))
	assert.Equal(t, CategoryBlocked, ce.Category)
	assert.Equal(t, CodeWrongNetwork, ce.Code)
	assert.False(t, ce.CanRetry)
}

func TestClassifyTemporary(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("quote: %w", context.DeadlineExceeded),
		errors.New("429 Too Many Requests"),
		&providerErr{code: -32005, msg: "limit exceeded"},
		&types.APIError{Status: 503},
	} {
		ce := Classify(err)
		assert.Equal(t, CategoryTemporary, ce.Category, err.Error())
		assert.True(t, ce.CanRetry, err.Error())
	}
}

func TestClassifyAPIErrorCategory(t *testing.T) {
	secs := 2
	ce := Classify(&types.APIError{Status: 400, Code: "AMOUNT_TOO_LOW", Category: "blocked", Title: "Amount too low", Description: "Minimum is 10 USDC", RetryAfterSeconds: &secs})
	assert.Equal(t, CategoryBlocked, ce.Category)
	assert.Equal(t, "AMOUNT_TOO_LOW", ce.Code)
	assert.Equal(t, "Minimum is 10 USDC", ce.Message)
	assert.Equal(t, "2s", ce.RetryAfter.String())

	ce = Classify(&types.APIError{Status: 400, Category: "USER_ACTION", Description: "confirm in app"})
	assert.Equal(t, CategoryUserAction, ce.Category)
}

func TestClassifyFatalInputs(t *testing.T) {
	_, normErr := txn.Normalize(types.PreparedTx{To: "0xnope", ChainID: 1})
	require.Error(t, normErr)

	for _, err := range []error{normErr, txn.ErrNoTransactions, types.ErrAmbiguousBatch} {
		ce := Classify(err)
		assert.Equal(t, CategoryBlocked, ce.Category, err.Error())
		assert.False(t, ce.CanRetry, err.Error())
		assert.Equal(t, OutcomeFatal, ce.Outcome())
	}
}

func TestClassifyUnknownKeepsSpecificMessage(t *testing.T) {
	ce := Classify(fmt.Errorf("%w", opaqueErr{}))
	assert.Equal(t, CategoryUnknown, ce.Category)
	assert.True(t, ce.CanRetry)
	assert.NotEqual(t, "[object Object]", ce.Message)
	assert.NotEmpty(t, ce.Message)

	ce = Classify(errors.New("execution reverted: STF"))
	assert.Equal(t, "execution reverted: STF", ce.Message)
}

func TestClassifyIsIdempotent(t *testing.T) {
	first := Classify(errors.New("user rejected"))
	second := Classify(fmt.Errorf("wrapped: %w", first))
	assert.Same(t, first, second)
}

func TestUnknownChainDetection(t *testing.T) {
	assert.True(t, IsUnknownChain(&providerErr{code: CodeUnrecognizedChain, msg: "Unrecognized chain ID"}))
	assert.True(t, IsUnknownChain(errors.New("Unrecognized chain ID \"0x2105\". Try adding the chain using wallet_addEthereumChain first.")))
	assert.False(t, IsUnknownChain(errors.New("user rejected")))

	assert.True(t, IsUserRejection(&providerErr{code: CodeUserRejected, msg: "x"}))
	assert.False(t, IsUserRejection(nil))
}
