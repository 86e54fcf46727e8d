// Package classify turns raw signer, provider and backend failures into a
// small set of outcomes the rest of the engine can act on.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"txflow/pkg/metrics"
	"txflow/pkg/txn"
	"txflow/pkg/types"
)

// Category is the retry-relevant class of a failure
type Category string

const (
	CategoryUserAction Category = "user-action"
	CategoryTemporary  Category = "temporary"
	CategoryBlocked    Category = "blocked"
	CategoryUnknown    Category = "unknown"
)

// Outcome is what the driver does with a classified failure
type Outcome string

const (
	OutcomeSuccess        Outcome = "success-with-hash"
	OutcomeMaybeSubmitted Outcome = "possibly-submitted"
	OutcomeRetryable      Outcome = "retryable"
	OutcomeCancelled      Outcome = "user-cancelled"
	OutcomeFatal          Outcome = "fatal"
)

// EIP-1193 provider error codes
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeUnrecognizedChain = 4902
)

// Short machine codes carried by ClassifiedError.Code
const (
	CodeTxSubmitted           = "tx_submitted"
	CodeMaybeSubmitted        = "tx_possibly_submitted"
	CodeSimulationUnavailable = "simulation_unavailable"
	CodeRejected              = "user_rejected"
	CodeCancelled             = "cancelled"
	CodeSwitchRejected        = "switch_rejected"
	CodeInsufficientFunds     = "insufficient_funds"
	CodeInsufficientAllowance = "insufficient_allowance"
	CodeWrongNetwork          = "wrong_network"
	CodeInvalidTransaction    = "invalid_transaction"
	CodeNoTransactions        = "no_transactions"
	CodeApprovalNotReflected  = "approval_not_reflected"
	CodeAddChainFailed        = "add_chain_failed"
	CodeTimeout               = "timeout"
	CodeTemporary             = "temporary"
	CodeUnknown               = "unknown"
)

// ClassifiedError is the normalized outcome of one failed call.
// Everything above the execution driver only sees this type.
type ClassifiedError struct {
	Category        Category
	CanRetry        bool
	RecoveredTxHash string
	Code            string
	Title           string
	Message         string
	NeedsFunds      bool
	// MaybeSubmitted marks a failure after which the transaction may be on
	// chain even though no hash is known
	MaybeSubmitted bool
	RetryAfter     time.Duration
	Cause          error
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Title
}

// Unwrap exposes the raw cause
func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// Recovered reports whether a submitted transaction hash was found in the failure
func (e *ClassifiedError) Recovered() bool {
	return e.RecoveredTxHash != ""
}

// Outcome resolves the error into one of the Outcome values
func (e *ClassifiedError) Outcome() Outcome {
	switch {
	case e.Recovered():
		return OutcomeSuccess
	case e.MaybeSubmitted:
		return OutcomeMaybeSubmitted
	case e.Category == CategoryUserAction:
		return OutcomeCancelled
	case e.CanRetry:
		return OutcomeRetryable
	}
	return OutcomeFatal
}

// New builds a classified error directly
func New(category Category, code, title, message string, cause error) *ClassifiedError {
	return &ClassifiedError{
		Category: category,
		CanRetry: category == CategoryTemporary || category == CategoryUnknown,
		Code:     code,
		Title:    title,
		Message:  message,
		Cause:    cause,
	}
}

// NewMaybeSubmitted reports a send whose transaction may already be in the
// mempool or mined. It is never retried.
func NewMaybeSubmitted(cause error) *ClassifiedError {
	return &ClassifiedError{
		Category:       CategoryUnknown,
		MaybeSubmitted: true,
		Code:           CodeMaybeSubmitted,
		Title:          "Transaction may have been submitted",
		Message:        "The network reports this transaction as already sent, but no hash was returned. Check your wallet activity before trying again.",
		Cause:          cause,
	}
}

// Fatal builds a blocked, non-retryable error
func Fatal(code, title, message string, cause error) *ClassifiedError {
	return &ClassifiedError{
		Category: CategoryBlocked,
		Code:     code,
		Title:    title,
		Message:  message,
		Cause:    cause,
	}
}

var (
	decodeFailurePhrases = []string{
		"abierrorsignaturenotfounderror",
		"encoded error signature",
		"not found on abi",
		"unrecognized error selector",
		"unknown error selector",
		"abidecodingzerodataerror",
		"abi: attempting to unmarshall",
		"abi: cannot unmarshal",
		"could not decode",
		"unable to decode",
	}

	rejectionPhrases = []string{
		"user rejected",
		"user denied",
		"user cancelled",
		"user canceled",
		"user disapproved",
		"rejected by user",
		"rejected the request",
		"request rejected",
		"denied transaction signature",
		"action_rejected",
	}

	fundsPhrases = []string{
		"insufficient funds",
		"insufficient balance",
		"exceeds balance",
		"not enough funds",
		"not enough balance",
		"gas required exceeds allowance",
		"intrinsic gas too low",
		"out of gas",
	}

	allowancePhrases = []string{
		"insufficient allowance",
		"exceeds allowance",
		"allowance too low",
	}

	networkPhrases = []string{
		"chain mismatch",
		"chainid mismatch",
		"chain id mismatch",
		"wrong network",
		"wrong chain",
		"does not match the target chain",
		"invalid chain id",
		"unsupported chain",
		"network changed",
		"current chain of the wallet",
	}

	alreadyKnownPhrases = []string{
		"already known",
		"known transaction",
		"already imported",
		"transaction already exists",
	}

	nonceConsumedPhrases = []string{
		"nonce too low",
		"nonce has already been used",
		"replacement transaction underpriced",
	}

	transportPhrases = []string{
		"connection reset",
		"broken pipe",
		"unexpected eof",
	}

	unknownChainPhrases = []string{
		"unrecognized chain",
		"unknown chain",
		"chain not added",
		"try adding the chain",
		"wallet_addethereumchain",
	}

	temporaryPhrases = []string{
		"timeout",
		"timed out",
		"rate limit",
		"too many requests",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"connection refused",
		"connection reset",
		"temporarily unavailable",
		"header not found",
		"nonce too low",
		"replacement transaction underpriced",
		"unexpected eof",
	}
)

// Classify resolves err. Order matters: a recoverable transaction hash wins
// over every other signal because the transaction was already broadcast.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	ce := classify(err)
	metrics.RecordClassified(string(ce.Category), ce.Code)
	log.Debug().
		Str("component", "classifier").
		Str("category", string(ce.Category)).
		Str("code", ce.Code).
		Bool("can_retry", ce.CanRetry).
		Str("recovered_hash", ce.RecoveredTxHash).
		Err(err).
		Msg("classified error")
	return ce
}

func classify(err error) *ClassifiedError {
	var already *ClassifiedError
	if errors.As(err, &already) {
		return already
	}

	if hash, ok := RecoverTxHash(err); ok {
		return &ClassifiedError{
			Category:        CategoryUnknown,
			RecoveredTxHash: hash,
			Code:            CodeTxSubmitted,
			Title:           "Transaction submitted",
			Message:         fmt.Sprintf("The wallet reported an error after broadcasting, but transaction %s was submitted.", hash),
			Cause:           err,
		}
	}

	switch {
	case errors.Is(err, txn.ErrNoTransactions):
		return Fatal(CodeNoTransactions, "Nothing to execute", "The service returned no transactions for this request.", err)
	case errors.Is(err, txn.ErrInvalidTransaction):
		return Fatal(CodeInvalidTransaction, "Invalid transaction", describe(err), err)
	case errors.Is(err, types.ErrAmbiguousBatch):
		return Fatal(CodeInvalidTransaction, "Invalid transaction plan", describe(err), err)
	}

	msg := strings.ToLower(describe(err))
	code, hasCode := ErrorCode(err)

	if containsAny(msg, alreadyKnownPhrases) {
		return NewMaybeSubmitted(err)
	}

	if containsAny(msg, decodeFailurePhrases) {
		return &ClassifiedError{
			Category: CategoryUnknown,
			Code:     CodeSimulationUnavailable,
			Title:    "Result could not be verified",
			Message:  "Your wallet could not simulate the result of this transaction. It may still have been submitted, so check your wallet activity before trying again.",
			Cause:    err,
		}
	}

	if errors.Is(err, context.Canceled) {
		return &ClassifiedError{
			Category: CategoryUserAction,
			Code:     CodeCancelled,
			Title:    "Operation cancelled",
			Message:  "The operation was cancelled before it finished.",
			Cause:    err,
		}
	}

	if (hasCode && code == CodeUserRejected) || containsAny(msg, rejectionPhrases) {
		return &ClassifiedError{
			Category: CategoryUserAction,
			Code:     CodeRejected,
			Title:    "Request cancelled",
			Message:  "You declined the request in your wallet.",
			Cause:    err,
		}
	}

	if containsAny(msg, fundsPhrases) {
		return &ClassifiedError{
			Category:   CategoryBlocked,
			Code:       CodeInsufficientFunds,
			Title:      "Insufficient funds",
			Message:    "Your balance is too low to cover this transaction and its network fee. Add funds and try again.",
			NeedsFunds: true,
			Cause:      err,
		}
	}

	if containsAny(msg, allowancePhrases) {
		return &ClassifiedError{
			Category: CategoryBlocked,
			Code:     CodeInsufficientAllowance,
			Title:    "Approval required",
			Message:  "The token allowance is too low for this transaction. Approve the token and try again.",
			Cause:    err,
		}
	}

	if containsAny(msg, networkPhrases) {
		return &ClassifiedError{
			Category: CategoryBlocked,
			Code:     CodeWrongNetwork,
			Title:    "Wrong network",
			Message:  "Your wallet is connected to a different network. Switch networks in your wallet and try again.",
			Cause:    err,
		}
	}

	var apiErr *types.APIError
	if errors.As(err, &apiErr) {
		return fromAPIError(apiErr, err)
	}

	if isTimeout(err) {
		return &ClassifiedError{
			Category: CategoryTemporary,
			CanRetry: true,
			Code:     CodeTimeout,
			Title:    "Request timed out",
			Message:  describe(err),
			Cause:    err,
		}
	}

	if (hasCode && code == -32005) || containsAny(msg, temporaryPhrases) {
		return &ClassifiedError{
			Category: CategoryTemporary,
			CanRetry: true,
			Code:     CodeTemporary,
			Title:    "Temporary problem",
			Message:  describe(err),
			Cause:    err,
		}
	}

	return &ClassifiedError{
		Category: CategoryUnknown,
		CanRetry: true,
		Code:     CodeUnknown,
		Title:    "Transaction failed",
		Message:  describe(err),
		Cause:    err,
	}
}

func fromAPIError(apiErr *types.APIError, cause error) *ClassifiedError {
	ce := &ClassifiedError{
		Code:       apiErr.Code,
		Title:      apiErr.Title,
		Message:    apiErr.Description,
		RetryAfter: apiErr.RetryAfter(),
		Cause:      cause,
	}
	if ce.Code == "" {
		ce.Code = CodeUnknown
	}
	if ce.Message == "" {
		ce.Message = apiErr.Error()
	}
	if ce.Title == "" {
		ce.Title = "Request failed"
	}

	switch normalizeCategory(apiErr.Category) {
	case CategoryUserAction:
		ce.Category = CategoryUserAction
	case CategoryTemporary:
		ce.Category, ce.CanRetry = CategoryTemporary, true
	case CategoryBlocked:
		ce.Category = CategoryBlocked
	case CategoryUnknown:
		ce.Category, ce.CanRetry = CategoryUnknown, true
	default:
		switch {
		case apiErr.Status == 408 || apiErr.Status == 429 || apiErr.Status >= 500:
			ce.Category, ce.CanRetry = CategoryTemporary, true
		case apiErr.Status >= 400:
			ce.Category = CategoryBlocked
		default:
			ce.Category, ce.CanRetry = CategoryUnknown, true
		}
	}
	return ce
}

func normalizeCategory(s string) Category {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "-")
	switch Category(s) {
	case CategoryUserAction, CategoryTemporary, CategoryBlocked, CategoryUnknown:
		return Category(s)
	}
	return ""
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ErrorCode returns the first provider error code in err's chain
func ErrorCode(err error) (int, bool) {
	var coded interface{ ErrorCode() int }
	if errors.As(err, &coded) {
		return coded.ErrorCode(), true
	}
	return 0, false
}

// IsUserRejection reports whether the user declined a wallet request
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := ErrorCode(err); ok && code == CodeUserRejected {
		return true
	}
	return containsAny(strings.ToLower(describe(err)), rejectionPhrases)
}

// IsNonceConsumed reports whether the node refused a send because its nonce
// is already taken
func IsNonceConsumed(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(strings.ToLower(describe(err)), nonceConsumedPhrases)
}

// MayHaveBroadcast reports whether a failed send could still have reached
// the network: the node already has it, or the reply was lost in transit.
func MayHaveBroadcast(err error) bool {
	if err == nil {
		return false
	}
	if isTimeout(err) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(describe(err))
	return containsAny(msg, alreadyKnownPhrases) || containsAny(msg, transportPhrases)
}

// IsUnknownChain reports whether a chain switch failed because the wallet
// does not know the chain
func IsUnknownChain(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := ErrorCode(err); ok && code == CodeUnrecognizedChain {
		return true
	}
	return containsAny(strings.ToLower(describe(err)), unknownChainPhrases)
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// describe returns the most specific text available for err
func describe(err error) string {
	if msg := strings.TrimSpace(errorString(err)); msg != "" && !opaque(msg) {
		return msg
	}
	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		if msg := strings.TrimSpace(errorString(e)); msg != "" && !opaque(msg) {
			return msg
		}
	}
	if b, jerr := json.Marshal(err); jerr == nil {
		if s := string(b); s != "{}" && s != "null" {
			return s
		}
	}
	return fmt.Sprintf("unexpected %T error", err)
}

func opaque(msg string) bool {
	switch msg {
	case "[object Object]", "{}", "<nil>", "null", "undefined":
		return true
	}
	return false
}
