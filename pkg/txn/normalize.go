// Package txn turns backend transaction descriptors into executable
// transactions and flattens prepared batches into an ordered queue.
package txn

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"txflow/pkg/types"
)

var (
	addressPattern     = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	dataPattern        = regexp.MustCompile(`^0x([0-9a-fA-F]{2})*$`)
	hexQuantityPattern = regexp.MustCompile(`^0[xX][0-9a-fA-F]+$`)
)

// ErrInvalidTransaction marks malformed transaction input. It is never retried.
var ErrInvalidTransaction = errors.New("invalid transaction")

// InputError describes which field of a transaction was malformed
type InputError struct {
	Field  string
	Value  string
	Reason string
}

// Error implements the error interface
func (e *InputError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid transaction %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid transaction %s %q: %s", e.Field, e.Value, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidTransaction
func (e *InputError) Unwrap() error {
	return ErrInvalidTransaction
}

// ExecutableTx is a canonical transaction in injected-provider field naming.
// Quantities are 0x-hex strings; empty means "let the signer decide".
type ExecutableTx struct {
	From                 string `json:"from,omitempty"`
	To                   string `json:"to"`
	Data                 string `json:"data"`
	Value                string `json:"value,omitempty"`
	Gas                  string `json:"gas,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
	Nonce                string `json:"nonce,omitempty"`

	ChainID types.ChainID `json:"-"`
	Step    string        `json:"-"`
}

// Normalize validates a prepared transaction and converts every quantity to hex.
// It performs no I/O.
func Normalize(tx types.PreparedTx) (ExecutableTx, error) {
	to := strings.TrimSpace(tx.To)
	if !addressPattern.MatchString(to) {
		return ExecutableTx{}, &InputError{Field: "to", Value: tx.To, Reason: "must be a 0x-prefixed 20-byte hex address"}
	}

	from := strings.TrimSpace(tx.From)
	if from != "" && !addressPattern.MatchString(from) {
		return ExecutableTx{}, &InputError{Field: "from", Value: tx.From, Reason: "must be a 0x-prefixed 20-byte hex address"}
	}

	data := strings.TrimSpace(tx.Data)
	if data == "" {
		data = "0x"
	}
	if !dataPattern.MatchString(data) {
		return ExecutableTx{}, &InputError{Field: "data", Value: abbreviate(tx.Data), Reason: "must be 0x-prefixed hex with an even number of digits"}
	}

	if tx.ChainID <= 0 {
		return ExecutableTx{}, &InputError{Field: "chainId", Reason: "missing target chain"}
	}

	out := ExecutableTx{
		From:    from,
		To:      to,
		Data:    data,
		ChainID: tx.ChainID,
		Step:    tx.Step,
	}

	var err error
	if out.Value, err = NormalizeQuantity("value", tx.Value); err != nil {
		return ExecutableTx{}, err
	}
	if out.Gas, err = NormalizeQuantity("gasLimit", tx.GasLimit); err != nil {
		return ExecutableTx{}, err
	}
	if out.MaxFeePerGas, err = NormalizeQuantity("maxFeePerGas", tx.MaxFeePerGas); err != nil {
		return ExecutableTx{}, err
	}
	if out.MaxPriorityFeePerGas, err = NormalizeQuantity("maxPriorityFeePerGas", tx.MaxPriorityFeePerGas); err != nil {
		return ExecutableTx{}, err
	}

	return out, nil
}

// NormalizeQuantity applies the coercion rule to one field:
// absent or empty gives "", 0x-prefixed strings pass through unchanged,
// anything else must be a non-negative base-10 integer and is re-encoded as hex.
func NormalizeQuantity(field string, q types.Quantity) (string, error) {
	if q.IsEmpty() {
		return "", nil
	}

	switch q.Kind() {
	case types.KindBig:
		v := q.Big()
		if v.Sign() < 0 {
			return "", &InputError{Field: field, Value: v.String(), Reason: "must not be negative"}
		}
		return hexutil.EncodeBig(v), nil

	case types.KindString:
		text := strings.TrimSpace(q.Text())
		if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
			if !hexQuantityPattern.MatchString(text) {
				return "", &InputError{Field: field, Value: text, Reason: "malformed hex quantity"}
			}
			return text, nil
		}
		return decimalToHex(field, text)

	case types.KindNumber:
		return decimalToHex(field, q.Text())
	}

	return "", &InputError{Field: field, Value: q.Text(), Reason: "unsupported quantity"}
}

func decimalToHex(field, text string) (string, error) {
	v, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return "", &InputError{Field: field, Value: text, Reason: "not a base-10 integer"}
	}
	if v.Sign() < 0 {
		return "", &InputError{Field: field, Value: text, Reason: "must not be negative"}
	}
	return hexutil.EncodeBig(v), nil
}

func abbreviate(s string) string {
	if len(s) <= 24 {
		return s
	}
	return s[:24] + "..."
}
