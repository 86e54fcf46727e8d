package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ChainID is a numeric EVM chain id. It decodes from a JSON number,
// a decimal string or a 0x-prefixed hex string.
type ChainID int64

// Hex returns the injected-provider encoding of the chain id
func (c ChainID) Hex() string {
	return "0x" + strconv.FormatInt(int64(c), 16)
}

// String implements fmt.Stringer
func (c ChainID) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// ParseChainID parses "8453", "0x2105" or similar
func ParseChainID(s string) (ChainID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty chain id")
	}
	var (
		v   int64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseInt(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseInt(s, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid chain id %q: %w", s, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid chain id %q: must be positive", s)
	}
	return ChainID(v), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (c *ChainID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*c = 0
			return nil
		}
		id, err := ParseChainID(s)
		if err != nil {
			return err
		}
		*c = id
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chain id %s: %w", string(data), err)
	}
	*c = ChainID(v)
	return nil
}

// PreparedTx is one unsigned transaction descriptor returned by the backend
type PreparedTx struct {
	From                 string   `json:"from,omitempty"`
	To                   string   `json:"to"`
	Data                 string   `json:"data,omitempty"`
	Value                Quantity `json:"value"`
	ChainID              ChainID  `json:"chainId,omitempty"`
	GasLimit             Quantity `json:"gasLimit"`
	MaxFeePerGas         Quantity `json:"maxFeePerGas"`
	MaxPriorityFeePerGas Quantity `json:"maxPriorityFeePerGas"`

	// Step is the name of the step the transaction was flattened from
	Step string `json:"-"`
}

// UnmarshalJSON also accepts "gas" as an alias of "gasLimit"
func (t *PreparedTx) UnmarshalJSON(data []byte) error {
	type plain PreparedTx
	aux := struct {
		*plain
		Gas Quantity `json:"gas"`
	}{plain: (*plain)(t)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if t.GasLimit.IsEmpty() && !aux.Gas.IsEmpty() {
		t.GasLimit = aux.Gas
	}
	return nil
}

// Step is a named group of transactions in a prepared batch
type Step struct {
	Name         string       `json:"name"`
	ChainID      ChainID      `json:"chainId,omitempty"`
	Transactions []PreparedTx `json:"transactions"`
}

// PreparedBatch is the full unsigned plan for one user action: either a flat
// list of transactions or a list of steps.
type PreparedBatch struct {
	ChainID      ChainID      `json:"chainId,omitempty"`
	Transactions []PreparedTx `json:"transactions,omitempty"`
	Steps        []Step       `json:"steps,omitempty"`
}

// ErrAmbiguousBatch is returned when a batch carries both steps and a flat list
var ErrAmbiguousBatch = errors.New("prepared batch has both steps and transactions")

// UnmarshalJSON accepts a bare array of transactions or an object
// with either "transactions" (alias "txs") or "steps".
func (b *PreparedBatch) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = PreparedBatch{}
		return nil
	}

	if data[0] == '[' {
		var txs []PreparedTx
		if err := json.Unmarshal(data, &txs); err != nil {
			return fmt.Errorf("failed to decode transaction list: %w", err)
		}
		*b = PreparedBatch{Transactions: txs}
		return nil
	}

	var aux struct {
		ChainID      ChainID      `json:"chainId"`
		Transactions []PreparedTx `json:"transactions"`
		Txs          []PreparedTx `json:"txs"`
		Steps        []Step       `json:"steps"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to decode prepared batch: %w", err)
	}

	flat := aux.Transactions
	if len(flat) == 0 {
		flat = aux.Txs
	}
	if len(flat) > 0 && len(aux.Steps) > 0 {
		return ErrAmbiguousBatch
	}

	*b = PreparedBatch{
		ChainID:      aux.ChainID,
		Transactions: flat,
		Steps:        aux.Steps,
	}
	return nil
}

// TxResult is one submitted transaction
type TxResult struct {
	TxHash    string  `json:"txHash"`
	ChainID   ChainID `json:"chainId"`
	Step      string  `json:"step,omitempty"`
	Recovered bool    `json:"recovered,omitempty"`
}

// TxStatus is the confirmation state reported by the status endpoint
type TxStatus struct {
	Hash          string  `json:"hash"`
	ChainID       ChainID `json:"chainId"`
	Status        string  `json:"status"`
	Confirmations uint64  `json:"confirmations,omitempty"`
	BlockNumber   uint64  `json:"blockNumber,omitempty"`
	Message       string  `json:"message,omitempty"`
}
