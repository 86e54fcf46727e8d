package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// QuantityKind tags how a Quantity arrived
type QuantityKind int

const (
	KindAbsent QuantityKind = iota
	KindString
	KindNumber
	KindBig
)

// Quantity holds a value or gas field exactly as the backend sent it.
// It never coerces; the transaction normalizer decides what the literal means.
type Quantity struct {
	kind QuantityKind
	text string
	big  *big.Int
}

// NewQuantity wraps a string literal (decimal or 0x-prefixed hex)
func NewQuantity(s string) Quantity {
	return Quantity{kind: KindString, text: s}
}

// QuantityFromUint64 wraps a plain number
func QuantityFromUint64(v uint64) Quantity {
	return Quantity{kind: KindNumber, text: strconv.FormatUint(v, 10)}
}

// QuantityFromBig wraps an arbitrary-precision integer
func QuantityFromBig(v *big.Int) Quantity {
	if v == nil {
		return Quantity{}
	}
	return Quantity{kind: KindBig, big: new(big.Int).Set(v)}
}

// Kind reports how the quantity was supplied
func (q Quantity) Kind() QuantityKind {
	return q.kind
}

// IsEmpty reports whether the field is absent or an empty string
func (q Quantity) IsEmpty() bool {
	switch q.kind {
	case KindAbsent:
		return true
	case KindString:
		return strings.TrimSpace(q.text) == ""
	case KindBig:
		return q.big == nil
	}
	return false
}

// Text returns the literal as received
func (q Quantity) Text() string {
	if q.kind == KindBig && q.big != nil {
		return q.big.String()
	}
	return q.text
}

// Big returns the integer for KindBig quantities, nil otherwise
func (q Quantity) Big() *big.Int {
	if q.kind != KindBig || q.big == nil {
		return nil
	}
	return new(big.Int).Set(q.big)
}

// String implements fmt.Stringer
func (q Quantity) String() string {
	if q.kind == KindAbsent {
		return "<absent>"
	}
	return q.Text()
}

// UnmarshalJSON accepts a JSON string, a JSON number or null
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*q = Quantity{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*q = NewQuantity(s)
		return nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		// Keep the literal untouched so large integers do not pass through float64
		*q = Quantity{kind: KindNumber, text: string(data)}
		return nil
	}

	return fmt.Errorf("quantity must be a string or number, got %s", string(data))
}

// MarshalJSON writes the literal back in its original JSON form
func (q Quantity) MarshalJSON() ([]byte, error) {
	switch q.kind {
	case KindString:
		return json.Marshal(q.text)
	case KindNumber:
		return []byte(q.text), nil
	case KindBig:
		if q.big == nil {
			return []byte("null"), nil
		}
		return []byte(q.big.String()), nil
	}
	return []byte("null"), nil
}
