package types

import (
	"strings"
	"time"
)

// QuoteRequest represents a user's swap intent
type QuoteRequest struct {
	SourceChain   ChainID `json:"sourceChain"`
	DestChain     ChainID `json:"destChain"`
	SourceToken   string  `json:"sourceToken"`
	DestToken     string  `json:"destToken"`
	Amount        string  `json:"amount"`
	SenderAddress string  `json:"senderAddress"`
	Recipient     string  `json:"recipient,omitempty"`
}

// Fee is one line of a quote's fee breakdown
type Fee struct {
	Name   string `json:"name"`
	Amount string `json:"amount"`
	Token  string `json:"token,omitempty"`
	USD    string `json:"usd,omitempty"`
}

// Quote is an immutable price snapshot for one QuoteRequest
type Quote struct {
	ID                 string  `json:"id,omitempty"`
	SourceChain        ChainID `json:"sourceChain"`
	DestChain          ChainID `json:"destChain"`
	SourceToken        string  `json:"sourceToken"`
	DestToken          string  `json:"destToken"`
	InputAmount        string  `json:"amount"`
	InputAmountBase    string  `json:"amountIn,omitempty"`
	SourceDecimals     int     `json:"sourceDecimals,omitempty"`
	EstimatedOutput    string  `json:"estimatedOutput"`
	Fees               []Fee   `json:"fees,omitempty"`
	EstimatedSeconds   int64   `json:"estimatedDurationSeconds,omitempty"`
	DepositAddress     string  `json:"depositAddress,omitempty"`
	DepositMemo        string  `json:"depositMemo,omitempty"`
	SourceTokenAddress string  `json:"sourceTokenAddress,omitempty"`

	// Request is the input the quote was priced for
	Request QuoteRequest `json:"-"`
}

// EstimatedDuration returns the estimated completion time
func (q *Quote) EstimatedDuration() time.Duration {
	return time.Duration(q.EstimatedSeconds) * time.Second
}

// Matches reports whether the quote is still valid for req.
// Any change of amount, token or chain invalidates a quote.
func (q *Quote) Matches(req QuoteRequest) bool {
	r := q.Request
	return r.SourceChain == req.SourceChain &&
		r.DestChain == req.DestChain &&
		strings.EqualFold(r.SourceToken, req.SourceToken) &&
		strings.EqualFold(r.DestToken, req.DestToken) &&
		strings.TrimSpace(r.Amount) == strings.TrimSpace(req.Amount) &&
		strings.EqualFold(r.SenderAddress, req.SenderAddress)
}

// PrepareRequest asks the backend to build the unsigned transactions for a quote
type PrepareRequest struct {
	SourceChain ChainID `json:"sourceChain"`
	DestChain   ChainID `json:"destChain"`
	SourceToken string  `json:"sourceToken"`
	DestToken   string  `json:"destToken"`
	AmountWei   string  `json:"amountWei"`
	Sender      string  `json:"sender"`
	QuoteID     string  `json:"quoteId,omitempty"`
}

// ActionKind tags an action response
type ActionKind string

const (
	ActionKindApproval ActionKind = "approval"
	ActionKindAction   ActionKind = "action"
)

// ActionRequest asks the backend for the transactions of a named action (e.g. unstake)
type ActionRequest struct {
	Action  string            `json:"action"`
	ChainID ChainID           `json:"chainId"`
	Sender  string            `json:"sender"`
	Params  map[string]string `json:"params,omitempty"`
}

// ActionResponse is either an approval precursor or the real action
type ActionResponse struct {
	Kind             ActionKind    `json:"kind"`
	RequiresApproval bool          `json:"requiresApproval,omitempty"`
	Batch            PreparedBatch `json:"batch"`
	Message          string        `json:"message,omitempty"`
}

// IsApproval reports whether the response is an approval step
func (r *ActionResponse) IsApproval() bool {
	return r.Kind == ActionKindApproval || r.RequiresApproval
}
