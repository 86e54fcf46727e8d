package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	oneclick "github.com/defuse-protocol/one-click-sdk-go"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"

	"txflow/pkg/txn"
	"txflow/pkg/types"
)

// ERC20 transfer function ABI
const erc20TransferABI = `[{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

// oneClickChains maps EVM chain ids to 1Click blockchain names
var oneClickChains = map[types.ChainID]string{
	1:     "eth",
	10:    "op",
	56:    "bsc",
	137:   "pol",
	8453:  "base",
	42161: "arb",
	43114: "avax",
}

// OneClickBlockchain returns the 1Click blockchain name of an EVM chain
func OneClickBlockchain(id types.ChainID) (string, bool) {
	name, ok := oneClickChains[id]
	return name, ok
}

// OneClickBackend quotes through NEAR Intents 1Click. A quote carries a
// deposit address; executing it is a single transfer of the input amount
// to that address, reported back with SubmitDepositTx.
type OneClickBackend struct {
	client   *oneclick.APIClient
	jwtToken string
	transfer abi.ABI
	timeouts Timeouts

	mu     sync.Mutex
	tokens []oneclick.TokenResponse
	quotes map[string]*types.Quote
}

// OneClickOption configures a OneClickBackend
type OneClickOption func(*oneClickSettings)

type oneClickSettings struct {
	baseURL  string
	timeouts Timeouts
}

// WithOneClickTimeouts overrides the call bounds; zero values keep the defaults
func WithOneClickTimeouts(t Timeouts) OneClickOption {
	return func(s *oneClickSettings) {
		s.timeouts = mergeTimeouts(s.timeouts, t)
	}
}

// WithOneClickBaseURL points the SDK at another 1Click deployment
func WithOneClickBaseURL(url string) OneClickOption {
	return func(s *oneClickSettings) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// NewOneClickBackend creates a new 1Click API client
func NewOneClickBackend(jwtToken string, opts ...OneClickOption) (*OneClickBackend, error) {
	parsedABI, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	settings := oneClickSettings{timeouts: DefaultTimeouts()}
	for _, opt := range opts {
		opt(&settings)
	}

	sdkConfig := oneclick.NewConfiguration()
	if settings.baseURL != "" {
		sdkConfig.Servers = oneclick.ServerConfigurations{{URL: settings.baseURL}}
	}

	return &OneClickBackend{
		client:   oneclick.NewAPIClient(sdkConfig),
		jwtToken: jwtToken,
		transfer: parsedABI,
		timeouts: settings.timeouts,
		quotes:   make(map[string]*types.Quote),
	}, nil
}

// Timeouts returns the call bounds in effect
func (c *OneClickBackend) Timeouts() Timeouts {
	return c.timeouts
}

// authorize bounds ctx by limit and attaches the JWT
func (c *OneClickBackend) authorize(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, limit)
	return context.WithValue(ctx, oneclick.ContextAccessToken, c.jwtToken), cancel
}

// Tokens retrieves all supported tokens, cached for the client's lifetime
func (c *OneClickBackend) Tokens(ctx context.Context) ([]oneclick.TokenResponse, error) {
	c.mu.Lock()
	cached := c.tokens
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	ctx, cancel := c.authorize(ctx, c.timeouts.Quote)
	defer cancel()

	resp, httpResp, err := c.client.OneClickAPI.GetTokens(ctx).Execute()
	if err != nil {
		return nil, apiError(httpResp, fmt.Errorf("failed to get tokens: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, &types.APIError{Status: httpResp.StatusCode, Description: "failed to get tokens"}
	}

	c.mu.Lock()
	c.tokens = resp
	c.mu.Unlock()
	return resp, nil
}

// findToken searches for a token by symbol on a specific chain
func (c *OneClickBackend) findToken(ctx context.Context, symbol string, chainID types.ChainID) (*oneclick.TokenResponse, error) {
	blockchain, ok := OneClickBlockchain(chainID)
	if !ok {
		return nil, unsupported(fmt.Sprintf("chain %d is not supported by 1Click", chainID))
	}

	tokens, err := c.Tokens(ctx)
	if err != nil {
		return nil, err
	}

	for _, token := range tokens {
		if strings.EqualFold(token.GetSymbol(), symbol) && strings.EqualFold(token.GetBlockchain(), blockchain) {
			return &token, nil
		}
	}
	return nil, unsupported(fmt.Sprintf("token '%s' not found on chain '%s'", strings.ToUpper(symbol), blockchain))
}

// Quote generates a swap quote with a real deposit address
func (c *OneClickBackend) Quote(ctx context.Context, req types.QuoteRequest) (*types.Quote, error) {
	sourceToken, err := c.findToken(ctx, req.SourceToken, req.SourceChain)
	if err != nil {
		return nil, fmt.Errorf("source token error: %w", err)
	}
	destToken, err := c.findToken(ctx, req.DestToken, req.DestChain)
	if err != nil {
		return nil, fmt.Errorf("destination token error: %w", err)
	}

	decimals := int(sourceToken.GetDecimals())
	amount, err := txn.ParseUnits(req.Amount, decimals)
	if err != nil {
		return nil, err
	}

	recipient := req.Recipient
	if recipient == "" {
		recipient = req.SenderAddress
	}
	if recipient == "" {
		return nil, unsupported("recipient address is required")
	}

	// Calculate deadline (24 hours from now)
	deadline := time.Now().Add(24 * time.Hour)

	quoteReq := oneclick.NewQuoteRequest(
		false,                    // dry - false to get a real deposit address
		"EXACT_INPUT",            // swapType
		100,                      // slippageTolerance (1%)
		sourceToken.GetAssetId(), // originAsset
		"ORIGIN_CHAIN",           // depositType
		destToken.GetAssetId(),   // destinationAsset
		amount.String(),          // amount in smallest unit
		req.SenderAddress,        // refundTo
		"ORIGIN_CHAIN",           // refundType
		recipient,                // recipient
		"DESTINATION_CHAIN",      // recipientType
		deadline,                 // deadline
	)

	quoteCtx, cancel := c.authorize(ctx, c.timeouts.Quote)
	defer cancel()

	resp, httpResp, err := c.client.OneClickAPI.GetQuote(quoteCtx).QuoteRequest(*quoteReq).Execute()
	if err != nil {
		return nil, apiError(httpResp, fmt.Errorf("failed to get quote from API: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &types.APIError{Status: httpResp.StatusCode, Description: "quote request failed"}
	}
	if resp == nil {
		return nil, fmt.Errorf("empty quote response")
	}

	details := resp.GetQuote()
	quote := &types.Quote{
		ID:                 details.GetDepositAddress(),
		SourceChain:        req.SourceChain,
		DestChain:          req.DestChain,
		SourceToken:        strings.ToUpper(req.SourceToken),
		DestToken:          strings.ToUpper(req.DestToken),
		InputAmount:        req.Amount,
		InputAmountBase:    amount.String(),
		SourceDecimals:     decimals,
		EstimatedOutput:    details.GetAmountOutFormatted(),
		EstimatedSeconds:   int64(details.GetTimeEstimate()),
		DepositAddress:     details.GetDepositAddress(),
		DepositMemo:        details.GetDepositMemo(),
		SourceTokenAddress: sourceToken.GetContractAddress(),
		Request:            req,
	}
	if quote.DepositAddress == "" {
		return nil, fmt.Errorf("quote response has no deposit address")
	}

	c.mu.Lock()
	c.quotes[quote.ID] = quote
	c.mu.Unlock()

	log.Debug().
		Str("component", "backend").
		Str("deposit_address", quote.DepositAddress).
		Str("amount_out", quote.EstimatedOutput).
		Msg("1Click quote received")
	return quote, nil
}

// Prepare builds the deposit transfer for a previously returned quote
func (c *OneClickBackend) Prepare(_ context.Context, req types.PrepareRequest) (*types.PreparedBatch, error) {
	c.mu.Lock()
	quote, ok := c.quotes[req.QuoteID]
	c.mu.Unlock()
	if !ok {
		return nil, unsupported(fmt.Sprintf("unknown quote %q, request a new quote", req.QuoteID))
	}
	if !common.IsHexAddress(quote.DepositAddress) {
		return nil, unsupported(fmt.Sprintf("deposit address %s is not an EVM address", quote.DepositAddress))
	}

	amount, ok := new(big.Int).SetString(req.AmountWei, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, unsupported(fmt.Sprintf("invalid deposit amount %q", req.AmountWei))
	}

	tx := types.PreparedTx{
		From:    req.Sender,
		ChainID: quote.SourceChain,
	}
	if token := quote.SourceTokenAddress; token != "" && common.IsHexAddress(token) {
		data, err := c.transfer.Pack("transfer", common.HexToAddress(quote.DepositAddress), amount)
		if err != nil {
			return nil, fmt.Errorf("failed to pack transfer data: %w", err)
		}
		tx.To = token
		tx.Data = hexutil.Encode(data)
		tx.Value = types.QuantityFromUint64(0)
	} else {
		tx.To = quote.DepositAddress
		tx.Data = "0x"
		tx.Value = types.QuantityFromBig(amount)
	}

	return &types.PreparedBatch{
		ChainID:      quote.SourceChain,
		Transactions: []types.PreparedTx{tx},
	}, nil
}

// RequestAction is not offered by 1Click
func (c *OneClickBackend) RequestAction(context.Context, types.ActionRequest) (*types.ActionResponse, error) {
	return nil, unsupported("named actions are not supported by the 1Click backend")
}

// Status checks the execution status of a swap. ref is the quote's deposit address.
func (c *OneClickBackend) Status(ctx context.Context, ref string, chainID types.ChainID) (*types.TxStatus, error) {
	ctx, cancel := c.authorize(ctx, c.timeouts.Status)
	defer cancel()

	resp, httpResp, err := c.client.OneClickAPI.GetExecutionStatus(ctx).DepositAddress(ref).Execute()
	if err != nil {
		return nil, apiError(httpResp, fmt.Errorf("failed to get status: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, &types.APIError{Status: httpResp.StatusCode, Description: "status request failed"}
	}

	status := &types.TxStatus{
		Hash:    ref,
		ChainID: chainID,
		Status:  strings.ToLower(string(resp.GetStatus())),
	}
	details := resp.GetSwapDetails()
	if origin := details.GetOriginChainTxHashes(); len(origin) > 0 {
		status.Hash = origin[0].GetHash()
	}
	if dest := details.GetDestinationChainTxHashes(); len(dest) > 0 {
		status.Message = fmt.Sprintf("received %s (tx %s)", details.GetAmountOutFormatted(), dest[0].GetHash())
	}
	return status, nil
}

// NotifyDeposit submits the deposit transaction hash so 1Click can pick the
// deposit up without waiting for its own indexer
func (c *OneClickBackend) NotifyDeposit(ctx context.Context, quote *types.Quote, results []types.TxResult) error {
	if quote == nil || len(results) == 0 {
		return nil
	}
	hash := results[len(results)-1].TxHash
	req := oneclick.NewSubmitDepositTxRequest(hash, quote.DepositAddress)

	ctx, cancel := c.authorize(ctx, c.timeouts.Prepare)
	defer cancel()

	_, httpResp, err := c.client.OneClickAPI.SubmitDepositTx(ctx).SubmitDepositTxRequest(*req).Execute()
	if err != nil {
		return apiError(httpResp, fmt.Errorf("failed to submit deposit: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusCreated {
		return &types.APIError{Status: httpResp.StatusCode, Description: "deposit submission failed"}
	}
	return nil
}

// apiError extracts the actual error message from a failed SDK response
func apiError(httpResp *http.Response, err error) error {
	if httpResp == nil {
		return err
	}
	defer httpResp.Body.Close()

	apiErr := &types.APIError{Status: httpResp.StatusCode, Description: err.Error()}
	bodyBytes, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil || len(bodyBytes) == 0 {
		return apiErr
	}

	var errorResp map[string]interface{}
	if jsonErr := json.Unmarshal(bodyBytes, &errorResp); jsonErr == nil {
		if message, ok := errorResp["message"].(string); ok {
			apiErr.Description = message
			return apiErr
		}
		if errs, ok := errorResp["errors"]; ok {
			apiErr.Description = fmt.Sprintf("%v", errs)
			return apiErr
		}
	}
	apiErr.Description = string(bodyBytes)
	return apiErr
}

func unsupported(msg string) error {
	return &types.APIError{Code: "unsupported", Category: "blocked", Title: "Not supported", Description: msg}
}
