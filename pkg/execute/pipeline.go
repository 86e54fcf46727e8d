package execute

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"txflow/pkg/classify"
	"txflow/pkg/client"
	"txflow/pkg/retry"
	"txflow/pkg/telemetry"
	"txflow/pkg/txn"
	"txflow/pkg/types"
)

var (
	// ErrCannotSubmit is returned for requests that are not ready to be quoted
	ErrCannotSubmit = errors.New("enter an amount greater than zero and choose both tokens and chains")

	// ErrQuoteStale is returned when executing a quote priced for different inputs
	ErrQuoteStale = errors.New("the quote no longer matches the request, get a new quote")
)

const defaultDecimals = 18

// Pipeline wires quoting, preparation and execution together
type Pipeline struct {
	backend client.Backend
	driver  *Driver
	twoStep *TwoStep
	quotes  *client.QuoteTracker
	policy  retry.Policy
}

// PipelineOption configures a Pipeline
type PipelineOption func(*pipelineConfig)

type pipelineConfig struct {
	quoteInterval time.Duration
	settleDelay   time.Duration
	policy        retry.Policy
}

// WithQuoteInterval paces quote requests
func WithQuoteInterval(d time.Duration) PipelineOption {
	return func(c *pipelineConfig) {
		c.quoteInterval = d
	}
}

// WithSettleDelay sets the wait between an approval and the re-request
func WithSettleDelay(d time.Duration) PipelineOption {
	return func(c *pipelineConfig) {
		c.settleDelay = d
	}
}

// WithBackendRetryPolicy sets the policy for backend calls
func WithBackendRetryPolicy(p retry.Policy) PipelineOption {
	return func(c *pipelineConfig) {
		c.policy = p
	}
}

// NewPipeline creates a pipeline over backend and driver
func NewPipeline(backend client.Backend, driver *Driver, opts ...PipelineOption) *Pipeline {
	cfg := pipelineConfig{
		quoteInterval: 250 * time.Millisecond,
		settleDelay:   4 * time.Second,
		policy:        retry.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Pipeline{
		backend: backend,
		driver:  driver,
		policy:  cfg.policy,
	}
	p.twoStep = NewTwoStep(backend, driver, cfg.settleDelay)
	p.twoStep.policy = cfg.policy
	p.quotes = client.NewQuoteTracker(func(ctx context.Context, req types.QuoteRequest) (*types.Quote, error) {
		return retry.DoValue(ctx, p.policy, func(ctx context.Context) (*types.Quote, error) {
			return backend.Quote(ctx, req)
		})
	}, cfg.quoteInterval)
	return p
}

// CanSubmit reports whether req is complete enough to quote
func CanSubmit(req types.QuoteRequest) bool {
	return txn.IsPositiveAmount(req.Amount) &&
		strings.TrimSpace(req.SourceToken) != "" &&
		strings.TrimSpace(req.DestToken) != "" &&
		req.SourceChain > 0 &&
		req.DestChain > 0
}

// Quote prices req. Incomplete requests never reach the backend.
func (p *Pipeline) Quote(ctx context.Context, req types.QuoteRequest) (*types.Quote, error) {
	if !CanSubmit(req) {
		return nil, ErrCannotSubmit
	}

	ctx, span := telemetry.Tracer().Start(ctx, "quote", trace.WithAttributes(
		attribute.Int64("source_chain", int64(req.SourceChain)),
		attribute.Int64("dest_chain", int64(req.DestChain)),
	))
	defer span.End()

	quote, err := p.quotes.Request(ctx, req)
	if err != nil {
		if errors.Is(err, client.ErrStaleQuote) {
			return nil, err
		}
		ce := classify.Classify(err)
		telemetry.RecordError(ctx, ce)
		return nil, ce
	}
	if quote == nil {
		return nil, classify.Classify(fmt.Errorf("empty quote response"))
	}
	quote.Request = req
	return quote, nil
}

// Execute prepares and submits quote. req is the caller's current input;
// a quote priced for anything else is refused.
func (p *Pipeline) Execute(ctx context.Context, req types.QuoteRequest, quote *types.Quote) ([]types.TxResult, error) {
	if quote == nil || !quote.Matches(req) {
		return nil, ErrQuoteStale
	}

	ctx, span := telemetry.Tracer().Start(ctx, "execute_quote", trace.WithAttributes(attribute.String("quote_id", quote.ID)))
	defer span.End()
	logger := log.With().Str("component", "pipeline").Str("quote_id", quote.ID).Logger()

	amount, err := baseAmount(quote, req)
	if err != nil {
		return nil, classify.Fatal(classify.CodeInvalidTransaction, "Invalid amount", err.Error(), err)
	}

	prepareReq := types.PrepareRequest{
		SourceChain: req.SourceChain,
		DestChain:   req.DestChain,
		SourceToken: req.SourceToken,
		DestToken:   req.DestToken,
		AmountWei:   amount.String(),
		Sender:      req.SenderAddress,
		QuoteID:     quote.ID,
	}

	batch, err := retry.DoValue(ctx, p.policy, func(ctx context.Context) (*types.PreparedBatch, error) {
		batch, err := p.backend.Prepare(ctx, prepareReq)
		if err == nil && batch == nil {
			return nil, txn.ErrNoTransactions
		}
		return batch, err
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	if batch.ChainID == 0 {
		batch.ChainID = req.SourceChain
	}

	queue, err := txn.Flatten(*batch)
	if err != nil {
		return nil, classify.Classify(err)
	}
	logger.Info().Int("transactions", len(queue)).Str("amount_wei", amount.String()).Msg("prepared")

	results, err := p.driver.Execute(ctx, queue)
	if err != nil {
		return results, err
	}

	if notifier, ok := p.backend.(client.DepositNotifier); ok {
		if err := notifier.NotifyDeposit(ctx, quote, results); err != nil {
			// the deposit is on chain; the backend will still find it
			logger.Warn().Err(err).Msg("failed to notify backend of deposit")
		}
	}
	return results, nil
}

// RunAction runs a named action through the two-step protocol
func (p *Pipeline) RunAction(ctx context.Context, req types.ActionRequest) (*ActionResult, error) {
	return p.twoStep.Run(ctx, req)
}

// Status asks the backend about a submitted transaction
func (p *Pipeline) Status(ctx context.Context, hash string, chainID types.ChainID) (*types.TxStatus, error) {
	return retry.DoValue(ctx, p.policy, func(ctx context.Context) (*types.TxStatus, error) {
		return p.backend.Status(ctx, hash, chainID)
	})
}

// baseAmount is the input amount in the source token's smallest unit
func baseAmount(quote *types.Quote, req types.QuoteRequest) (*big.Int, error) {
	if s := strings.TrimSpace(quote.InputAmountBase); s != "" {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok || v.Sign() <= 0 {
			return nil, fmt.Errorf("invalid quoted amount %q", s)
		}
		return v, nil
	}

	decimals := quote.SourceDecimals
	if decimals <= 0 {
		decimals = defaultDecimals
	}
	amount := quote.InputAmount
	if amount == "" {
		amount = req.Amount
	}
	v, err := txn.ParseUnits(amount, decimals)
	if err != nil {
		return nil, err
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be greater than zero")
	}
	return v, nil
}
