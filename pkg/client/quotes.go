package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"txflow/pkg/metrics"
	"txflow/pkg/types"
)

// ErrStaleQuote is returned for a quote response that a newer request superseded
var ErrStaleQuote = errors.New("quote superseded by a newer request")

// QuoteFunc fetches one quote
type QuoteFunc func(ctx context.Context, req types.QuoteRequest) (*types.Quote, error)

// QuoteTracker makes sure only the latest quote request can produce a quote.
// Starting a request cancels the one in flight, and any response that arrives
// for an older request is discarded.
type QuoteTracker struct {
	fetch   QuoteFunc
	limiter *rate.Limiter
	latest  atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewQuoteTracker paces fetch to at most one request per interval
func NewQuoteTracker(fetch QuoteFunc, interval time.Duration) *QuoteTracker {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &QuoteTracker{
		fetch:   fetch,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Request fetches a quote for req on behalf of the newest caller
func (t *QuoteTracker) Request(ctx context.Context, req types.QuoteRequest) (*types.Quote, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// token and cancel func change together
	t.mu.Lock()
	token := t.latest.Add(1)
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel = cancel
	t.mu.Unlock()

	if err := t.limiter.Wait(ctx); err != nil {
		if t.stale(token) {
			return nil, ErrStaleQuote
		}
		return nil, err
	}

	quote, err := t.fetch(ctx, req)
	if t.stale(token) {
		metrics.RecordDiscardedQuote()
		log.Debug().
			Str("component", "quotes").
			Uint64("token", token).
			Uint64("latest", t.latest.Load()).
			Msg("discarding stale quote response")
		return nil, ErrStaleQuote
	}
	return quote, err
}

// Token returns the token of the newest request
func (t *QuoteTracker) Token() uint64 {
	return t.latest.Load()
}

func (t *QuoteTracker) stale(token uint64) bool {
	return t.latest.Load() != token
}
