// Package dexrouter simulates quote fetching and trade execution against a
// closed set of competing venues. Quotes carry a configured latency floor
// and a bounded symmetric price variance; execution perturbs the expected
// price by a small slippage variance and mints a settlement reference.
package dexrouter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/dexroute/swapd/pkg/metrics"
	"github.com/dexroute/swapd/pkg/models"
)

// Venue identifiers, in fixed priority order. On an exact price tie the
// venue listed earlier wins.
const (
	VenueRaydium = "raydium"
	VenueMeteora = "meteora"
)

// DefaultVenues is the closed venue set queried per quote request.
var DefaultVenues = []string{VenueRaydium, VenueMeteora}

// fallbackBaseRate prices pairs outside the known table so the router never
// errors on an unrecognized pair.
const fallbackBaseRate = 1.0

var baseRates = map[string]float64{
	"SOL-USDC": 100,
	"SOL-USDT": 100,
	"ETH-USDC": 2500,
	"BTC-USDC": 45000,
}

// Config tunes the simulation. None of it affects selection determinism.
type Config struct {
	QuoteLatency     time.Duration // latency floor per venue quote
	ExecutionLatency time.Duration // fixed execution delay
	PriceVariance    float64       // symmetric quote variance bound, e.g. 0.05
	SlippageVariance float64       // symmetric execution variance bound, e.g. 0.002
}

// Router fans quote requests out to every venue and selects the best price.
type Router struct {
	cfg    Config
	venues []string
	logger *zap.Logger
}

// New creates a Router over the default venue set.
func New(cfg Config, logger *zap.Logger) *Router {
	return &Router{cfg: cfg, venues: DefaultVenues, logger: logger.Named("dexrouter")}
}

// GetBestQuote queries all venues concurrently and returns the quote with
// the strictly highest price; exact ties resolve to the venue earliest in
// the priority order. Unknown pairs quote at the fallback base rate.
func (r *Router) GetBestQuote(ctx context.Context, tokenIn, tokenOut string, amount float64) (models.Quote, error) {
	r.logger.Info("fetching venue quotes",
		zap.String("token_in", tokenIn),
		zap.String("token_out", tokenOut),
		zap.Float64("amount", amount))

	quotes := make([]models.Quote, len(r.venues))
	errs := make([]error, len(r.venues))
	done := make(chan int, len(r.venues))

	for i, venue := range r.venues {
		go func(i int, venue string) {
			quotes[i], errs[i] = r.fetchQuote(ctx, venue, tokenIn, tokenOut, amount)
			done <- i
		}(i, venue)
	}
	for range r.venues {
		<-done
	}
	for _, err := range errs {
		if err != nil {
			return models.Quote{}, err
		}
	}

	best := selectBest(quotes)
	r.logger.Info("selected venue",
		zap.String("venue", best.Venue),
		zap.Float64("price", best.Price))
	return best, nil
}

// selectBest picks the strictly highest price, keeping the earlier venue on
// an exact tie. The input slice is ordered by venue priority.
func selectBest(quotes []models.Quote) models.Quote {
	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.Price > best.Price {
			best = q
		}
	}
	return best
}

func (r *Router) fetchQuote(ctx context.Context, venue, tokenIn, tokenOut string, amount float64) (models.Quote, error) {
	start := time.Now()

	if err := sleepCtx(ctx, r.cfg.QuoteLatency); err != nil {
		return models.Quote{}, err
	}

	base := baseRates[tokenIn+"-"+tokenOut]
	if base == 0 {
		base = fallbackBaseRate
	}

	variance := (mrand.Float64()*2 - 1) * r.cfg.PriceVariance
	price := base * amount * (1 + variance)

	latency := time.Since(start)
	metrics.QuoteLatency.WithLabelValues(venue).Observe(latency.Seconds())

	return models.Quote{Venue: venue, Price: price, Latency: latency}, nil
}

// ExecuteOrder simulates trade execution against the chosen venue. The
// executed price deviates from expectedPrice by at most the configured
// slippage variance; the settlement reference is unique per call. Execution
// itself cannot fail; order failure is driven by the pipeline's checks.
func (r *Router) ExecuteOrder(ctx context.Context, venue, tokenIn, tokenOut string, amount, expectedPrice float64) (models.Execution, error) {
	r.logger.Info("executing order on venue",
		zap.String("venue", venue),
		zap.String("token_in", tokenIn),
		zap.String("token_out", tokenOut),
		zap.Float64("amount", amount))

	if err := sleepCtx(ctx, r.cfg.ExecutionLatency); err != nil {
		return models.Execution{}, err
	}

	txHash, err := newTxHash()
	if err != nil {
		return models.Execution{}, err
	}

	slippage := (mrand.Float64()*2 - 1) * r.cfg.SlippageVariance
	executed := expectedPrice * (1 + slippage)

	r.logger.Info("order executed",
		zap.String("tx_hash", txHash),
		zap.Float64("executed_price", executed))
	return models.Execution{TxHash: txHash, ExecutedPrice: executed}, nil
}

// newTxHash mints a 0x-prefixed 64-hex-char settlement reference.
func newTxHash() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating settlement reference: %w", err)
	}
	return "0x" + hex.EncodeToString(buf), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
