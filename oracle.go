package custody

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"
)

// MaxQuoteAge is the freshness window of an oracle quote.
const MaxQuoteAge = time.Hour

// Quote is a price reported by a feed, with Decimals fractional digits.
type Quote struct {
	Price     *big.Int  `json:"price"`
	Decimals  uint8     `json:"decimals"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PriceFeed is the external price source. ref identifies one feed, e.g. an
// aggregator address or a pair name.
type PriceFeed interface {
	LatestQuote(ctx context.Context, ref string) (*Quote, error)
}

// Oracle validates quotes from a PriceFeed before they are used for valuation.
type Oracle struct {
	feed PriceFeed
	now  func() time.Time
}

func NewOracle(feed PriceFeed, now func() time.Time) *Oracle {
	if now == nil {
		now = time.Now
	}

	return &Oracle{feed: feed, now: now}
}

// ValidatedQuote fetches a fresh quote for ref and rejects non-positive,
// oversized, future-dated or stale prices. Quotes are never cached.
func (o *Oracle) ValidatedQuote(ctx context.Context, ref string) (*Quote, *uint256.Int, error) {
	q, err := o.feed.LatestQuote(ctx, ref)
	if err != nil {
		return nil, nil, fmt.Errorf("oracle %s: %w", ref, err)
	}

	price, err := positivePrice(q)
	if err != nil {
		return nil, nil, fmt.Errorf("oracle %s: %w", ref, err)
	}

	age := o.now().Sub(q.UpdatedAt)
	if age < 0 {
		return nil, nil, fmt.Errorf("oracle %s: updated in the future: %w", ref, ErrInvalidPrice)
	}

	if age > MaxQuoteAge {
		return nil, nil, fmt.Errorf("oracle %s: %s old: %w", ref, age, ErrStalePrice)
	}

	return q, price, nil
}

// Validate checks that ref can be queried and reports a positive price.
// Staleness is not checked. Every failure is reported as ErrInvalidOracle.
func (o *Oracle) Validate(ctx context.Context, ref string) error {
	q, err := o.feed.LatestQuote(ctx, ref)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidOracle, ref, err)
	}

	if _, err := positivePrice(q); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidOracle, ref, err)
	}

	return nil
}

func positivePrice(q *Quote) (*uint256.Int, error) {
	if q == nil || q.Price == nil || q.Price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}

	price, overflow := uint256.FromBig(q.Price)
	if overflow {
		return nil, ErrInvalidPrice
	}

	return price, nil
}
