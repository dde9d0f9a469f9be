package custody

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"
)

// HTTPFeed reads quotes from a price service exposing
//
//	GET {base}/quotes/{ref} -> {"price":"200000000000","decimals":8,"updated_at":1700000000}
type HTTPFeed struct {
	client *resty.Client
	sf     singleflight.Group
}

func NewHTTPFeed(baseURL string, timeout time.Duration) *HTTPFeed {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &HTTPFeed{client: client}
}

type quotePayload struct {
	Price     string `json:"price"`
	Decimals  uint8  `json:"decimals"`
	UpdatedAt int64  `json:"updated_at"`
}

// LatestQuote fetches the current quote of ref. Concurrent calls for the same
// ref share one request, bounded by the client timeout rather than by any
// one caller's context; each caller stops waiting when its own ctx is done.
func (f *HTTPFeed) LatestQuote(ctx context.Context, ref string) (*Quote, error) {
	ch := f.sf.DoChan(ref, func() (interface{}, error) {
		return f.fetch(context.WithoutCancel(ctx), ref)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch quote: %w", ctx.Err())
	case res = <-ch:
	}

	if res.Err != nil {
		return nil, res.Err
	}

	q := res.Val.(*Quote)
	return &Quote{
		Price:     new(big.Int).Set(q.Price),
		Decimals:  q.Decimals,
		UpdatedAt: q.UpdatedAt,
	}, nil
}

func (f *HTTPFeed) fetch(ctx context.Context, ref string) (*Quote, error) {
	var payload quotePayload
	resp, err := f.client.R().
		SetContext(ctx).
		SetResult(&payload).
		Get("/quotes/" + url.PathEscape(ref))
	if err != nil {
		return nil, fmt.Errorf("fetch quote: %w", err)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("fetch quote: status %d: %s", resp.StatusCode(), resp.String())
	}

	price, ok := new(big.Int).SetString(payload.Price, 10)
	if !ok {
		return nil, fmt.Errorf("fetch quote: malformed price %q", payload.Price)
	}

	return &Quote{
		Price:     price,
		Decimals:  payload.Decimals,
		UpdatedAt: time.Unix(payload.UpdatedAt, 0),
	}, nil
}
