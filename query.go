package custody

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

type Totals struct {
	Valuation         *uint256.Int `json:"valuation"`
	Cap               *uint256.Int `json:"cap"`
	WithdrawalCeiling *uint256.Int `json:"withdrawal_ceiling"`
	Remaining         *uint256.Int `json:"remaining"`
	Assets            int          `json:"assets"`
}

func (b *Bank) BalanceOf(owner string, asset AssetID) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.ledger.Balance(owner, asset)
}

func (b *Bank) Balances(owner string) []Holding {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.ledger.Balances(owner)
}

// Totals reports the valuation accumulator against the configured limits.
func (b *Bank) Totals() Totals {
	b.mu.RLock()
	defer b.mu.RUnlock()

	valuation := b.ledger.Valuation()
	remaining := new(uint256.Int)
	if b.cfg.CapUSD.Gt(valuation) {
		remaining.Sub(b.cfg.CapUSD, valuation)
	}

	return Totals{
		Valuation:         valuation,
		Cap:               b.cfg.CapUSD.Clone(),
		WithdrawalCeiling: b.cfg.WithdrawalCeilingUSD.Clone(),
		Remaining:         remaining,
		Assets:            len(b.registry.order),
	}
}

func (b *Bank) AssetStats(asset AssetID) AssetStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.ledger.Stats(asset)
}

// AssetInfo returns the registry record, including removed assets.
func (b *Bank) AssetInfo(asset AssetID) (Asset, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.registry.Lookup(asset)
}

func (b *Bank) SupportedAssets() []Asset {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.registry.Supported()
}

// CurrentPrice returns the validated quote of an active asset.
func (b *Bank) CurrentPrice(ctx context.Context, asset AssetID) (*Quote, error) {
	b.mu.RLock()
	a, ok := b.registry.Active(asset)
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("price %s: %w", asset, ErrAssetNotSupported)
	}

	q, _, err := b.oracle.ValidatedQuote(ctx, a.OracleRef)
	return q, err
}

// ValueUSD prices amount of an active asset in accounting units without
// touching any state.
func (b *Bank) ValueUSD(ctx context.Context, asset AssetID, amount *uint256.Int) (*uint256.Int, error) {
	b.mu.RLock()
	a, ok := b.registry.Active(asset)
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("value %s: %w", asset, ErrAssetNotSupported)
	}

	return b.valueOf(ctx, a, amount)
}
