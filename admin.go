package custody

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

func (b *Bank) authorize(caller string) error {
	if caller != b.cfg.Admin {
		return ErrUnauthorized
	}

	return nil
}

// AddAsset registers a token, or re-activates a removed one. The oracle must
// answer with a positive price.
func (b *Bank) AddAsset(ctx context.Context, caller string, id AssetID, oracleRef string, decimals uint8) (*Event, error) {
	e, err := b.addAsset(ctx, caller, id, oracleRef, decimals)
	observe("add_asset", err)
	return e, err
}

func (b *Bank) addAsset(ctx context.Context, caller string, id AssetID, oracleRef string, decimals uint8) (*Event, error) {
	if err := b.authorize(caller); err != nil {
		return nil, err
	}

	if err := b.guard.enter(); err != nil {
		return nil, err
	}
	defer b.guard.exit()

	if id == NativeAsset || oracleRef == "" {
		return nil, ErrZeroAddress
	}

	b.mu.RLock()
	existing, found := b.registry.Lookup(id)
	b.mu.RUnlock()

	if found && existing.Active {
		return nil, fmt.Errorf("add asset %s: %w", id, ErrAssetAlreadySupported)
	}

	if found && existing.Decimals != decimals {
		return nil, fmt.Errorf("add asset %s: registered with %d decimals: %w", id, existing.Decimals, ErrDecimalsMismatch)
	}

	if err := b.oracle.Validate(ctx, oracleRef); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.registry.Put(id, oracleRef, decimals)
	b.mu.Unlock()

	return b.emit(ctx, &Event{
		Kind:      EventAssetAdded,
		Asset:     id,
		OracleRef: oracleRef,
		Decimals:  decimals,
	}), nil
}

// RemoveAsset stops deposits of the asset. Existing balances are kept.
func (b *Bank) RemoveAsset(ctx context.Context, caller string, id AssetID) (*Event, error) {
	e, err := b.removeAsset(ctx, caller, id)
	observe("remove_asset", err)
	return e, err
}

func (b *Bank) removeAsset(ctx context.Context, caller string, id AssetID) (*Event, error) {
	if err := b.authorize(caller); err != nil {
		return nil, err
	}

	if err := b.guard.enter(); err != nil {
		return nil, err
	}
	defer b.guard.exit()

	if id == NativeAsset {
		return nil, ErrZeroAddress
	}

	b.mu.Lock()
	a, ok := b.registry.Active(id)
	if ok {
		b.registry.Deactivate(id)
	}
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("remove asset %s: %w", id, ErrAssetNotSupported)
	}

	return b.emit(ctx, &Event{
		Kind:      EventAssetRemoved,
		Asset:     id,
		OracleRef: a.OracleRef,
		Decimals:  a.Decimals,
	}), nil
}

// RotateOracle points an active asset at a new, valid oracle.
func (b *Bank) RotateOracle(ctx context.Context, caller string, id AssetID, oracleRef string) (*Event, error) {
	e, err := b.rotateOracle(ctx, caller, id, oracleRef)
	observe("rotate_oracle", err)
	return e, err
}

func (b *Bank) rotateOracle(ctx context.Context, caller string, id AssetID, oracleRef string) (*Event, error) {
	if err := b.authorize(caller); err != nil {
		return nil, err
	}

	if err := b.guard.enter(); err != nil {
		return nil, err
	}
	defer b.guard.exit()

	if oracleRef == "" {
		return nil, ErrZeroAddress
	}

	b.mu.RLock()
	a, ok := b.registry.Active(id)
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rotate oracle %s: %w", id, ErrAssetNotSupported)
	}

	if err := b.oracle.Validate(ctx, oracleRef); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.registry.SetOracle(id, oracleRef)
	b.mu.Unlock()

	return b.emit(ctx, &Event{
		Kind:      EventOracleRotated,
		Asset:     id,
		OracleRef: oracleRef,
		Decimals:  a.Decimals,
	}), nil
}

// Receive handles value sent to custody without an operation. It is always
// rejected so the sender keeps the funds.
func (b *Bank) Receive(ctx context.Context, from string, asset AssetID, amount *uint256.Int) error {
	observe("receive", ErrUnsolicitedTransfer)
	return fmt.Errorf("%s sent %s of %s: %w", from, dec(amount), asset, ErrUnsolicitedTransfer)
}

// Admin returns the privileged identity.
func (b *Bank) Admin() string {
	return b.cfg.Admin
}
