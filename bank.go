package custody

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type Config struct {
	// Admin is the only identity allowed to change the asset registry.
	Admin string
	// CapUSD bounds the aggregate valuation, in accounting units.
	CapUSD *uint256.Int
	// WithdrawalCeilingUSD bounds the value of one withdrawal, in accounting units.
	WithdrawalCeilingUSD *uint256.Int
	NativeOracle         string
	NativeDecimals       uint8
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (cfg Config) validate() error {
	switch {
	case cfg.Admin == "":
		return fmt.Errorf("%w: empty admin", ErrInvalidConfig)
	case cfg.CapUSD == nil || cfg.CapUSD.IsZero():
		return fmt.Errorf("%w: cap must be positive", ErrInvalidConfig)
	case cfg.WithdrawalCeilingUSD == nil || cfg.WithdrawalCeilingUSD.IsZero():
		return fmt.Errorf("%w: withdrawal ceiling must be positive", ErrInvalidConfig)
	case cfg.NativeOracle == "":
		return fmt.Errorf("%w: empty native oracle", ErrInvalidConfig)
	}

	return nil
}

// Bank coordinates deposits and withdrawals: checks, then ledger effects,
// then the external transfer, then notification.
type Bank struct {
	cfg      Config
	now      func() time.Time
	oracle   *Oracle
	rail     Transferer
	notifier Notifier
	guard    guard

	// mu guards the fields below. It is never held across a call to rail.
	mu       sync.RWMutex
	registry *Registry
	ledger   *Ledger
	seq      int64
}

// New builds a bank with the native asset registered. notifier may be nil.
func New(cfg Config, feed PriceFeed, rail Transferer, notifier Notifier) (*Bank, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	cfg.CapUSD = cfg.CapUSD.Clone()
	cfg.WithdrawalCeilingUSD = cfg.WithdrawalCeilingUSD.Clone()

	registry := NewRegistry()
	registry.Put(NativeAsset, cfg.NativeOracle, cfg.NativeDecimals)

	return &Bank{
		cfg:      cfg,
		now:      now,
		oracle:   NewOracle(feed, now),
		rail:     rail,
		notifier: notifier,
		registry: registry,
		ledger:   NewLedger(),
	}, nil
}

// Deposit pulls amount of asset from owner and credits it.
func (b *Bank) Deposit(ctx context.Context, owner string, asset AssetID, amount *uint256.Int) (*Event, error) {
	e, err := b.deposit(ctx, owner, asset, amount)
	observe("deposit", err)
	return e, err
}

func (b *Bank) DepositNative(ctx context.Context, owner string, amount *uint256.Int) (*Event, error) {
	return b.Deposit(ctx, owner, NativeAsset, amount)
}

// Withdraw debits amount of asset and pushes it to owner.
func (b *Bank) Withdraw(ctx context.Context, owner string, asset AssetID, amount *uint256.Int) (*Event, error) {
	e, err := b.withdraw(ctx, owner, asset, amount)
	observe("withdraw", err)
	return e, err
}

func (b *Bank) WithdrawNative(ctx context.Context, owner string, amount *uint256.Int) (*Event, error) {
	return b.Withdraw(ctx, owner, NativeAsset, amount)
}

func (b *Bank) deposit(ctx context.Context, owner string, asset AssetID, amount *uint256.Int) (*Event, error) {
	if err := b.guard.enter(); err != nil {
		return nil, err
	}
	defer b.guard.exit()

	if err := checkRequest(owner, amount); err != nil {
		return nil, err
	}

	b.mu.RLock()
	a, ok := b.registry.Active(asset)
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("deposit %s: %w", asset, ErrAssetNotSupported)
	}

	value, err := b.valueOf(ctx, a, amount)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if err := CheckDeposit(b.ledger.valuation, value, b.cfg.CapUSD); err != nil {
		b.mu.Unlock()
		return nil, err
	}

	m, err := b.ledger.Credit(owner, asset, amount, value)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := b.settle(m, func() error {
		return b.rail.TransferIn(ctx, owner, asset, amount)
	}); err != nil {
		return nil, err
	}

	return b.emit(ctx, &Event{
		Kind:     EventDeposit,
		Owner:    owner,
		Asset:    asset,
		Amount:   toDecimal(amount),
		ValueUSD: toDecimal(value),
		Balance:  toDecimal(m.balance),
	}), nil
}

func (b *Bank) withdraw(ctx context.Context, owner string, asset AssetID, amount *uint256.Int) (*Event, error) {
	if err := b.guard.enter(); err != nil {
		return nil, err
	}
	defer b.guard.exit()

	if err := checkRequest(owner, amount); err != nil {
		return nil, err
	}

	// Removed assets stay withdrawable: only assets that were never
	// registered are rejected here.
	b.mu.RLock()
	a, ok := b.registry.Lookup(asset)
	available := b.ledger.Balance(owner, asset)
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("withdraw %s: %w", asset, ErrAssetNotSupported)
	}

	if available.Lt(amount) {
		return nil, &InsufficientBalanceError{Requested: amount.Clone(), Available: available}
	}

	value, err := b.valueOf(ctx, a, amount)
	if err != nil {
		return nil, err
	}

	if err := CheckWithdrawal(value, b.cfg.WithdrawalCeilingUSD); err != nil {
		return nil, err
	}

	b.mu.Lock()
	m, err := b.ledger.Debit(owner, asset, amount, value)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := b.settle(m, func() error {
		return b.rail.TransferOut(ctx, owner, asset, amount)
	}); err != nil {
		return nil, err
	}

	return b.emit(ctx, &Event{
		Kind:     EventWithdrawal,
		Owner:    owner,
		Asset:    asset,
		Amount:   toDecimal(amount),
		ValueUSD: toDecimal(value),
		Balance:  toDecimal(m.balance),
	}), nil
}

func checkRequest(owner string, amount *uint256.Int) error {
	if owner == "" {
		return ErrZeroAddress
	}

	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}

	return nil
}

func (b *Bank) valueOf(ctx context.Context, a Asset, amount *uint256.Int) (*uint256.Int, error) {
	q, price, err := b.oracle.ValidatedQuote(ctx, a.OracleRef)
	if err != nil {
		return nil, err
	}

	return Normalize(amount, price, a.Decimals, q.Decimals)
}

// settle runs the external transfer for m. m is reverted unless transfer
// returns nil, including when it panics; the panic is not recovered.
func (b *Bank) settle(m *Mutation, transfer func() error) error {
	committed := false
	defer func() {
		if !committed {
			b.revert(m)
		}
	}()

	if err := transfer(); err != nil {
		return &TransferError{Err: err}
	}

	committed = true
	return nil
}

func (b *Bank) revert(m *Mutation) {
	b.mu.Lock()
	b.ledger.Revert(m)
	b.mu.Unlock()

	slog.Warn("custody: transfer failed, ledger reverted", "owner", m.owner, "asset", m.asset, "amount", dec(m.amount))
}

// emit stamps e, logs it, and hands it to the notifier.
func (b *Bank) emit(ctx context.Context, e *Event) *Event {
	b.mu.Lock()
	b.seq++
	e.Seq = b.seq
	valuation := b.ledger.Valuation()
	b.mu.Unlock()

	e.ID = uuid.New()
	e.CreatedAt = b.now()

	logEvent(e)
	observeValuation(valuation)

	if b.notifier != nil {
		b.notifier.Notify(ctx, e)
	}

	return e
}

// Restore applies a journaled event without checks, prices or transfers. It
// is meant for rebuilding state at start-up, before the bank serves calls.
func (b *Bank) Restore(e *Event) error {
	if err := b.guard.enter(); err != nil {
		return err
	}
	defer b.guard.exit()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch e.Kind {
	case EventDeposit, EventWithdrawal:
		amount, err := fromDecimal(e.Amount)
		if err != nil {
			return fmt.Errorf("restore event %d amount: %w", e.Seq, err)
		}

		value, err := fromDecimal(e.ValueUSD)
		if err != nil {
			return fmt.Errorf("restore event %d value: %w", e.Seq, err)
		}

		if e.Kind == EventDeposit {
			_, err = b.ledger.Credit(e.Owner, e.Asset, amount, value)
		} else {
			_, err = b.ledger.Debit(e.Owner, e.Asset, amount, value)
		}

		if err != nil {
			return fmt.Errorf("restore event %d: %w", e.Seq, err)
		}
	case EventAssetAdded:
		b.registry.Put(e.Asset, e.OracleRef, e.Decimals)
	case EventAssetRemoved:
		b.registry.Deactivate(e.Asset)
	case EventOracleRotated:
		b.registry.SetOracle(e.Asset, e.OracleRef)
	default:
		return fmt.Errorf("restore event %d: unknown kind %q", e.Seq, e.Kind)
	}

	if e.Seq > b.seq {
		b.seq = e.Seq
	}

	return nil
}
