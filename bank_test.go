package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow   = time.Unix(1_700_000_000, 0)
	testAdmin = "admin"
	usdc      = uuid.MustParse("9b180ab6-6abe-3dc0-a13f-04169eb34bfa")
)

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

type fakeFeed struct {
	mu     sync.Mutex
	quotes map[string]*Quote
	errs   map[string]error
	calls  int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		quotes: map[string]*Quote{},
		errs:   map[string]error{},
	}
}

func (f *fakeFeed) set(ref string, price int64, decimals uint8, at time.Time) {
	f.setQuote(ref, &Quote{Price: big.NewInt(price), Decimals: decimals, UpdatedAt: at})
}

func (f *fakeFeed) setQuote(ref string, q *Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.errs, ref)
	f.quotes[ref] = q
}

func (f *fakeFeed) fail(ref string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.errs[ref] = err
}

func (f *fakeFeed) LatestQuote(_ context.Context, ref string) (*Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if err, ok := f.errs[ref]; ok {
		return nil, err
	}

	q, ok := f.quotes[ref]
	if !ok {
		return nil, fmt.Errorf("no feed %q", ref)
	}

	return &Quote{Price: new(big.Int).Set(q.Price), Decimals: q.Decimals, UpdatedAt: q.UpdatedAt}, nil
}

type transferFunc func(ctx context.Context, owner string, asset AssetID, amount *uint256.Int) error

type fakeRail struct {
	in, out   transferFunc
	ins, outs int
}

func (r *fakeRail) TransferIn(ctx context.Context, owner string, asset AssetID, amount *uint256.Int) error {
	r.ins++
	if r.in != nil {
		return r.in(ctx, owner, asset, amount)
	}

	return nil
}

func (r *fakeRail) TransferOut(ctx context.Context, owner string, asset AssetID, amount *uint256.Int) error {
	r.outs++
	if r.out != nil {
		return r.out(ctx, owner, asset, amount)
	}

	return nil
}

type recorder struct {
	events []*Event
}

func (r *recorder) Notify(_ context.Context, e *Event) {
	r.events = append(r.events, e)
}

func testConfig() Config {
	return Config{
		Admin:                testAdmin,
		CapUSD:               uint256.NewInt(100_000_000000),
		WithdrawalCeilingUSD: uint256.NewInt(10_000_000000),
		NativeOracle:         "eth-usd",
		NativeDecimals:       18,
		Clock:                func() time.Time { return testNow },
	}
}

// newTestBank prices ether at 2000 usd and usdc at 1 usd.
func newTestBank(t *testing.T, rail Transferer, notifier Notifier) (*Bank, *fakeFeed) {
	t.Helper()

	feed := newFakeFeed()
	feed.set("eth-usd", 2000_00000000, 8, testNow)
	feed.set("usdc-usd", 1_00000000, 8, testNow)

	b, err := New(testConfig(), feed, rail, notifier)
	require.NoError(t, err)

	return b, feed
}

func TestNewValidatesConfig(t *testing.T) {
	feed := newFakeFeed()

	for name, mutate := range map[string]func(*Config){
		"admin":   func(c *Config) { c.Admin = "" },
		"cap":     func(c *Config) { c.CapUSD = new(uint256.Int) },
		"ceiling": func(c *Config) { c.WithdrawalCeilingUSD = nil },
		"oracle":  func(c *Config) { c.NativeOracle = "" },
	} {
		cfg := testConfig()
		mutate(&cfg)

		_, err := New(cfg, feed, &fakeRail{}, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig, name)
	}
}

func TestDepositWithdraw(t *testing.T) {
	ctx := context.Background()
	rail := &fakeRail{}
	rec := &recorder{}
	b, _ := newTestBank(t, rail, rec)

	e, err := b.DepositNative(ctx, "alice", ether(10))
	require.NoError(t, err)
	assert.Equal(t, EventDeposit, e.Kind)
	assert.Equal(t, int64(1), e.Seq)
	assert.Equal(t, "20000000000", e.ValueUSD.String())
	assert.Equal(t, ether(10), b.BalanceOf("alice", NativeAsset))
	assert.Equal(t, uint256.NewInt(20_000_000000), b.Totals().Valuation)
	assert.Equal(t, 1, rail.ins)

	// 6 ether is 12000 usd, above the 10000 ceiling
	_, err = b.WithdrawNative(ctx, "alice", ether(6))
	var ceilErr *CeilingError
	require.True(t, errors.As(err, &ceilErr))
	assert.Equal(t, uint256.NewInt(12_000_000000), ceilErr.Requested)
	assert.Equal(t, uint256.NewInt(10_000_000000), ceilErr.Max)
	assert.Equal(t, ether(10), b.BalanceOf("alice", NativeAsset))
	assert.Equal(t, uint256.NewInt(20_000_000000), b.Totals().Valuation)
	stats := b.AssetStats(NativeAsset)
	assert.Equal(t, uint64(0), stats.Withdrawals)
	assert.True(t, stats.Withdrawn.IsZero())
	assert.Equal(t, 0, rail.outs)

	// exactly at the ceiling
	e, err = b.WithdrawNative(ctx, "alice", ether(5))
	require.NoError(t, err)
	assert.Equal(t, EventWithdrawal, e.Kind)
	assert.Equal(t, int64(2), e.Seq)
	assert.Equal(t, ether(5), b.BalanceOf("alice", NativeAsset))
	assert.Equal(t, uint256.NewInt(10_000_000000), b.Totals().Valuation)
	assert.Equal(t, 1, rail.outs)

	require.Len(t, rec.events, 2)
	assert.Equal(t, e, rec.events[1])
}

func TestDepositRejections(t *testing.T) {
	ctx := context.Background()
	rail := &fakeRail{}
	b, feed := newTestBank(t, rail, nil)

	_, err := b.DepositNative(ctx, "alice", new(uint256.Int))
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, err = b.DepositNative(ctx, "alice", nil)
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, err = b.DepositNative(ctx, "", ether(1))
	assert.ErrorIs(t, err, ErrZeroAddress)

	_, err = b.Deposit(ctx, "alice", usdc, uint256.NewInt(1_000000))
	assert.ErrorIs(t, err, ErrAssetNotSupported)

	feed.set("eth-usd", 2000_00000000, 8, testNow.Add(-MaxQuoteAge-time.Second))
	_, err = b.DepositNative(ctx, "alice", ether(1))
	assert.ErrorIs(t, err, ErrStalePrice)

	feed.set("eth-usd", 0, 8, testNow)
	_, err = b.DepositNative(ctx, "alice", ether(1))
	assert.ErrorIs(t, err, ErrInvalidPrice)

	assert.Equal(t, 0, rail.ins)
	assert.Empty(t, b.Balances("alice"))
	assert.True(t, b.Totals().Valuation.IsZero())
}

func TestDepositCapacity(t *testing.T) {
	ctx := context.Background()
	rail := &fakeRail{}
	b, _ := newTestBank(t, rail, nil)

	// 50 ether fills the 100000 usd cap exactly
	_, err := b.DepositNative(ctx, "alice", ether(50))
	require.NoError(t, err)
	assert.True(t, b.Totals().Remaining.IsZero())

	_, err = b.DepositNative(ctx, "bob", ether(1))
	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.ErrorIs(t, err, ErrExceedsCapacity)
	assert.Equal(t, uint256.NewInt(2000_000000), capErr.Attempted)
	assert.True(t, capErr.Available.IsZero())

	assert.True(t, b.BalanceOf("bob", NativeAsset).IsZero())
	assert.Equal(t, uint256.NewInt(100_000_000000), b.Totals().Valuation)
	stats := b.AssetStats(NativeAsset)
	assert.Equal(t, uint64(1), stats.Deposits)
	assert.Equal(t, ether(50), stats.Deposited)
	assert.Equal(t, 1, rail.ins)
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBank(t, &fakeRail{}, nil)

	_, err := b.DepositNative(ctx, "alice", ether(1))
	require.NoError(t, err)

	_, err = b.WithdrawNative(ctx, "alice", ether(2))
	var insufficient *InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, ether(2), insufficient.Requested)
	assert.Equal(t, ether(1), insufficient.Available)

	_, err = b.WithdrawNative(ctx, "bob", ether(1))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = b.Withdraw(ctx, "alice", usdc, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrAssetNotSupported)
}

func TestTransferFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	declined := errors.New("declined")
	rail := &fakeRail{}
	rec := &recorder{}
	b, _ := newTestBank(t, rail, rec)

	rail.in = func(context.Context, string, AssetID, *uint256.Int) error { return declined }
	_, err := b.DepositNative(ctx, "alice", ether(1))
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, declined)
	assert.True(t, b.BalanceOf("alice", NativeAsset).IsZero())
	assert.True(t, b.Totals().Valuation.IsZero())
	assert.Equal(t, uint64(0), b.AssetStats(NativeAsset).Deposits)

	rail.in = nil
	_, err = b.DepositNative(ctx, "alice", ether(3))
	require.NoError(t, err)

	rail.out = func(context.Context, string, AssetID, *uint256.Int) error { return declined }
	_, err = b.WithdrawNative(ctx, "alice", ether(2))
	var transferErr *TransferError
	require.True(t, errors.As(err, &transferErr))
	assert.Equal(t, declined, transferErr.Err)
	assert.Equal(t, ether(3), b.BalanceOf("alice", NativeAsset))
	assert.Equal(t, uint256.NewInt(6000_000000), b.Totals().Valuation)
	assert.Equal(t, uint64(0), b.AssetStats(NativeAsset).Withdrawals)

	assert.Len(t, rec.events, 1, "failed operations emit nothing")
}

func TestTransferPanicRollsBack(t *testing.T) {
	ctx := context.Background()
	rail := &fakeRail{}
	rec := &recorder{}
	b, _ := newTestBank(t, rail, rec)

	rail.in = func(context.Context, string, AssetID, *uint256.Int) error { panic("rail crashed") }
	assert.PanicsWithValue(t, "rail crashed", func() {
		_, _ = b.DepositNative(ctx, "alice", ether(1))
	})
	assert.True(t, b.BalanceOf("alice", NativeAsset).IsZero())
	assert.True(t, b.Totals().Valuation.IsZero())
	assert.Equal(t, uint64(0), b.AssetStats(NativeAsset).Deposits)
	assert.False(t, b.guard.held())

	rail.in = nil
	_, err := b.DepositNative(ctx, "alice", ether(2))
	require.NoError(t, err)

	rail.out = func(context.Context, string, AssetID, *uint256.Int) error { panic("rail crashed") }
	assert.Panics(t, func() {
		_, _ = b.WithdrawNative(ctx, "alice", ether(1))
	})
	assert.Equal(t, ether(2), b.BalanceOf("alice", NativeAsset))
	assert.Equal(t, uint256.NewInt(4000_000000), b.Totals().Valuation)
	stats := b.AssetStats(NativeAsset)
	assert.Equal(t, uint64(0), stats.Withdrawals)
	assert.True(t, stats.Withdrawn.IsZero())
	assert.False(t, b.guard.held())

	assert.Len(t, rec.events, 1)
}

func TestReentrantCallRejected(t *testing.T) {
	ctx := context.Background()
	rail := &fakeRail{}
	b, _ := newTestBank(t, rail, nil)

	_, err := b.DepositNative(ctx, "alice", ether(4))
	require.NoError(t, err)

	var inner error
	rail.out = func(ctx context.Context, owner string, asset AssetID, amount *uint256.Int) error {
		// the recipient calls back into the bank before the outer call returns
		_, inner = b.Withdraw(ctx, owner, asset, amount)
		return nil
	}

	_, err = b.WithdrawNative(ctx, "alice", ether(1))
	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrReentrantCall)
	assert.Equal(t, ether(3), b.BalanceOf("alice", NativeAsset))

	rail.out = nil
	rail.in = func(ctx context.Context, owner string, _ AssetID, _ *uint256.Int) error {
		_, inner = b.DepositNative(ctx, owner, ether(1))
		return nil
	}

	_, err = b.DepositNative(ctx, "alice", ether(1))
	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrReentrantCall)
	assert.Equal(t, ether(4), b.BalanceOf("alice", NativeAsset))
	assert.False(t, b.guard.held())
}

func TestConservationAcrossOwners(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBank(t, &fakeRail{}, nil)

	steps := []struct {
		owner    string
		amount   uint64
		withdraw bool
	}{
		{"alice", 3, false},
		{"bob", 2, false},
		{"carol", 4, false},
		{"alice", 1, true},
		{"carol", 4, true},
		{"bob", 1, false},
	}

	for _, s := range steps {
		var err error
		if s.withdraw {
			_, err = b.WithdrawNative(ctx, s.owner, ether(s.amount))
		} else {
			_, err = b.DepositNative(ctx, s.owner, ether(s.amount))
		}
		require.NoError(t, err)
	}

	sum := new(uint256.Int)
	for _, owner := range []string{"alice", "bob", "carol"} {
		sum.Add(sum, b.BalanceOf(owner, NativeAsset))
	}

	stats := b.AssetStats(NativeAsset)
	assert.Equal(t, ether(5), sum)
	assert.Equal(t, sum, stats.Held())
	assert.Equal(t, uint64(4), stats.Deposits)
	assert.Equal(t, uint64(2), stats.Withdrawals)
	assert.Equal(t, uint256.NewInt(10_000_000000), b.Totals().Valuation)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	b, _ := newTestBank(t, &fakeRail{}, rec)

	_, err := b.DepositNative(ctx, "alice", ether(2))
	require.NoError(t, err)
	_, err = b.AddAsset(ctx, testAdmin, usdc, "usdc-usd", 6)
	require.NoError(t, err)
	_, err = b.Deposit(ctx, "bob", usdc, uint256.NewInt(250_000000))
	require.NoError(t, err)
	_, err = b.WithdrawNative(ctx, "alice", ether(1))
	require.NoError(t, err)
	_, err = b.RemoveAsset(ctx, testAdmin, usdc)
	require.NoError(t, err)

	restored, _ := newTestBank(t, &fakeRail{}, nil)
	for _, e := range rec.events {
		require.NoError(t, restored.Restore(e))
	}

	assert.Equal(t, b.Totals(), restored.Totals())
	assert.Equal(t, b.Balances("alice"), restored.Balances("alice"))
	assert.Equal(t, b.Balances("bob"), restored.Balances("bob"))
	assert.Equal(t, b.SupportedAssets(), restored.SupportedAssets())
	assert.Equal(t, b.AssetStats(usdc), restored.AssetStats(usdc))

	info, ok := restored.AssetInfo(usdc)
	require.True(t, ok)
	assert.False(t, info.Active)

	e, err := restored.DepositNative(ctx, "alice", ether(1))
	require.NoError(t, err)
	assert.Equal(t, int64(len(rec.events)+1), e.Seq, "sequence continues after restore")

	assert.Error(t, restored.Restore(&Event{Seq: 99, Kind: "bogus"}))
}
