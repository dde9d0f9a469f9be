package custody

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/zyedidia/generic/mapset"
)

type balanceKey struct {
	owner string
	asset AssetID
}

// AssetStats are the cumulative per-asset counters of the ledger.
type AssetStats struct {
	Deposited   *uint256.Int `json:"deposited"`
	Withdrawn   *uint256.Int `json:"withdrawn"`
	Deposits    uint64       `json:"deposits"`
	Withdrawals uint64       `json:"withdrawals"`
}

// Held is the amount of the asset currently owed to depositors.
func (s AssetStats) Held() *uint256.Int {
	return new(uint256.Int).Sub(s.Deposited, s.Withdrawn)
}

type Holding struct {
	Asset  AssetID      `json:"asset"`
	Amount *uint256.Int `json:"amount"`
}

type mutationKind uint8

const (
	mutationCredit mutationKind = iota + 1
	mutationDebit
)

// Mutation records one applied Credit or Debit so it can be reverted.
type Mutation struct {
	kind      mutationKind
	owner     string
	asset     AssetID
	amount    *uint256.Int
	value     *uint256.Int
	valuation *uint256.Int // before the mutation
	balance   *uint256.Int // after the mutation
}

// Balance is the owner's balance right after the mutation.
func (m *Mutation) Balance() *uint256.Int {
	return m.balance.Clone()
}

// Ledger holds per-owner balances and the aggregate valuation accumulator.
// It is not safe for concurrent use; Bank serializes access.
type Ledger struct {
	balances  map[balanceKey]*uint256.Int
	holdings  map[string]mapset.Set[AssetID]
	stats     map[AssetID]*AssetStats
	valuation *uint256.Int
}

func NewLedger() *Ledger {
	return &Ledger{
		balances:  map[balanceKey]*uint256.Int{},
		holdings:  map[string]mapset.Set[AssetID]{},
		stats:     map[AssetID]*AssetStats{},
		valuation: new(uint256.Int),
	}
}

func (l *Ledger) statsOf(asset AssetID) *AssetStats {
	s, ok := l.stats[asset]
	if !ok {
		s = &AssetStats{
			Deposited: new(uint256.Int),
			Withdrawn: new(uint256.Int),
		}
		l.stats[asset] = s
	}

	return s
}

func (l *Ledger) balanceOf(owner string, asset AssetID) *uint256.Int {
	if b, ok := l.balances[balanceKey{owner, asset}]; ok {
		return b
	}

	return new(uint256.Int)
}

// Credit adds amount to the owner's balance and value to the valuation.
// Nothing is written unless every sum fits.
func (l *Ledger) Credit(owner string, asset AssetID, amount, value *uint256.Int) (*Mutation, error) {
	balance, overflow := new(uint256.Int).AddOverflow(l.balanceOf(owner, asset), amount)
	if overflow {
		return nil, fmt.Errorf("credit balance: %w", ErrOverflow)
	}

	valuation, overflow := new(uint256.Int).AddOverflow(l.valuation, value)
	if overflow {
		return nil, fmt.Errorf("credit valuation: %w", ErrOverflow)
	}

	stats := l.statsOf(asset)
	deposited, overflow := new(uint256.Int).AddOverflow(stats.Deposited, amount)
	if overflow {
		return nil, fmt.Errorf("credit stats: %w", ErrOverflow)
	}

	m := &Mutation{
		kind:      mutationCredit,
		owner:     owner,
		asset:     asset,
		amount:    amount.Clone(),
		value:     value.Clone(),
		valuation: l.valuation,
		balance:   balance.Clone(),
	}

	l.setBalance(owner, asset, balance)
	l.valuation = valuation
	stats.Deposited = deposited
	stats.Deposits++

	return m, nil
}

// Debit removes amount from the owner's balance and value from the
// valuation. The valuation is an accumulator of historical prices, so a
// debit priced higher than what remains clamps it to zero.
func (l *Ledger) Debit(owner string, asset AssetID, amount, value *uint256.Int) (*Mutation, error) {
	current := l.balanceOf(owner, asset)
	if current.Lt(amount) {
		return nil, &InsufficientBalanceError{
			Requested: amount.Clone(),
			Available: current.Clone(),
		}
	}

	balance := new(uint256.Int).Sub(current, amount)
	valuation := new(uint256.Int)
	if l.valuation.Gt(value) {
		valuation.Sub(l.valuation, value)
	}

	m := &Mutation{
		kind:      mutationDebit,
		owner:     owner,
		asset:     asset,
		amount:    amount.Clone(),
		value:     value.Clone(),
		valuation: l.valuation,
		balance:   balance.Clone(),
	}

	stats := l.statsOf(asset)
	l.setBalance(owner, asset, balance)
	l.valuation = valuation
	stats.Withdrawn = new(uint256.Int).Add(stats.Withdrawn, amount)
	stats.Withdrawals++

	return m, nil
}

// Revert undoes m. It must be the most recent mutation of its balance.
func (l *Ledger) Revert(m *Mutation) {
	stats := l.statsOf(m.asset)
	balance := l.balanceOf(m.owner, m.asset)

	switch m.kind {
	case mutationCredit:
		l.setBalance(m.owner, m.asset, new(uint256.Int).Sub(balance, m.amount))
		stats.Deposited = new(uint256.Int).Sub(stats.Deposited, m.amount)
		stats.Deposits--
	case mutationDebit:
		l.setBalance(m.owner, m.asset, new(uint256.Int).Add(balance, m.amount))
		stats.Withdrawn = new(uint256.Int).Sub(stats.Withdrawn, m.amount)
		stats.Withdrawals--
	}

	l.valuation = m.valuation
}

func (l *Ledger) setBalance(owner string, asset AssetID, amount *uint256.Int) {
	key := balanceKey{owner, asset}
	set, ok := l.holdings[owner]
	if !ok {
		set = mapset.New[AssetID]()
		l.holdings[owner] = set
	}

	if amount.IsZero() {
		delete(l.balances, key)
		set.Remove(asset)
		return
	}

	l.balances[key] = amount
	set.Put(asset)
}

func (l *Ledger) Balance(owner string, asset AssetID) *uint256.Int {
	return l.balanceOf(owner, asset).Clone()
}

// Balances lists the owner's non-zero balances ordered by asset id.
func (l *Ledger) Balances(owner string) []Holding {
	var list []Holding
	if set, ok := l.holdings[owner]; ok {
		set.Each(func(asset AssetID) {
			list = append(list, Holding{
				Asset:  asset,
				Amount: l.Balance(owner, asset),
			})
		})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Asset.String() < list[j].Asset.String()
	})

	return list
}

func (l *Ledger) Valuation() *uint256.Int {
	return l.valuation.Clone()
}

func (l *Ledger) Stats(asset AssetID) AssetStats {
	s, ok := l.stats[asset]
	if !ok {
		return AssetStats{Deposited: new(uint256.Int), Withdrawn: new(uint256.Int)}
	}

	return AssetStats{
		Deposited:   s.Deposited.Clone(),
		Withdrawn:   s.Withdrawn.Clone(),
		Deposits:    s.Deposits,
		Withdrawals: s.Withdrawals,
	}
}
