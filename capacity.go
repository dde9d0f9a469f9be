package custody

import (
	"github.com/holiman/uint256"
)

// CheckDeposit fails with a *CapacityError if adding delta to the current
// valuation would exceed the cap.
func CheckDeposit(current, delta, cap *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(current, delta)
	if !overflow && !sum.Gt(cap) {
		return nil
	}

	available := new(uint256.Int)
	if cap.Gt(current) {
		available.Sub(cap, current)
	}

	return &CapacityError{
		Attempted: delta.Clone(),
		Available: available,
	}
}

// CheckWithdrawal fails with a *CeilingError if delta exceeds the ceiling.
func CheckWithdrawal(delta, ceiling *uint256.Int) error {
	if delta.Gt(ceiling) {
		return &CeilingError{
			Requested: delta.Clone(),
			Max:       ceiling.Clone(),
		}
	}

	return nil
}
