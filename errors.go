package custody

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrZeroAmount               = errors.New("custody: zero amount")
	ErrZeroAddress              = errors.New("custody: zero address")
	ErrAssetNotSupported        = errors.New("custody: asset not supported")
	ErrAssetAlreadySupported    = errors.New("custody: asset already supported")
	ErrInsufficientBalance      = errors.New("custody: insufficient balance")
	ErrExceedsCapacity          = errors.New("custody: exceeds bank capacity")
	ErrExceedsWithdrawalCeiling = errors.New("custody: exceeds withdrawal ceiling")
	ErrTransferFailed           = errors.New("custody: transfer failed")
	ErrInvalidOracle            = errors.New("custody: invalid oracle")
	ErrStalePrice               = errors.New("custody: stale price")
	ErrInvalidPrice             = errors.New("custody: invalid price")

	ErrReentrantCall       = errors.New("custody: reentrant call")
	ErrUnauthorized        = errors.New("custody: caller is not the admin")
	ErrOverflow            = errors.New("custody: arithmetic overflow")
	ErrDecimalsMismatch    = errors.New("custody: decimals mismatch")
	ErrUnsolicitedTransfer = errors.New("custody: unsolicited transfer rejected")
	ErrInvalidConfig       = errors.New("custody: invalid config")
)

// InsufficientBalanceError reports a debit larger than the owner's balance.
type InsufficientBalanceError struct {
	Requested *uint256.Int
	Available *uint256.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: requested %s, available %s", ErrInsufficientBalance, dec(e.Requested), dec(e.Available))
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// CapacityError reports a deposit that would push the aggregate valuation
// over the cap. Available is what the cap still allows.
type CapacityError struct {
	Attempted *uint256.Int
	Available *uint256.Int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: attempted %s, available %s", ErrExceedsCapacity, dec(e.Attempted), dec(e.Available))
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrExceedsCapacity
}

// CeilingError reports a withdrawal valued above the per-call ceiling.
type CeilingError struct {
	Requested *uint256.Int
	Max       *uint256.Int
}

func (e *CeilingError) Error() string {
	return fmt.Sprintf("%s: requested %s, max %s", ErrExceedsWithdrawalCeiling, dec(e.Requested), dec(e.Max))
}

func (e *CeilingError) Is(target error) bool {
	return target == ErrExceedsWithdrawalCeiling
}

// TransferError wraps the failure reported by the transfer primitive.
type TransferError struct {
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %v", ErrTransferFailed, e.Err)
}

func (e *TransferError) Is(target error) bool {
	return target == ErrTransferFailed
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// errorKind returns a short stable label for err, used as a metrics label.
func errorKind(err error) string {
	kinds := []struct {
		err  error
		kind string
	}{
		{ErrZeroAmount, "zero_amount"},
		{ErrZeroAddress, "zero_address"},
		{ErrAssetNotSupported, "asset_not_supported"},
		{ErrAssetAlreadySupported, "asset_already_supported"},
		{ErrInsufficientBalance, "insufficient_balance"},
		{ErrExceedsCapacity, "exceeds_capacity"},
		{ErrExceedsWithdrawalCeiling, "exceeds_withdrawal_ceiling"},
		{ErrTransferFailed, "transfer_failed"},
		{ErrInvalidOracle, "invalid_oracle"},
		{ErrStalePrice, "stale_price"},
		{ErrInvalidPrice, "invalid_price"},
		{ErrReentrantCall, "reentrant_call"},
		{ErrUnauthorized, "unauthorized"},
		{ErrOverflow, "overflow"},
		{ErrDecimalsMismatch, "decimals_mismatch"},
		{ErrUnsolicitedTransfer, "unsolicited_transfer"},
	}

	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}

	return "internal"
}

func dec(x *uint256.Int) string {
	if x == nil {
		return "0"
	}

	return x.ToBig().String()
}
