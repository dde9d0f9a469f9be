package custody

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// AccountingDecimals is the number of fractional digits of every USD value
// the bank keeps: capacity, ceiling, valuation and per-operation values.
const AccountingDecimals = 6

var ten = uint256.NewInt(10)

// pow10 returns 10^n, or false if it does not fit in 256 bits.
func pow10(n int) (*uint256.Int, bool) {
	z := uint256.NewInt(1)
	for i := 0; i < n; i++ {
		if _, overflow := z.MulOverflow(z, ten); overflow {
			return nil, false
		}
	}

	return z, true
}

// Normalize converts amount (amountDecimals fractional digits) priced at
// price (priceDecimals fractional digits) into accounting units.
//
// Down-scaling truncates toward zero, so the result never exceeds the exact
// rational value. Up-scaling is exact.
func Normalize(amount, price *uint256.Int, amountDecimals, priceDecimals uint8) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(amount, price)
	if overflow {
		return nil, fmt.Errorf("normalize %s x %s: %w", dec(amount), dec(price), ErrOverflow)
	}

	total := int(amountDecimals) + int(priceDecimals)
	if total > AccountingDecimals {
		div, ok := pow10(total - AccountingDecimals)
		if !ok {
			// the divisor exceeds any 256-bit product
			return new(uint256.Int), nil
		}

		return product.Div(product, div), nil
	}

	mul, _ := pow10(AccountingDecimals - total)
	if _, overflow := product.MulOverflow(product, mul); overflow {
		return nil, fmt.Errorf("normalize %s x %s: %w", dec(amount), dec(price), ErrOverflow)
	}

	return product, nil
}

// ParseUnits parses a base-10 integer amount of native units.
func ParseUnits(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	b, ok := new(big.Int).SetString(s, 10)
	if !ok || b.Sign() < 0 {
		return nil, fmt.Errorf("parse units %q: invalid amount", s)
	}

	z, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("parse units %q: %w", s, ErrOverflow)
	}

	return z, nil
}

// FormatUnits renders amount as a decimal with the given fractional digits.
func FormatUnits(amount *uint256.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}

	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals))
}

// FormatUSD renders an accounting-unit value in whole USD.
func FormatUSD(value *uint256.Int) decimal.Decimal {
	return FormatUnits(value, AccountingDecimals)
}

// ParseUSD converts a USD figure such as "100000" or "12.5" into accounting
// units. Digits beyond the accounting precision are rejected.
func ParseUSD(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse usd %q: %w", s, err)
	}

	shifted := d.Shift(AccountingDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("parse usd %q: more than %d fractional digits", s, AccountingDecimals)
	}

	return fromDecimal(shifted)
}

func toDecimal(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}

	return decimal.NewFromBigInt(x.ToBig(), 0)
}

// fromDecimal converts an integral, non-negative decimal back into 256 bits.
func fromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("negative value %s", d)
	}

	b := d.BigInt()
	if !decimal.NewFromBigInt(b, 0).Equal(d) {
		return nil, fmt.Errorf("fractional value %s", d)
	}

	z, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("value %s: %w", d, ErrOverflow)
	}

	return z, nil
}
