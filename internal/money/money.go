// Package money provides shared amount parsing, formatting and commission
// arithmetic.
//
// Amounts use 2 decimal places and are stored as int64 in the smallest
// unit (1.00 = 100 units). All splits are computed in integer units so
// that earnings + platform share always equals the original amount.
package money

import (
	"errors"
	"fmt"
	"strings"
)

const Decimals = 2

// pow10[Decimals]
const unit = 100

var ErrInvalidAmount = errors.New("money: invalid amount")

// MaxAmount caps parsed amounts at one trillion whole units in
// smallest-unit representation. The cap keeps amount*bps inside int64
// for any commission up to 10000 bps.
const MaxAmount int64 = 100_000_000_000_000

// Parse converts a decimal string (e.g. "3500" or "3500.50") to its
// smallest-unit representation (350000, 350050).
//
// Rules:
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts longer than 2 digits are rejected (no silent
//     truncation of money)
//   - Amounts above MaxAmount are rejected
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, ErrInvalidAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, ErrInvalidAmount
	}
	if len(frac) > Decimals {
		return 0, ErrInvalidAmount
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	var total int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
		d := int64(r - '0')
		if total > (1<<62)/10 {
			return 0, ErrInvalidAmount
		}
		total = total*10 + d
	}
	if total > MaxAmount {
		return 0, ErrInvalidAmount
	}
	return total, nil
}

// Format converts a smallest-unit amount to a decimal string with exactly
// 2 decimal places (e.g. 332500 -> "3325.00").
func Format(amount int64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := fmt.Sprintf("%d.%02d", amount/unit, amount%unit)
	if neg {
		s = "-" + s
	}
	return s
}

// Split divides amount into the platform share and the recipient earnings
// for a commission expressed in basis points (500 = 5%). The share is
// rounded half-up; earnings is the exact remainder, so
// earnings + share == amount holds for every input. amount must be at
// most MaxAmount and bps at most 10000, which Parse and config
// validation guarantee; amount*bps then cannot overflow.
func Split(amount int64, bps int64) (earnings, share int64) {
	share = (amount*bps + 5000) / 10000
	return amount - share, share
}
